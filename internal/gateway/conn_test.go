package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"quickconnect/server/internal/gateway"
	"quickconnect/server/internal/gateway/gatewaytest"
)

func connect(t *testing.T, srv *gatewaytest.Server, opts ...gateway.Option) *gateway.Conn {
	t.Helper()
	c := gateway.New(srv.URL(), zap.NewNop(), opts...)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCall_RoutesCorrelatedReply(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(req *gateway.Frame) []*gateway.Frame {
		return []*gateway.Frame{{Janus: gateway.ReplySuccess, Transaction: req.Transaction, Data: &gateway.Data{ID: 42}}}
	})
	c := connect(t, srv)

	reply, err := c.Call(context.Background(), "test", &gateway.Frame{Janus: gateway.KindCreate})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.Data == nil || reply.Data.ID != 42 {
		t.Errorf("expected data id 42, got %+v", reply.Data)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("expected empty pending table, got %d", n)
	}
}

func TestCall_AckDoesNotConsumeEntry(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(req *gateway.Frame) []*gateway.Frame {
		return []*gateway.Frame{
			{Janus: gateway.ReplyAck, Transaction: req.Transaction},
			{Janus: gateway.ReplyEvent, Transaction: req.Transaction, Sender: 7},
		}
	})
	c := connect(t, srv)

	reply, err := c.Call(context.Background(), "test", &gateway.Frame{Janus: gateway.KindMessage})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.Janus != gateway.ReplyEvent || reply.Sender != 7 {
		t.Errorf("expected the event reply, got %+v", reply)
	}
}

func TestCall_GatewayErrorIsReturned(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(req *gateway.Frame) []*gateway.Frame {
		return []*gateway.Frame{{
			Janus:       gateway.ReplyError,
			Transaction: req.Transaction,
			Error:       &gateway.ErrorBody{Code: 458, Reason: "No such session"},
		}}
	})
	c := connect(t, srv)

	_, err := c.Call(context.Background(), "test", &gateway.Frame{Janus: gateway.KindAttach})
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected *gateway.Error, got %v", err)
	}
	if gwErr.Code != 458 || gwErr.Reason != "No such session" {
		t.Errorf("unexpected error contents: %+v", gwErr)
	}
}

func TestCall_TimeoutRemovesEntry(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(*gateway.Frame) []*gateway.Frame { return nil })
	c := connect(t, srv, gateway.WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.Call(context.Background(), "test", &gateway.Frame{Janus: gateway.KindMessage})
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("timed out before the deadline")
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("expected empty pending table after timeout, got %d", n)
	}
}

func TestCall_ConnectionLossRejectsPending(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(*gateway.Frame) []*gateway.Frame { return nil })
	c := connect(t, srv)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Call(context.Background(), "test", &gateway.Frame{Janus: gateway.KindCreate})
			errs <- err
		}()
	}
	waitFor(t, func() bool { return c.Pending() == 3 })

	srv.DropConnections()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, gateway.ErrConnectionClosed) {
				t.Errorf("expected ErrConnectionClosed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending call was not rejected")
		}
	}
	if c.Pending() != 0 {
		t.Error("expected pending table to be cleared")
	}
	if c.Ready() {
		t.Error("expected connection to report not ready")
	}
	if err := c.Send(&gateway.Frame{Janus: gateway.KindKeepAlive}); !errors.Is(err, gateway.ErrNotReady) {
		t.Errorf("expected ErrNotReady after loss, got %v", err)
	}
}

func TestSend_NotReadyBeforeConnect(t *testing.T) {
	c := gateway.New("ws://127.0.0.1:1", zap.NewNop())
	if err := c.Send(&gateway.Frame{Janus: gateway.KindKeepAlive}); !errors.Is(err, gateway.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	_, err := c.Call(context.Background(), "test", &gateway.Frame{Janus: gateway.KindCreate})
	if !errors.Is(err, gateway.ErrNotReady) {
		t.Errorf("expected ErrNotReady from Call, got %v", err)
	}
	if c.Pending() != 0 {
		t.Error("failed send must not leave a pending entry")
	}
}

func TestCall_InterleavedRepliesAreCorrelated(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(*gateway.Frame) []*gateway.Frame { return nil })
	c := connect(t, srv)

	var wg sync.WaitGroup
	got := make(map[string]uint64)
	var mu sync.Mutex
	for _, owner := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			reply, err := c.Call(context.Background(), owner, &gateway.Frame{Janus: gateway.KindCreate, Plugin: owner})
			if err != nil {
				t.Errorf("%s: %v", owner, err)
				return
			}
			mu.Lock()
			got[owner] = reply.Data.ID
			mu.Unlock()
		}(owner)
	}
	waitFor(t, func() bool { return len(srv.Received()) == 2 })

	// Answer in reverse arrival order.
	reqs := srv.Received()
	for i := len(reqs) - 1; i >= 0; i-- {
		id := uint64(1)
		if reqs[i].Plugin == "bob" {
			id = 2
		}
		srv.Push(&gateway.Frame{Janus: gateway.ReplySuccess, Transaction: reqs[i].Transaction, Data: &gateway.Data{ID: id}})
	}
	wg.Wait()

	if got["alice"] != 1 || got["bob"] != 2 {
		t.Errorf("replies were not correlated by transaction: %v", got)
	}
}

func TestCall_AbandonedReplyIsStillConsumed(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(*gateway.Frame) []*gateway.Frame { return nil })
	c := connect(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Call(ctx, "test", &gateway.Frame{Janus: gateway.KindCreate}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected the entry to outlive the caller, got %d", c.Pending())
	}

	waitFor(t, func() bool { return len(srv.Received()) == 1 })
	srv.Push(&gateway.Frame{Janus: gateway.ReplySuccess, Transaction: srv.Received()[0].Transaction, Data: &gateway.Data{ID: 1}})
	waitFor(t, func() bool { return c.Pending() == 0 })
}

func TestRoute_UntokenedFramesAreDiscarded(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(*gateway.Frame) []*gateway.Frame { return nil })
	c := connect(t, srv)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "test", &gateway.Frame{Janus: gateway.KindCreate})
		done <- err
	}()
	waitFor(t, func() bool { return c.Pending() == 1 })

	srv.Push(&gateway.Frame{Janus: gateway.ReplyEvent, Sender: 99})
	srv.Push(&gateway.Frame{Janus: gateway.ReplyError, Error: &gateway.ErrorBody{Code: 490, Reason: "boom"}})
	srv.Push(&gateway.Frame{Janus: "webrtcup", SessionID: 1, Sender: 2})
	srv.Push(&gateway.Frame{Janus: gateway.ReplySuccess, Transaction: "unknowntoken"})

	time.Sleep(50 * time.Millisecond)
	if c.Pending() != 1 {
		t.Fatalf("unrelated frames disturbed the pending table: %d", c.Pending())
	}

	srv.Push(&gateway.Frame{Janus: gateway.ReplySuccess, Transaction: srv.Received()[0].Transaction, Data: &gateway.Data{ID: 5}})
	if err := <-done; err != nil {
		t.Errorf("expected success, got %v", err)
	}
}

func TestAddPendingRequest_RejectsDuplicateToken(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(*gateway.Frame) []*gateway.Frame { return nil })
	c := connect(t, srv)

	req := &gateway.PendingRequest{Transaction: "abcdefgh1234", Resolve: func(*gateway.Frame) {}, Reject: func(error) {}}
	if err := c.AddPendingRequest(req); err != nil {
		t.Fatalf("first add: %v", err)
	}
	dup := &gateway.PendingRequest{Transaction: "abcdefgh1234", Resolve: func(*gateway.Frame) {}, Reject: func(error) {}}
	if err := c.AddPendingRequest(dup); !errors.Is(err, gateway.ErrDuplicateToken) {
		t.Errorf("expected ErrDuplicateToken, got %v", err)
	}
	if req.Deadline.IsZero() {
		t.Error("expected deadline to be set")
	}
}

func TestConnect_NegotiatesSubprotocol(t *testing.T) {
	srv := gatewaytest.NewServer(t, func(*gateway.Frame) []*gateway.Frame { return nil })
	c := connect(t, srv)
	if !c.Ready() {
		t.Error("expected connection to be ready")
	}
}

func TestNewTransaction(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tx := gateway.NewTransaction()
		if len(tx) < 8 {
			t.Fatalf("token too short: %q", tx)
		}
		for _, r := range tx {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				t.Fatalf("non-alphanumeric token %q", tx)
			}
		}
		if seen[tx] {
			t.Fatalf("duplicate token %q", tx)
		}
		seen[tx] = true
	}
}
