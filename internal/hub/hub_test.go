package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"quickconnect/server/internal/domain"
)

const validSDP = "v=0\r\no=- 5 5 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// mockHandler records calls for verification.
type mockHandler struct {
	mu           sync.Mutex
	joined       []string
	offers       []domain.SDPPayload
	answers      []domain.SDPPayload
	candidates   []domain.ICECandidatePayload
	left         int
	disconnected chan string
}

func newMockHandler() *mockHandler {
	return &mockHandler{disconnected: make(chan string, 4)}
}

func (m *mockHandler) OnJoinQueue(_ domain.Channel, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = append(m.joined, name)
}

func (m *mockHandler) OnLeaveRoom(domain.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left++
}

func (m *mockHandler) OnOffer(_ domain.Channel, p domain.SDPPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, p)
}

func (m *mockHandler) OnAnswer(_ domain.Channel, p domain.SDPPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, p)
}

func (m *mockHandler) OnICECandidate(_ domain.Channel, p domain.ICECandidatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, p)
}

func (m *mockHandler) OnDisconnect(ch domain.Channel) {
	m.disconnected <- ch.ID()
}

func newHub(t *testing.T) (*Hub, *mockHandler, string) {
	t.Helper()
	h := New(zap.NewNop())
	handler := newMockHandler()
	h.SetHandler(handler)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Attach(conn, r.URL.Query().Get("name"))
	}))
	t.Cleanup(srv.Close)
	return h, handler, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?name=Alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(domain.Envelope{Type: event, Payload: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env domain.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func onlyClient(t *testing.T, h *Hub) *Client {
	t.Helper()
	waitFor(t, "registration", func() bool { return h.Len() == 1 })
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		return c
	}
	return nil
}

func TestAttach_RegistersAndEmits(t *testing.T) {
	h, _, url := newHub(t)
	conn := dial(t, url)
	c := onlyClient(t, h)

	if c.Name() != "Alice" {
		t.Errorf("Name = %q, want Alice", c.Name())
	}
	ch, ok := h.Lookup(c.ID())
	if !ok || ch.ID() != c.ID() {
		t.Fatalf("Lookup(%s) = %v, %v", c.ID(), ch, ok)
	}

	if !ch.Emit(domain.EventPeerLeft, domain.RoomPayload{RoomID: 42}) {
		t.Fatal("Emit returned false")
	}
	env := receive(t, conn)
	if env.Type != domain.EventPeerLeft || string(env.Payload) != `{"roomId":42}` {
		t.Errorf("received %s %s", env.Type, env.Payload)
	}
}

func TestDispatch_RoutesEvents(t *testing.T) {
	h, handler, url := newHub(t)
	conn := dial(t, url)
	onlyClient(t, h)

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: validSDP}
	send(t, conn, domain.EventJoinQueue, domain.JoinQueuePayload{Name: "Ally"})
	send(t, conn, domain.EventOffer, domain.SDPPayload{RoomID: 7, SDP: desc})
	send(t, conn, domain.EventAnswer, domain.SDPPayload{RoomID: 7, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: validSDP}})
	send(t, conn, domain.EventICECandidate, domain.ICECandidatePayload{RoomID: 7, Target: domain.TargetSubscriber})
	send(t, conn, domain.EventLeaveRoom, struct{}{})

	waitFor(t, "leave-room", func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return handler.left == 1
	})

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.joined) != 1 || handler.joined[0] != "Ally" {
		t.Errorf("joined = %v, want [Ally]", handler.joined)
	}
	if len(handler.offers) != 1 || handler.offers[0].SDP.SDP != validSDP || handler.offers[0].RoomID != 7 {
		t.Errorf("offers = %+v, want the sent description unchanged", handler.offers)
	}
	if len(handler.answers) != 1 {
		t.Errorf("answers = %d, want 1", len(handler.answers))
	}
	if len(handler.candidates) != 1 || handler.candidates[0].Candidate != nil {
		t.Errorf("candidates = %+v, want one end-of-candidates", handler.candidates)
	}
}

func TestDispatch_RejectsBadInput(t *testing.T) {
	h, handler, url := newHub(t)
	conn := dial(t, url)
	onlyClient(t, h)

	tests := []struct {
		name    string
		event   string
		payload any
	}{
		{"unknown event", "shout", struct{}{}},
		{"invalid sdp", domain.EventOffer, domain.SDPPayload{RoomID: 1, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"}}},
		{"missing sdp", domain.EventAnswer, struct{}{}},
		{"malformed payload", domain.EventICECandidate, "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.event, tt.payload)
			env := receive(t, conn)
			if env.Type != domain.EventError {
				t.Fatalf("received %s, want error", env.Type)
			}
			var p domain.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				t.Fatal(err)
			}
			if p.Kind != "bad-request" {
				t.Errorf("kind = %q, want bad-request", p.Kind)
			}
		})
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.offers)+len(handler.answers)+len(handler.candidates) != 0 {
		t.Error("handler reached with bad input")
	}
}

func TestDisconnect_UnregistersAndNotifies(t *testing.T) {
	h, handler, url := newHub(t)
	conn := dial(t, url)
	c := onlyClient(t, h)

	conn.Close()

	select {
	case id := <-handler.disconnected:
		if id != c.ID() {
			t.Errorf("disconnected %s, want %s", id, c.ID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	if _, ok := h.Lookup(c.ID()); ok {
		t.Error("client still registered")
	}
	if c.Emit(domain.EventWaiting, struct{}{}) {
		t.Error("Emit to a closed client returned true")
	}
}

func TestShutdown_DisconnectsEveryone(t *testing.T) {
	h, handler, url := newHub(t)
	dial(t, url)
	dial(t, url)
	waitFor(t, "registration", func() bool { return h.Len() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if n := len(handler.disconnected); n != 2 {
		t.Errorf("OnDisconnect called %d times, want 2", n)
	}
	if n := h.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}
