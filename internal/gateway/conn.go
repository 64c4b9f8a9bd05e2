package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Subprotocol is negotiated on the gateway WebSocket.
	Subprotocol = "janus-protocol"

	DefaultRequestTimeout = 30 * time.Second

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// PendingRequest is an outstanding call waiting for its correlated reply.
// Exactly one of Resolve or Reject is invoked, at most once.
type PendingRequest struct {
	Transaction string
	Owner       string
	Kind        string
	Deadline    time.Time
	Resolve     func(*Frame)
	Reject      func(error)

	timer *time.Timer
}

// Conn multiplexes one WebSocket to the gateway into many independent
// request/reply exchanges correlated by transaction token.
type Conn struct {
	url     string
	timeout time.Duration
	ping    time.Duration
	log     *zap.Logger

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu      sync.Mutex
	open    bool
	pending map[string]*PendingRequest

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithRequestTimeout overrides the pending-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPingPeriod overrides the WebSocket ping period.
func WithPingPeriod(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.ping = d
		}
	}
}

// New creates an unconnected multiplexer for the gateway at url.
func New(url string, log *zap.Logger, opts ...Option) *Conn {
	c := &Conn{
		url:     url,
		timeout: DefaultRequestTimeout,
		ping:    pingPeriod,
		log:     log.Named("gateway"),
		pending: make(map[string]*PendingRequest),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the gateway and starts the read and ping loops. A Conn
// connects once; reconnecting means building a new Conn.
func (c *Conn) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}

	c.log.Info("connecting", zap.String("url", c.url))
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.open = true
	c.mu.Unlock()

	go c.readLoop()
	go c.pingLoop()

	c.log.Info("connected", zap.String("subprotocol", ws.Subprotocol()))
	return nil
}

// Ready reports whether the connection is open.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Done is closed once the connection is lost or closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Pending returns the number of outstanding requests.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close shuts the connection down and rejects every pending request.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Send writes f if the connection is open. It never queues or retries.
func (c *Conn) Send(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.Ready() {
		return ErrNotReady
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	c.log.Debug(">>>", zap.String("janus", f.Janus), zap.String("transaction", f.Transaction))
	return nil
}

// AddPendingRequest registers req under its transaction token and arms its
// deadline. When the deadline passes without a reply, the entry is removed
// and req.Reject receives ErrTimeout.
func (c *Conn) AddPendingRequest(req *PendingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[req.Transaction]; exists {
		return ErrDuplicateToken
	}
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	req.Deadline = time.Now().Add(c.timeout)
	token := req.Transaction
	req.timer = time.AfterFunc(c.timeout, func() { c.expire(token) })
	c.pending[token] = req
	return nil
}

// Call sends f under a fresh transaction token and waits for the correlated
// reply. A gateway error reply is returned as *Error. If ctx ends first the
// pending entry is left in place so the eventual reply is still consumed.
func (c *Conn) Call(ctx context.Context, owner string, f *Frame) (*Frame, error) {
	type result struct {
		frame *Frame
		err   error
	}
	done := make(chan result, 1)

	f.Transaction = NewTransaction()
	req := &PendingRequest{
		Transaction: f.Transaction,
		Owner:       owner,
		Kind:        f.Janus,
		Resolve:     func(r *Frame) { done <- result{frame: r} },
		Reject:      func(err error) { done <- result{err: err} },
	}
	if err := c.AddPendingRequest(req); err != nil {
		return nil, err
	}
	if err := c.Send(f); err != nil {
		c.take(f.Transaction)
		return nil, err
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if err := r.frame.Err(); err != nil {
			return r.frame, err
		}
		return r.frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) take(token string) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.pending[token]
	if !ok {
		return nil
	}
	delete(c.pending, token)
	if req.timer != nil {
		req.timer.Stop()
	}
	return req
}

func (c *Conn) expire(token string) {
	req := c.take(token)
	if req == nil {
		return
	}
	c.log.Warn("request timed out",
		zap.String("transaction", token),
		zap.String("kind", req.Kind),
		zap.String("owner", req.Owner))
	req.Reject(fmt.Errorf("%w: %s %s", ErrTimeout, req.Kind, token))
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.open = false
		ws := c.ws
		pending := c.pending
		c.pending = make(map[string]*PendingRequest)
		close(c.closed)
		c.mu.Unlock()

		if ws != nil {
			_ = ws.Close()
		}
		if cause != nil {
			c.log.Error("connection lost", zap.Error(cause), zap.Int("pending", len(pending)))
		} else {
			c.log.Info("connection closed", zap.Int("pending", len(pending)))
		}

		for _, req := range pending {
			if req.timer != nil {
				req.timer.Stop()
			}
			req.Reject(ErrConnectionClosed)
		}
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.shutdown(err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("unmarshal frame", zap.Error(err))
			continue
		}
		c.route(&f)
	}
}

// route delivers a correlated reply to its owner exactly once. Acks never
// consume a pending entry: asynchronous plugin requests are acked first
// and answered later under the same token.
func (c *Conn) route(f *Frame) {
	if f.Janus == ReplyAck {
		return
	}
	if f.Transaction != "" {
		if req := c.take(f.Transaction); req != nil {
			req.Resolve(f)
			return
		}
	}

	switch f.Janus {
	case ReplyEvent:
		fields := []zap.Field{zap.Uint64("sender", f.Sender)}
		if f.PluginData != nil {
			fields = append(fields, zap.String("plugin", f.PluginData.Plugin), zap.ByteString("data", f.PluginData.Data))
		}
		c.log.Info("unhandled plugin event", fields...)
	case ReplyError:
		c.log.Error("unhandled gateway error", zap.Error(f.Err()), zap.String("transaction", f.Transaction))
	default:
		c.log.Debug("unhandled frame",
			zap.String("janus", f.Janus),
			zap.Uint64("session", f.SessionID),
			zap.Uint64("sender", f.Sender))
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}
