package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quickconnect/server/internal/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. SDP bodies fit comfortably.
	maxMessageSize = 64 * 1024

	sendBuffer = 64
)

// Client is one browser connection. It implements domain.Channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	name string
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan *domain.Envelope
}

func (c *Client) ID() string   { return c.id }
func (c *Client) Name() string { return c.name }

// Emit queues an event for the write pump. It never blocks; a client
// whose buffer is full or that has gone away gets nothing.
func (c *Client) Emit(event string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- &domain.Envelope{Type: event, Payload: raw}:
		return true
	default:
		c.log.Warn("send buffer full, event dropped", zap.String("event", event))
		return false
	}
}

// closeSend stops the write pump once it has flushed what is queued.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps envelopes from the websocket connection to the handler.
// It runs in its own goroutine and is the only reader of the connection.
// When it returns the client is unregistered and the handler is told.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.handler.OnDisconnect(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read", zap.Error(err))
			}
			return
		}
		c.hub.dispatch(c, &env)
	}
}

// WritePump pumps queued events to the websocket connection and keeps it
// alive with pings. It is the only writer of the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug("write", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
