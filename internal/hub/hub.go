// Package hub keeps the browser connections of this process and routes
// their events.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"quickconnect/server/internal/domain"
	"quickconnect/server/internal/room"
)

// Hub is the registry of connected participants. It implements
// domain.Registry.
type Hub struct {
	log     *zap.Logger
	handler domain.Handler

	mu      sync.RWMutex
	clients map[string]*Client
	pumps   sync.WaitGroup
}

func New(log *zap.Logger) *Hub {
	return &Hub{
		log:     log.Named("hub"),
		clients: make(map[string]*Client),
	}
}

// SetHandler injects the event handler after construction; the handler
// depends on the hub as its registry.
func (h *Hub) SetHandler(handler domain.Handler) {
	h.handler = handler
}

// Attach registers conn as a new participant named name and starts its
// pumps.
func (h *Hub) Attach(conn *websocket.Conn, name string) *Client {
	id := uuid.NewString()
	c := &Client{
		hub:  h,
		conn: conn,
		id:   id,
		name: name,
		log:  h.log.With(zap.String("participant", id)),
		send: make(chan *domain.Envelope, sendBuffer),
	}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	c.log.Info("participant connected", zap.String("name", name), zap.Stringer("remote", conn.RemoteAddr()))

	h.pumps.Add(1)
	go c.WritePump()
	go func() {
		defer h.pumps.Done()
		c.ReadPump()
	}()
	return c
}

// Lookup returns the live client of participantID.
func (h *Hub) Lookup(participantID string) (domain.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[participantID]
	if !ok {
		return nil, false
	}
	return c, true
}

// Len returns the number of connected participants.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and waits until each read pump has run
// the disconnect path, or ctx is done.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	for _, c := range h.clients {
		c.conn.Close()
	}
	h.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
	c.closeSend()
}

// dispatch decodes one envelope and hands it to the handler.
func (h *Hub) dispatch(c *Client, env *domain.Envelope) {
	switch env.Type {
	case domain.EventJoinQueue:
		var p domain.JoinQueuePayload
		if h.decode(c, env, &p) {
			h.handler.OnJoinQueue(c, p.Name)
		}
	case domain.EventLeaveRoom:
		h.handler.OnLeaveRoom(c)
	case domain.EventOffer:
		var p domain.SDPPayload
		if h.decode(c, env, &p) && h.validSDP(c, env, p) {
			h.handler.OnOffer(c, p)
		}
	case domain.EventAnswer:
		var p domain.SDPPayload
		if h.decode(c, env, &p) && h.validSDP(c, env, p) {
			h.handler.OnAnswer(c, p)
		}
	case domain.EventICECandidate:
		var p domain.ICECandidatePayload
		if h.decode(c, env, &p) {
			h.handler.OnICECandidate(c, p)
		}
	default:
		h.badRequest(c, fmt.Sprintf("unknown event %q", env.Type))
	}
}

func (h *Hub) decode(c *Client, env *domain.Envelope, v any) bool {
	if len(env.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		h.badRequest(c, fmt.Sprintf("malformed %s payload: %v", env.Type, err))
		return false
	}
	return true
}

// validSDP parses a copy of the description so the relayed one is
// untouched.
func (h *Hub) validSDP(c *Client, env *domain.Envelope, p domain.SDPPayload) bool {
	desc := p.SDP
	if desc.Type == webrtc.SDPTypeUnknown || desc.SDP == "" {
		h.badRequest(c, fmt.Sprintf("%s without a description", env.Type))
		return false
	}
	if _, err := desc.Unmarshal(); err != nil {
		h.badRequest(c, fmt.Sprintf("invalid %s description: %v", env.Type, err))
		return false
	}
	return true
}

func (h *Hub) badRequest(c *Client, msg string) {
	c.log.Warn("bad request", zap.String("reason", msg))
	c.Emit(domain.EventError, domain.ErrorPayload{Kind: room.KindBadRequest, Message: msg})
}
