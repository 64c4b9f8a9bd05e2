// Package gatewaytest provides an in-process fake gateway for tests.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"quickconnect/server/internal/gateway"
)

// HandlerFunc answers one request frame. Returning no frames leaves the
// request unanswered.
type HandlerFunc func(req *gateway.Frame) []*gateway.Frame

// Server is a WebSocket endpoint speaking the gateway frame format.
type Server struct {
	srv     *httptest.Server
	handler HandlerFunc

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []*gateway.Frame
}

// NewServer starts a fake gateway that answers with h. It is closed when
// the test ends.
func NewServer(t testing.TB, h HandlerFunc) *Server {
	t.Helper()

	s := &Server{handler: h}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{gateway.Subprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.serve(conn)
	}))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Received returns a copy of every request frame read so far.
func (s *Server) Received() []*gateway.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*gateway.Frame(nil), s.received...)
}

// ReceivedKind returns the received frames whose janus field is kind.
func (s *Server) ReceivedKind(kind string) []*gateway.Frame {
	var out []*gateway.Frame
	for _, f := range s.Received() {
		if f.Janus == kind {
			out = append(out, f)
		}
	}
	return out
}

// Push writes an unsolicited frame to every connected client.
func (s *Server) Push(f *gateway.Frame) {
	data, _ := json.Marshal(f)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.WriteMessage(websocket.TextMessage, data)
	}
}

// DropConnections closes every client connection without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// Close stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) serve(conn *websocket.Conn) {
	var writeMu sync.Mutex
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req gateway.Frame
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, &req)
		s.mu.Unlock()

		for _, reply := range s.handler(&req) {
			out, _ := json.Marshal(reply)
			writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, out)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
