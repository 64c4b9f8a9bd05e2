// Package server exposes the browser WebSocket endpoint and health checks.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quickconnect/server/internal/hub"
)

const (
	maxNameLength = 64
	readyTimeout  = 2 * time.Second
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,

	// Browsers connect from the web app's own origin; no origin policy is
	// enforced here.
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Routes returns the HTTP handler of the server.
func Routes(h *hub.Hub, log *zap.Logger, checks map[string]Check) http.Handler {
	log = log.Named("http")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", ServeWs(h, log))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", readyz(checks))
	return mux
}

// ServeWs upgrades a browser connection and hands it to the hub. The
// optional name query parameter is the default display name.
func ServeWs(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := truncateName(strings.TrimSpace(r.URL.Query().Get("name")))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("upgrade", zap.Error(err))
			return
		}
		h.Attach(conn, name)
	}
}

// truncateName cuts name to maxNameLength runes.
func truncateName(name string) string {
	n := 0
	for i := range name {
		if n == maxNameLength {
			return name[:i]
		}
		n++
	}
	return name
}

func readyz(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, results)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
