package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quickconnect/server/internal/domain"
	"quickconnect/server/internal/hub"
)

// nopHandler ignores every browser event.
type nopHandler struct{}

func (nopHandler) OnJoinQueue(domain.Channel, string)                        {}
func (nopHandler) OnLeaveRoom(domain.Channel)                                {}
func (nopHandler) OnOffer(domain.Channel, domain.SDPPayload)                 {}
func (nopHandler) OnAnswer(domain.Channel, domain.SDPPayload)                {}
func (nopHandler) OnICECandidate(domain.Channel, domain.ICECandidatePayload) {}
func (nopHandler) OnDisconnect(domain.Channel)                               {}

func newTestServer(t *testing.T, checks map[string]Check) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(zap.NewNop())
	h.SetHandler(nopHandler{})
	srv := httptest.NewServer(Routes(h, zap.NewNop(), checks))
	t.Cleanup(srv.Close)
	return srv, h
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("gateway connection closed") }

	tests := []struct {
		name   string
		checks map[string]Check
		want   int
	}{
		{"all ready", map[string]Check{"gateway": ok, "store": ok}, http.StatusOK},
		{"gateway down", map[string]Check{"gateway": down, "store": ok}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.checks)
			resp, err := http.Get(srv.URL + "/readyz")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if len(body) != len(tt.checks) {
				t.Errorf("body = %v, want one entry per check", body)
			}
		})
	}
}

func TestServeWs_AttachesNamedParticipant(t *testing.T) {
	srv, h := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?name=" + strings.Repeat("x", 100)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("participant not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeWs_RejectsPlainHTTP(t *testing.T) {
	srv, h := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if h.Len() != 0 {
		t.Error("plain request registered a participant")
	}
}

func TestTruncateName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "Alice", "Alice"},
		{"ascii", strings.Repeat("x", 100), strings.Repeat("x", maxNameLength)},
		{"multi-byte", strings.Repeat("é", 100), strings.Repeat("é", maxNameLength)},
		{"boundary inside a rune", strings.Repeat("x", maxNameLength-1) + "日本", strings.Repeat("x", maxNameLength-1) + "日"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateName(tt.in)
			if got != tt.want {
				t.Errorf("truncateName = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncateName returned invalid UTF-8 %q", got)
			}
		})
	}
}
