package gatewaytest

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"quickconnect/server/internal/gateway"
)

// Minimal descriptions returned by the fake videoroom plugin.
const (
	PublisherAnswerSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=publisher-answer\r\nt=0 0\r\n"
	SubscriberOfferSDP = "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=subscriber-offer\r\nt=0 0\r\n"
)

// Janus simulates the session, handle and videoroom behaviour the server
// relies on. Steps can be made to fail or stay silent by key: a request
// kind ("create", "attach", ...) or "message:<request>" for plugin bodies.
type Janus struct {
	mu      sync.Mutex
	nextID  uint64
	rooms   map[uint64]bool
	handles map[uint64]bool
	fail    map[string]*gateway.ErrorBody
	silent  map[string]bool
}

// NewJanus returns an empty simulated gateway.
func NewJanus() *Janus {
	return &Janus{
		nextID:  1000,
		rooms:   make(map[uint64]bool),
		handles: make(map[uint64]bool),
		fail:    make(map[string]*gateway.ErrorBody),
		silent:  make(map[string]bool),
	}
}

// Fail makes requests matching key fail with reason.
func (j *Janus) Fail(key string, code int, reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fail[key] = &gateway.ErrorBody{Code: code, Reason: reason}
}

// Silence leaves requests matching key unanswered.
func (j *Janus) Silence(key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.silent[key] = true
}

// HasRoom reports whether room exists on the simulated plugin.
func (j *Janus) HasRoom(room uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rooms[room]
}

// Rooms returns the number of existing rooms.
func (j *Janus) Rooms() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.rooms)
}

// Handles returns the number of attached handles.
func (j *Janus) Handles() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.handles)
}

type videoroomBody struct {
	Request string `json:"request"`
	Room    uint64 `json:"room"`
	PType   string `json:"ptype"`
	Feed    uint64 `json:"feed"`
}

// Handle implements HandlerFunc.
func (j *Janus) Handle(req *gateway.Frame) []*gateway.Frame {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := req.Janus
	var body videoroomBody
	if req.Janus == gateway.KindMessage {
		_ = json.Unmarshal(req.Body, &body)
		key = "message:" + body.Request
	}
	if j.silent[key] {
		return nil
	}
	if e, ok := j.fail[key]; ok {
		if req.Janus == gateway.KindMessage {
			return []*gateway.Frame{j.plugin(req, gateway.ReplySuccess, map[string]any{
				"videoroom":  "event",
				"error_code": e.Code,
				"error":      e.Reason,
			}, nil)}
		}
		return []*gateway.Frame{{Janus: gateway.ReplyError, Transaction: req.Transaction, Error: e}}
	}

	switch req.Janus {
	case gateway.KindCreate, gateway.KindAttach:
		j.nextID++
		if req.Janus == gateway.KindAttach {
			j.handles[j.nextID] = true
		}
		return []*gateway.Frame{{Janus: gateway.ReplySuccess, Transaction: req.Transaction, Data: &gateway.Data{ID: j.nextID}}}
	case gateway.KindDetach:
		delete(j.handles, req.HandleID)
		return []*gateway.Frame{{Janus: gateway.ReplySuccess, Transaction: req.Transaction}}
	case gateway.KindDestroy:
		return []*gateway.Frame{{Janus: gateway.ReplySuccess, Transaction: req.Transaction}}
	case gateway.KindKeepAlive, gateway.KindTrickle:
		return []*gateway.Frame{{Janus: gateway.ReplyAck, Transaction: req.Transaction}}
	case gateway.KindMessage:
		return j.message(req, body)
	}
	return []*gateway.Frame{{Janus: gateway.ReplyError, Transaction: req.Transaction, Error: &gateway.ErrorBody{Code: 453, Reason: "unknown request"}}}
}

func (j *Janus) message(req *gateway.Frame, body videoroomBody) []*gateway.Frame {
	ack := &gateway.Frame{Janus: gateway.ReplyAck, Transaction: req.Transaction}

	switch body.Request {
	case "create":
		j.rooms[body.Room] = true
		return []*gateway.Frame{j.plugin(req, gateway.ReplySuccess, map[string]any{"videoroom": "created", "room": body.Room}, nil)}
	case "destroy":
		if !j.rooms[body.Room] {
			return []*gateway.Frame{j.plugin(req, gateway.ReplySuccess, map[string]any{"videoroom": "event", "error_code": 426, "error": "No such room"}, nil)}
		}
		delete(j.rooms, body.Room)
		return []*gateway.Frame{j.plugin(req, gateway.ReplySuccess, map[string]any{"videoroom": "destroyed", "room": body.Room}, nil)}
	case "join":
		if body.PType == "subscriber" {
			offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: SubscriberOfferSDP}
			return []*gateway.Frame{ack, j.plugin(req, gateway.ReplyEvent, map[string]any{"videoroom": "attached", "room": body.Room, "id": body.Feed}, offer)}
		}
		j.nextID++
		return []*gateway.Frame{ack, j.plugin(req, gateway.ReplyEvent, map[string]any{"videoroom": "joined", "room": body.Room, "id": j.nextID}, nil)}
	case "publish":
		answer := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: PublisherAnswerSDP}
		return []*gateway.Frame{ack, j.plugin(req, gateway.ReplyEvent, map[string]any{"videoroom": "event", "configured": "ok"}, answer)}
	case "start":
		return []*gateway.Frame{ack, j.plugin(req, gateway.ReplyEvent, map[string]any{"videoroom": "event", "started": "ok"}, nil)}
	}
	return []*gateway.Frame{j.plugin(req, gateway.ReplySuccess, map[string]any{"videoroom": "event", "error_code": 423, "error": "unknown request"}, nil)}
}

func (j *Janus) plugin(req *gateway.Frame, kind string, data map[string]any, jsep *webrtc.SessionDescription) *gateway.Frame {
	raw, _ := json.Marshal(data)
	return &gateway.Frame{
		Janus:       kind,
		Transaction: req.Transaction,
		SessionID:   req.SessionID,
		Sender:      req.HandleID,
		PluginData:  &gateway.PluginData{Plugin: "janus.plugin.videoroom", Data: raw},
		JSEP:        jsep,
	}
}
