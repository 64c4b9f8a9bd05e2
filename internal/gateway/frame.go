package gateway

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Request kinds understood by the gateway.
const (
	KindCreate    = "create"
	KindAttach    = "attach"
	KindMessage   = "message"
	KindTrickle   = "trickle"
	KindKeepAlive = "keepalive"
	KindDetach    = "detach"
	KindDestroy   = "destroy"
)

// Reply kinds sent by the gateway.
const (
	ReplySuccess = "success"
	ReplyError   = "error"
	ReplyEvent   = "event"
	ReplyAck     = "ack"
)

// Frame is a single JSON message on the gateway connection. Requests and
// replies share the same envelope.
type Frame struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction,omitempty"`
	SessionID   uint64                     `json:"session_id,omitempty"`
	HandleID    uint64                     `json:"handle_id,omitempty"`
	Sender      uint64                     `json:"sender,omitempty"`
	Plugin      string                     `json:"plugin,omitempty"`
	Body        json.RawMessage            `json:"body,omitempty"`
	JSEP        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Candidate   json.RawMessage            `json:"candidate,omitempty"`
	Data        *Data                      `json:"data,omitempty"`
	PluginData  *PluginData                `json:"plugindata,omitempty"`
	Error       *ErrorBody                 `json:"error,omitempty"`
}

// Data is the payload of a success reply to create or attach.
type Data struct {
	ID uint64 `json:"id"`
}

// PluginData is the plugin-specific part of a reply.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// ErrorBody is the error object of an error reply.
type ErrorBody struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Err returns the gateway-reported error carried by f, if any.
func (f *Frame) Err() error {
	if f.Janus != ReplyError {
		return nil
	}
	if f.Error == nil {
		return &Error{Reason: "unspecified gateway error"}
	}
	return &Error{Code: f.Error.Code, Reason: f.Error.Reason}
}
