package domain

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Inbound event names sent by the browser.
const (
	EventJoinQueue    = "join-queue"
	EventLeaveRoom    = "leave-room"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Outbound event names sent to the browser.
const (
	EventWaiting          = "waiting"
	EventStartPublishing  = "start-publishing"
	EventSDPAnswer        = "sdp-answer"
	EventSDPOffer         = "sdp-offer"
	EventPeerLeft         = "peer-left"
	EventPeerDisconnected = "peer-disconnected"
	EventError            = "error"
)

// Envelope is the JSON frame exchanged with the browser.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinQueuePayload is the optional body of a join-queue event.
type JoinQueuePayload struct {
	Name string `json:"name,omitempty"`
}

// SDPPayload carries an offer or answer for a room.
type SDPPayload struct {
	RoomID uint64                    `json:"roomId"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

// SubscribeOfferPayload is sent when the gateway offers a peer's feed.
type SubscribeOfferPayload struct {
	RoomID uint64                    `json:"roomId"`
	FeedID uint64                    `json:"feedId"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

// ICECandidatePayload is a trickled candidate. A nil Candidate marks the
// end of gathering.
type ICECandidatePayload struct {
	RoomID    uint64                   `json:"roomId"`
	Target    string                   `json:"target"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// Trickle targets.
const (
	TargetPublisher  = "publisher"
	TargetSubscriber = "subscriber"
)

// StartPublishingPayload tells a browser its room is ready.
type StartPublishingPayload struct {
	RoomID     uint64             `json:"roomId"`
	PeerName   string             `json:"peerName"`
	ICEServers []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// RoomPayload identifies the room a peer event refers to.
type RoomPayload struct {
	RoomID uint64 `json:"roomId"`
}

// ErrorPayload reports a failure with a machine-readable kind.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
