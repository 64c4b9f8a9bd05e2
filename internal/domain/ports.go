package domain

// Channel is the browser-facing messaging channel of one participant.
type Channel interface {
	ID() string
	Name() string
	// Emit queues a named event. It returns false if the channel is gone.
	Emit(event string, payload any) bool
}

// Registry resolves live channels connected to this process.
type Registry interface {
	Lookup(participantID string) (Channel, bool)
}

// Handler receives browser events for one participant.
type Handler interface {
	OnJoinQueue(ch Channel, name string)
	OnLeaveRoom(ch Channel)
	OnOffer(ch Channel, p SDPPayload)
	OnAnswer(ch Channel, p SDPPayload)
	OnICECandidate(ch Channel, p ICECandidatePayload)
	OnDisconnect(ch Channel)
}
