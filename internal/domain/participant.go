package domain

// QueueEntry is the stored record of a participant waiting to be paired.
type QueueEntry struct {
	ParticipantID string `msgpack:"id"`
	DisplayName   string `msgpack:"name"`
}

// Member is one side of a room.
type Member struct {
	ParticipantID string `msgpack:"id"`
	DisplayName   string `msgpack:"name"`
}

// Room pairs two distinct participants with a gateway room.
type Room struct {
	ID uint64
	A  Member
	B  Member
}

// Other returns the member that is not participantID. The pair is
// unordered; ok is false when participantID belongs to neither side.
func (r *Room) Other(participantID string) (Member, bool) {
	switch participantID {
	case r.A.ParticipantID:
		return r.B, true
	case r.B.ParticipantID:
		return r.A, true
	}
	return Member{}, false
}

// Member returns the side of the room that is participantID.
func (r *Room) Member(participantID string) (Member, bool) {
	switch participantID {
	case r.A.ParticipantID:
		return r.A, true
	case r.B.ParticipantID:
		return r.B, true
	}
	return Member{}, false
}

// SFUIdentifiers mirrors one participant's gateway identifiers.
type SFUIdentifiers struct {
	SessionID    uint64
	PublisherID  uint64
	SubscriberID uint64
	FeedID       uint64
}
