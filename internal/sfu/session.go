package sfu

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"quickconnect/server/internal/domain"
	"quickconnect/server/internal/gateway"
)

// PluginVideoRoom is the gateway plugin both handles attach to.
const PluginVideoRoom = "janus.plugin.videoroom"

var (
	ErrNotReady        = errors.New("sfu session not ready")
	ErrUnexpectedReply = errors.New("unexpected gateway reply")
)

// State is the allocation progress of a Session.
type State int

const (
	StateUnallocated State = iota
	StateSessionCreated
	StatePublisherAttached
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnallocated:
		return "unallocated"
	case StateSessionCreated:
		return "session-created"
	case StatePublisherAttached:
		return "publisher-attached"
	case StateReady:
		return "ready"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Caller is the part of the gateway multiplexer a Session uses.
type Caller interface {
	Call(ctx context.Context, owner string, f *gateway.Frame) (*gateway.Frame, error)
	Send(f *gateway.Frame) error
}

// Session drives one participant's session, publisher handle and
// subscriber handle on the gateway.
type Session struct {
	conn      Caller
	owner     string
	log       *zap.Logger
	keepalive time.Duration

	allocMu sync.Mutex

	mu            sync.Mutex
	state         State
	sessionID     uint64
	publisherID   uint64
	subscriberID  uint64
	feedID        uint64
	roomID        uint64
	inRoom        bool
	stopKeepalive chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithKeepAlive sets the keepalive period of a Ready session. Zero disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Session) { s.keepalive = d }
}

// New returns an Unallocated session owned by participantID.
func New(conn Caller, participantID string, log *zap.Logger, opts ...Option) *Session {
	s := &Session{
		conn:  conn,
		owner: participantID,
		log:   log.Named("sfu").With(zap.String("participant", participantID)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current allocation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identifiers returns a snapshot of the gateway identifiers.
func (s *Session) Identifiers() domain.SFUIdentifiers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SFUIdentifiers{
		SessionID:    s.sessionID,
		PublisherID:  s.publisherID,
		SubscriberID: s.subscriberID,
		FeedID:       s.feedID,
	}
}

// CurrentRoom returns the room joined as publisher, if any.
func (s *Session) CurrentRoom() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID, s.inRoom
}

// Allocate creates the gateway session and attaches the publisher and
// subscriber handles, strictly in that order. Any failure leaves the
// session Unallocated. Allocating a Ready session is a no-op.
func (s *Session) Allocate(ctx context.Context) error {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	if s.State() == StateReady {
		return nil
	}

	sessionID, err := s.callForID(ctx, &gateway.Frame{Janus: gateway.KindCreate})
	if err != nil {
		return s.failAllocation(ctx, fmt.Errorf("create session: %w", err))
	}
	s.advance(StateSessionCreated, func() { s.sessionID = sessionID })

	publisherID, err := s.callForID(ctx, &gateway.Frame{Janus: gateway.KindAttach, SessionID: sessionID, Plugin: PluginVideoRoom})
	if err != nil {
		return s.failAllocation(ctx, fmt.Errorf("attach publisher: %w", err))
	}
	s.advance(StatePublisherAttached, func() { s.publisherID = publisherID })

	subscriberID, err := s.callForID(ctx, &gateway.Frame{Janus: gateway.KindAttach, SessionID: sessionID, Plugin: PluginVideoRoom})
	if err != nil {
		return s.failAllocation(ctx, fmt.Errorf("attach subscriber: %w", err))
	}
	s.advance(StateReady, func() { s.subscriberID = subscriberID })

	s.log.Info("allocated",
		zap.Uint64("session", sessionID),
		zap.Uint64("publisher", publisherID),
		zap.Uint64("subscriber", subscriberID))

	if s.keepalive > 0 {
		stop := make(chan struct{})
		s.mu.Lock()
		s.stopKeepalive = stop
		s.mu.Unlock()
		go s.keepaliveLoop(sessionID, stop)
	}
	return nil
}

func (s *Session) advance(next State, set func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set()
	s.state = next
}

func (s *Session) failAllocation(ctx context.Context, err error) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.reset()
	s.mu.Unlock()

	if sessionID != 0 {
		if _, derr := s.conn.Call(ctx, s.owner, &gateway.Frame{Janus: gateway.KindDestroy, SessionID: sessionID}); derr != nil {
			s.log.Warn("destroy half-allocated session", zap.Uint64("session", sessionID), zap.Error(derr))
		}
	}
	return err
}

// reset must be called with s.mu held.
func (s *Session) reset() {
	s.state = StateUnallocated
	s.sessionID, s.publisherID, s.subscriberID, s.feedID = 0, 0, 0, 0
	s.roomID, s.inRoom = 0, false
}

// callForID issues f and returns the id carried by its success reply.
func (s *Session) callForID(ctx context.Context, f *gateway.Frame) (uint64, error) {
	reply, err := s.conn.Call(ctx, s.owner, f)
	if err != nil {
		return 0, err
	}
	if reply.Transaction != f.Transaction || reply.Janus != gateway.ReplySuccess || reply.Data == nil || reply.Data.ID == 0 {
		return 0, fmt.Errorf("%w: %q to %s", ErrUnexpectedReply, reply.Janus, f.Janus)
	}
	return reply.Data.ID, nil
}

// CreateRoom creates a two-publisher room and returns its id.
func (s *Session) CreateRoom(ctx context.Context) (uint64, error) {
	sessionID, handleID, err := s.publisher()
	if err != nil {
		return 0, err
	}

	roomID, err := randomRoomID()
	if err != nil {
		return 0, err
	}
	data, _, err := s.message(ctx, sessionID, handleID, videoroomRequest{
		Request:    "create",
		Room:       roomID,
		Publishers: 2,
		Permanent:  boolPtr(false),
		IsPrivate:  true,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("create room: %w", err)
	}
	if data.VideoRoom != "created" {
		return 0, fmt.Errorf("create room: %w: videoroom=%q", ErrUnexpectedReply, data.VideoRoom)
	}
	if data.Room != 0 {
		roomID = data.Room
	}
	s.log.Info("room created", zap.Uint64("room", roomID))
	return roomID, nil
}

// DestroyRoom destroys roomID. Only an explicit "destroyed" reply counts
// as success.
func (s *Session) DestroyRoom(ctx context.Context, roomID uint64) error {
	sessionID, handleID, err := s.publisher()
	if err != nil {
		return err
	}

	data, _, err := s.message(ctx, sessionID, handleID, videoroomRequest{Request: "destroy", Room: roomID}, nil)
	if err != nil {
		return fmt.Errorf("destroy room %d: %w", roomID, err)
	}
	if data.VideoRoom != "destroyed" {
		return fmt.Errorf("destroy room %d: %w: videoroom=%q", roomID, ErrUnexpectedReply, data.VideoRoom)
	}
	s.log.Info("room destroyed", zap.Uint64("room", roomID))
	return nil
}

// JoinAsPublisher joins roomID in the publisher role and returns the feed
// id peers subscribe to.
func (s *Session) JoinAsPublisher(ctx context.Context, roomID uint64, displayName string) (uint64, error) {
	sessionID, handleID, err := s.publisher()
	if err != nil {
		return 0, err
	}

	data, _, err := s.message(ctx, sessionID, handleID, videoroomRequest{
		Request: "join",
		PType:   "publisher",
		Room:    roomID,
		Display: displayName,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("join room %d as publisher: %w", roomID, err)
	}
	if data.VideoRoom != "joined" || data.ID == 0 {
		return 0, fmt.Errorf("join room %d as publisher: %w: videoroom=%q", roomID, ErrUnexpectedReply, data.VideoRoom)
	}

	s.mu.Lock()
	s.feedID = data.ID
	s.roomID = roomID
	s.inRoom = true
	s.mu.Unlock()
	return data.ID, nil
}

// Publish sends the browser's offer and returns the gateway's answer
// exactly as received.
func (s *Session) Publish(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	sessionID, handleID, err := s.publisher()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	data, jsep, err := s.message(ctx, sessionID, handleID, videoroomRequest{
		Request: "publish",
		Audio:   boolPtr(true),
		Video:   boolPtr(true),
	}, &offer)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("publish: %w", err)
	}
	if data.Configured != "ok" || jsep == nil || jsep.Type != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("publish: %w: no answer", ErrUnexpectedReply)
	}
	return *jsep, nil
}

// JoinAsSubscriber subscribes to feedID in roomID and returns the
// gateway's offer for the subscribing browser.
func (s *Session) JoinAsSubscriber(ctx context.Context, roomID, feedID uint64) (webrtc.SessionDescription, error) {
	sessionID, handleID, err := s.subscriber()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	data, jsep, err := s.message(ctx, sessionID, handleID, videoroomRequest{
		Request: "join",
		PType:   "subscriber",
		Room:    roomID,
		Feed:    feedID,
	}, nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("subscribe to feed %d: %w", feedID, err)
	}
	if data.VideoRoom != "attached" || jsep == nil || jsep.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("subscribe to feed %d: %w: videoroom=%q", feedID, ErrUnexpectedReply, data.VideoRoom)
	}
	return *jsep, nil
}

// SendAnswerForSubscriber completes the subscription handshake.
func (s *Session) SendAnswerForSubscriber(ctx context.Context, roomID uint64, answer webrtc.SessionDescription) error {
	sessionID, handleID, err := s.subscriber()
	if err != nil {
		return err
	}

	data, _, err := s.message(ctx, sessionID, handleID, videoroomRequest{Request: "start", Room: roomID}, &answer)
	if err != nil {
		return fmt.Errorf("start subscription: %w", err)
	}
	if data.Started != "ok" {
		return fmt.Errorf("start subscription: %w: started=%q", ErrUnexpectedReply, data.Started)
	}
	return nil
}

// Trickle forwards an ICE candidate to the handle named by target. A nil
// candidate signals the end of gathering. The gateway only acks trickles,
// so nothing waits for a reply.
func (s *Session) Trickle(target string, candidate *webrtc.ICECandidateInit) error {
	var (
		sessionID, handleID uint64
		err                 error
	)
	switch target {
	case domain.TargetPublisher:
		sessionID, handleID, err = s.publisher()
	case domain.TargetSubscriber:
		sessionID, handleID, err = s.subscriber()
	default:
		return fmt.Errorf("unknown trickle target %q", target)
	}
	if err != nil {
		return err
	}

	var raw json.RawMessage
	if candidate == nil {
		raw = json.RawMessage(`{"completed":true}`)
	} else if raw, err = json.Marshal(candidate); err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	return s.conn.Send(&gateway.Frame{
		Janus:       gateway.KindTrickle,
		Transaction: gateway.NewTransaction(),
		SessionID:   sessionID,
		HandleID:    handleID,
		Candidate:   raw,
	})
}

// LeaveRoom clears the current room after the room is gone.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID, s.inRoom, s.feedID = 0, false, 0
}

// Cleanup detaches both handles and destroys the session. Each step is
// attempted regardless of earlier failures; errors are only logged.
func (s *Session) Cleanup(ctx context.Context) {
	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	s.mu.Lock()
	sessionID, publisherID, subscriberID := s.sessionID, s.publisherID, s.subscriberID
	if s.stopKeepalive != nil {
		close(s.stopKeepalive)
		s.stopKeepalive = nil
	}
	s.reset()
	s.mu.Unlock()

	if sessionID == 0 {
		return
	}
	for _, handleID := range []uint64{publisherID, subscriberID} {
		if handleID == 0 {
			continue
		}
		if _, err := s.conn.Call(ctx, s.owner, &gateway.Frame{Janus: gateway.KindDetach, SessionID: sessionID, HandleID: handleID}); err != nil {
			s.log.Warn("detach handle", zap.Uint64("handle", handleID), zap.Error(err))
		}
	}
	if _, err := s.conn.Call(ctx, s.owner, &gateway.Frame{Janus: gateway.KindDestroy, SessionID: sessionID}); err != nil {
		s.log.Warn("destroy session", zap.Uint64("session", sessionID), zap.Error(err))
		return
	}
	s.log.Info("cleaned up", zap.Uint64("session", sessionID))
}

func (s *Session) keepaliveLoop(sessionID uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := s.conn.Send(&gateway.Frame{
				Janus:       gateway.KindKeepAlive,
				Transaction: gateway.NewTransaction(),
				SessionID:   sessionID,
			})
			if err != nil {
				s.log.Debug("keepalive", zap.Error(err))
			}
		}
	}
}

func (s *Session) publisher() (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == 0 || s.publisherID == 0 {
		return 0, 0, ErrNotReady
	}
	return s.sessionID, s.publisherID, nil
}

func (s *Session) subscriber() (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == 0 || s.subscriberID == 0 {
		return 0, 0, ErrNotReady
	}
	return s.sessionID, s.subscriberID, nil
}

// maxRoomID keeps ids exactly representable as JSON numbers in browsers.
const maxRoomID = 1 << 53

func randomRoomID() (uint64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxRoomID-1))
	if err != nil {
		return 0, fmt.Errorf("generate room id: %w", err)
	}
	return n.Uint64() + 1, nil
}

func boolPtr(b bool) *bool { return &b }
