// Package room turns matched pairs into gateway rooms and relays signaling
// between the two members until one of them leaves.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quickconnect/server/internal/domain"
	"quickconnect/server/internal/sfu"
	"quickconnect/server/internal/store"
)

// Store is the part of the shared store the coordinator uses.
type Store interface {
	CreateRoom(ctx context.Context, room domain.Room) error
	RoomFor(ctx context.Context, participantID string) (*domain.Room, error)
	DeleteRoom(ctx context.Context, room *domain.Room) (bool, error)
	SaveSFU(ctx context.Context, participantID string, ids domain.SFUIdentifiers) error
	DeleteSFU(ctx context.Context, participantID string) error
}

// Queue returns participants to matching after their room ends.
type Queue interface {
	Requeue(ctx context.Context, participantID string) error
}

// Coordinator owns the SFU sessions of participants connected to this
// process and the lifecycle of their rooms.
type Coordinator struct {
	store      Store
	registry   domain.Registry
	conn       sfu.Caller
	log        *zap.Logger
	iceServers []webrtc.ICEServer
	sfuOpts    []sfu.Option
	queue      Queue

	mu       sync.Mutex
	sessions map[string]*sfu.Session
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithICEServers sets the ICE servers advertised in start-publishing.
func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(c *Coordinator) { c.iceServers = servers }
}

// WithSessionOptions applies opts to every SFU session created.
func WithSessionOptions(opts ...sfu.Option) Option {
	return func(c *Coordinator) { c.sfuOpts = append(c.sfuOpts, opts...) }
}

// New creates a Coordinator. Call SetQueue before use; the queue in turn
// depends on the coordinator.
func New(st Store, registry domain.Registry, conn sfu.Caller, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		registry: registry,
		conn:     conn,
		log:      log.Named("room"),
		sessions: make(map[string]*sfu.Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetQueue injects the queue rooms return participants to.
func (c *Coordinator) SetQueue(q Queue) {
	c.queue = q
}

// CreateRoom allocates both members' SFU sessions, creates a gateway room
// through a's session, persists it and tells both browsers to publish.
// Sessions are released again when setup fails. A member that disconnects
// during setup gets its room torn down as if it had left afterwards.
func (c *Coordinator) CreateRoom(ctx context.Context, a, b domain.Member) error {
	sessA := c.session(a.ParticipantID)
	sessB := c.session(b.ParticipantID)
	members := []setupMember{{a.ParticipantID, sessA}, {b.ParticipantID, sessB}}

	var g errgroup.Group
	for _, s := range []*sfu.Session{sessA, sessB} {
		g.Go(func() error { return s.Allocate(ctx) })
	}
	if err := g.Wait(); err != nil {
		err = fmt.Errorf("allocate sfu sessions: %w", err)
		c.abandonSetup(ctx, err, members)
		return err
	}

	roomID, err := sessA.CreateRoom(ctx)
	if err != nil {
		c.abandonSetup(ctx, err, members)
		return err
	}

	room := domain.Room{ID: roomID, A: a, B: b}
	if err := c.store.CreateRoom(ctx, room); err != nil {
		c.destroyRoom(ctx, sessA, roomID)
		c.abandonSetup(ctx, err, members)
		return err
	}

	if c.departed(members) {
		c.closeForSetupDeparture(ctx, &room, members)
		return nil
	}
	c.saveSFU(ctx, a.ParticipantID, sessA)
	c.saveSFU(ctx, b.ParticipantID, sessB)

	c.log.Info("room opened",
		zap.Uint64("room", roomID),
		zap.String("a", a.ParticipantID),
		zap.String("b", b.ParticipantID))

	c.emit(a.ParticipantID, domain.EventStartPublishing, domain.StartPublishingPayload{
		RoomID:     roomID,
		PeerName:   b.DisplayName,
		ICEServers: c.iceServers,
	})
	c.emit(b.ParticipantID, domain.EventStartPublishing, domain.StartPublishingPayload{
		RoomID:     roomID,
		PeerName:   a.DisplayName,
		ICEServers: c.iceServers,
	})
	return nil
}

type setupMember struct {
	id   string
	sess *sfu.Session
}

// gone reports whether the member disconnected while its room was being
// set up: its channel is closed or its session was taken by the disconnect
// path.
func (c *Coordinator) gone(m setupMember) bool {
	if c.existing(m.id) != m.sess {
		return true
	}
	_, ok := c.registry.Lookup(m.id)
	return !ok
}

func (c *Coordinator) departed(members []setupMember) bool {
	for _, m := range members {
		if c.gone(m) {
			return true
		}
	}
	return false
}

// closeForSetupDeparture removes a just persisted room one of whose members
// already disconnected. A disconnect path that saw the room first wins the
// delete and does the notifying instead.
func (c *Coordinator) closeForSetupDeparture(ctx context.Context, room *domain.Room, members []setupMember) {
	won, err := c.store.DeleteRoom(ctx, room)
	if err != nil {
		c.log.Error("delete room", zap.Uint64("room", room.ID), zap.Error(err))
	}
	if won {
		for _, m := range members {
			if m.sess.State() == sfu.StateReady {
				c.destroyRoom(ctx, m.sess, room.ID)
				break
			}
		}
	}

	for _, m := range members {
		if c.gone(m) {
			c.log.Info("participant left during room setup", zap.Uint64("room", room.ID), zap.String("participant", m.id))
			c.release(ctx, m)
			if err := c.store.DeleteSFU(ctx, m.id); err != nil {
				c.log.Warn("delete sfu ids", zap.String("participant", m.id), zap.Error(err))
			}
			continue
		}
		if won && c.emit(m.id, domain.EventPeerDisconnected, domain.RoomPayload{RoomID: room.ID}) {
			c.requeue(ctx, m.id)
		}
	}
}

// abandonSetup reports err to both members and releases their sessions.
func (c *Coordinator) abandonSetup(ctx context.Context, err error, members []setupMember) {
	for _, m := range members {
		c.notifyError(err, m.id)
		c.release(ctx, m)
	}
}

// release cleans up a session used for a room that did not come about. The
// session of a member that has gone is dropped from the map as well.
func (c *Coordinator) release(ctx context.Context, m setupMember) {
	if _, ok := c.registry.Lookup(m.id); !ok {
		c.mu.Lock()
		if c.sessions[m.id] == m.sess {
			delete(c.sessions, m.id)
		}
		c.mu.Unlock()
	}
	m.sess.Cleanup(ctx)
}

// HandleUserPublish joins the participant behind ch as publisher, relays
// the gateway's answer to it and starts the peer's subscription to the new
// feed.
func (c *Coordinator) HandleUserPublish(ctx context.Context, ch domain.Channel, p domain.SDPPayload) error {
	if p.SDP.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: publish needs an offer, got %s", ErrBadDescription, p.SDP.Type)
	}
	room, sess, err := c.resolve(ctx, ch.ID(), p.RoomID)
	if err != nil {
		return err
	}

	self, _ := room.Member(ch.ID())
	feedID, err := sess.JoinAsPublisher(ctx, room.ID, self.DisplayName)
	if err != nil {
		return err
	}
	answer, err := sess.Publish(ctx, p.SDP)
	if err != nil {
		return err
	}
	c.saveSFU(ctx, ch.ID(), sess)
	ch.Emit(domain.EventSDPAnswer, domain.SDPPayload{RoomID: room.ID, SDP: answer})

	peer, _ := room.Other(ch.ID())
	if err := c.HandleUserSubscribe(ctx, peer.ParticipantID, room.ID, feedID); err != nil {
		c.log.Warn("subscribe peer", zap.String("participant", peer.ParticipantID), zap.Uint64("feed", feedID), zap.Error(err))
		c.notifyError(err, peer.ParticipantID)
	}
	return nil
}

// HandleUserSubscribe subscribes subscriberID to feedID and relays the
// gateway's offer to its browser.
func (c *Coordinator) HandleUserSubscribe(ctx context.Context, subscriberID string, roomID, feedID uint64) error {
	ch, ok := c.registry.Lookup(subscriberID)
	if !ok {
		return fmt.Errorf("subscriber %s: %w", subscriberID, ErrUnreachable)
	}
	sess := c.existing(subscriberID)
	if sess == nil {
		return sfu.ErrNotReady
	}

	offer, err := sess.JoinAsSubscriber(ctx, roomID, feedID)
	if err != nil {
		return err
	}
	ch.Emit(domain.EventSDPOffer, domain.SubscribeOfferPayload{RoomID: roomID, FeedID: feedID, SDP: offer})
	return nil
}

// HandleSubscribeAnswer completes the subscription of the participant
// behind ch with its browser's answer.
func (c *Coordinator) HandleSubscribeAnswer(ctx context.Context, ch domain.Channel, p domain.SDPPayload) error {
	if p.SDP.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: subscribe needs an answer, got %s", ErrBadDescription, p.SDP.Type)
	}
	room, sess, err := c.resolve(ctx, ch.ID(), p.RoomID)
	if err != nil {
		return err
	}
	return sess.SendAnswerForSubscriber(ctx, room.ID, p.SDP)
}

// HandleICECandidate trickles a browser candidate to the participant's own
// publisher or subscriber handle.
func (c *Coordinator) HandleICECandidate(ctx context.Context, ch domain.Channel, p domain.ICECandidatePayload) error {
	if p.Target != domain.TargetPublisher && p.Target != domain.TargetSubscriber {
		return fmt.Errorf("%w: trickle target %q", ErrBadDescription, p.Target)
	}
	_, sess, err := c.resolve(ctx, ch.ID(), p.RoomID)
	if err != nil {
		return err
	}
	return sess.Trickle(p.Target, p.Candidate)
}

// HandleRoomLeft ends the room of participantID, notifies the peer once
// and returns both members to the tail of the queue, the leaver last.
func (c *Coordinator) HandleRoomLeft(ctx context.Context, participantID string) error {
	room, err := c.store.RoomFor(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotInRoom
	}
	if err != nil {
		return err
	}

	won, err := c.store.DeleteRoom(ctx, room)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if sess := c.existing(participantID); sess != nil {
		c.destroyRoom(ctx, sess, room.ID)
		sess.LeaveRoom()
	}
	peer, _ := room.Other(participantID)
	if sess := c.existing(peer.ParticipantID); sess != nil {
		sess.LeaveRoom()
	}

	c.log.Info("room left", zap.Uint64("room", room.ID), zap.String("participant", participantID))
	if c.emit(peer.ParticipantID, domain.EventPeerLeft, domain.RoomPayload{RoomID: room.ID}) {
		c.requeue(ctx, peer.ParticipantID)
	}
	c.requeue(ctx, participantID)
	return nil
}

// HandleUserDisconnected releases everything participantID held: its room,
// if any, and its SFU session. The room is destroyed through the peer's
// session since the departing one is torn down wholesale.
func (c *Coordinator) HandleUserDisconnected(ctx context.Context, participantID string) {
	sess := c.take(participantID)

	room, err := c.store.RoomFor(ctx, participantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		c.log.Error("resolve room of departing participant", zap.String("participant", participantID), zap.Error(err))
	default:
		c.closeForDisconnect(ctx, room, participantID)
	}

	if sess != nil {
		sess.Cleanup(ctx)
	}
	if err := c.store.DeleteSFU(ctx, participantID); err != nil {
		c.log.Warn("delete sfu ids", zap.String("participant", participantID), zap.Error(err))
	}
}

func (c *Coordinator) closeForDisconnect(ctx context.Context, room *domain.Room, participantID string) {
	won, err := c.store.DeleteRoom(ctx, room)
	if err != nil {
		c.log.Error("delete room", zap.Uint64("room", room.ID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	peer, _ := room.Other(participantID)
	if sess := c.existing(peer.ParticipantID); sess != nil {
		c.destroyRoom(ctx, sess, room.ID)
		sess.LeaveRoom()
	}

	c.log.Info("room closed by disconnect", zap.Uint64("room", room.ID), zap.String("participant", participantID))
	if c.emit(peer.ParticipantID, domain.EventPeerDisconnected, domain.RoomPayload{RoomID: room.ID}) {
		c.requeue(ctx, peer.ParticipantID)
	}
}

// Sessions returns the number of SFU sessions held by this process.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// resolve checks that participantID is in roomID and returns its session.
func (c *Coordinator) resolve(ctx context.Context, participantID string, roomID uint64) (*domain.Room, *sfu.Session, error) {
	room, err := c.store.RoomFor(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotInRoom
	}
	if err != nil {
		return nil, nil, err
	}
	if roomID != 0 && room.ID != roomID {
		return nil, nil, fmt.Errorf("%w: room %d", ErrNotInRoom, roomID)
	}
	sess := c.existing(participantID)
	if sess == nil {
		return nil, nil, sfu.ErrNotReady
	}
	return room, sess, nil
}

func (c *Coordinator) destroyRoom(ctx context.Context, sess *sfu.Session, roomID uint64) {
	if err := sess.DestroyRoom(ctx, roomID); err != nil {
		c.log.Warn("destroy gateway room", zap.Uint64("room", roomID), zap.Error(err))
	}
}

func (c *Coordinator) session(participantID string) *sfu.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[participantID]
	if !ok {
		sess = sfu.New(c.conn, participantID, c.log, c.sfuOpts...)
		c.sessions[participantID] = sess
	}
	return sess
}

func (c *Coordinator) existing(participantID string) *sfu.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[participantID]
}

func (c *Coordinator) take(participantID string) *sfu.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sessions[participantID]
	delete(c.sessions, participantID)
	return sess
}

func (c *Coordinator) saveSFU(ctx context.Context, participantID string, sess *sfu.Session) {
	if err := c.store.SaveSFU(ctx, participantID, sess.Identifiers()); err != nil {
		c.log.Warn("save sfu ids", zap.String("participant", participantID), zap.Error(err))
	}
}

func (c *Coordinator) requeue(ctx context.Context, participantID string) {
	if c.queue == nil {
		return
	}
	if err := c.queue.Requeue(ctx, participantID); err != nil {
		c.log.Error("requeue", zap.String("participant", participantID), zap.Error(err))
	}
}

// emit sends an event to participantID if it is connected here.
func (c *Coordinator) emit(participantID, event string, payload any) bool {
	ch, ok := c.registry.Lookup(participantID)
	if !ok {
		c.log.Debug("participant unreachable", zap.String("participant", participantID), zap.String("event", event))
		return false
	}
	return ch.Emit(event, payload)
}

func (c *Coordinator) notifyError(err error, participantIDs ...string) {
	payload := domain.ErrorPayload{Kind: ErrorKind(err), Message: err.Error()}
	for _, id := range participantIDs {
		c.emit(id, domain.EventError, payload)
	}
}
