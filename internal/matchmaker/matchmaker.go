// Package matchmaker pairs waiting participants oldest-first and hands each
// pair to the room coordinator.
package matchmaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"quickconnect/server/internal/domain"
	"quickconnect/server/internal/store"
)

var ErrAlreadyInRoom = errors.New("participant is already in a room")

// Queue is the part of the shared store the matchmaker uses.
type Queue interface {
	Enqueue(ctx context.Context, entry domain.QueueEntry) error
	Requeue(ctx context.Context, participantID string) error
	Restore(ctx context.Context, first, second string) error
	PopPair(ctx context.Context) (first, second string, ok bool, err error)
	Entry(ctx context.Context, participantID string) (domain.QueueEntry, error)
	RemoveEntry(ctx context.Context, participantID string) error
	Release(ctx context.Context, participantIDs ...string) error
}

// Rooms creates rooms for matched pairs and tears down departing
// participants.
type Rooms interface {
	CreateRoom(ctx context.Context, a, b domain.Member) error
	HandleUserDisconnected(ctx context.Context, participantID string)
}

// Matchmaker owns the matching loop. All draining happens on the goroutine
// running Run; callers only signal it.
type Matchmaker struct {
	queue    Queue
	registry domain.Registry
	rooms    Rooms
	log      *zap.Logger
	kick     chan struct{}
}

func New(queue Queue, registry domain.Registry, rooms Rooms, log *zap.Logger) *Matchmaker {
	return &Matchmaker{
		queue:    queue,
		registry: registry,
		rooms:    rooms,
		log:      log.Named("matchmaker"),
		kick:     make(chan struct{}, 1),
	}
}

// Run drains the queue every time it is signalled until ctx is done.
func (m *Matchmaker) Run(ctx context.Context) {
	m.log.Info("matching loop started")
	defer m.log.Info("matching loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
			m.drain(ctx)
		}
	}
}

// trigger schedules a drain. Signals arriving while one is pending or
// running coalesce into one further run.
func (m *Matchmaker) trigger() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// AddUser queues the participant behind ch, tells it to wait and triggers
// matching. A participant whose pair is being set up is left alone; one in
// a room gets ErrAlreadyInRoom.
func (m *Matchmaker) AddUser(ctx context.Context, ch domain.Channel, displayName string) error {
	entry := domain.QueueEntry{ParticipantID: ch.ID(), DisplayName: displayName}
	err := m.queue.Enqueue(ctx, entry)
	switch {
	case errors.Is(err, store.ErrInRoom):
		return ErrAlreadyInRoom
	case errors.Is(err, store.ErrPairing):
		m.log.Debug("join while being paired", zap.String("participant", ch.ID()))
		return nil
	case err != nil:
		return fmt.Errorf("add user: %w", err)
	}
	m.log.Info("participant queued", zap.String("participant", ch.ID()), zap.String("name", displayName))

	ch.Emit(domain.EventWaiting, struct{}{})
	m.trigger()
	return nil
}

// RemoveUser withdraws a departing participant from the queue and runs the
// coordinator's disconnect path, which also releases any room it was in.
func (m *Matchmaker) RemoveUser(ctx context.Context, participantID string) {
	if err := m.queue.RemoveEntry(ctx, participantID); err != nil {
		m.log.Error("remove participant", zap.String("participant", participantID), zap.Error(err))
	}
	m.rooms.HandleUserDisconnected(ctx, participantID)
}

// Requeue returns a participant to the tail of the queue, tells it to wait
// and triggers matching.
func (m *Matchmaker) Requeue(ctx context.Context, participantID string) error {
	if err := m.queue.Requeue(ctx, participantID); err != nil {
		return err
	}
	if ch, ok := m.registry.Lookup(participantID); ok {
		ch.Emit(domain.EventWaiting, struct{}{})
	}
	m.trigger()
	return nil
}

// drain pairs queued participants until fewer than two remain.
func (m *Matchmaker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		first, second, ok, err := m.queue.PopPair(ctx)
		if err != nil {
			m.log.Error("pop pair", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		if !m.match(ctx, first, second) {
			return
		}
	}
}

// match resolves and pairs one popped pair. It returns false when the loop
// must stop because the store failed.
func (m *Matchmaker) match(ctx context.Context, first, second string) bool {
	defer m.release(ctx, first, second)

	if first == second {
		m.requeue(ctx, first)
		return true
	}

	a, errA := m.queue.Entry(ctx, first)
	b, errB := m.queue.Entry(ctx, second)
	if storeFailed(errA) || storeFailed(errB) {
		m.log.Error("resolve queue records", zap.NamedError("first", errA), zap.NamedError("second", errB))
		if err := m.queue.Restore(ctx, first, second); err != nil {
			m.log.Error("restore pair", zap.Error(err))
		}
		return false
	}
	if errA != nil || errB != nil {
		// The record went away between push and pop. The cause is not
		// known, so any side that still has one goes back in line.
		for _, side := range []struct {
			id  string
			err error
		}{{first, errA}, {second, errB}} {
			if side.err != nil {
				m.log.Warn("stale queue record", zap.String("participant", side.id))
				continue
			}
			m.requeue(ctx, side.id)
		}
		return true
	}

	chA, okA := m.registry.Lookup(first)
	chB, okB := m.registry.Lookup(second)
	if !okA || !okB {
		for _, side := range []struct {
			id string
			ok bool
		}{{first, okA}, {second, okB}} {
			if !side.ok {
				// The record stays; the participant may be connected to
				// another instance.
				m.log.Warn("unreachable participant skipped", zap.String("participant", side.id))
				continue
			}
			m.requeue(ctx, side.id)
		}
		return true
	}

	m.log.Info("pair matched", zap.String("a", chA.ID()), zap.String("b", chB.ID()))
	err := m.rooms.CreateRoom(ctx,
		domain.Member{ParticipantID: a.ParticipantID, DisplayName: a.DisplayName},
		domain.Member{ParticipantID: b.ParticipantID, DisplayName: b.DisplayName})
	if err != nil {
		m.log.Error("create room", zap.String("a", first), zap.String("b", second), zap.Error(err))
	}
	return true
}

func (m *Matchmaker) requeue(ctx context.Context, participantID string) {
	if err := m.queue.Requeue(ctx, participantID); err != nil {
		m.log.Error("requeue", zap.String("participant", participantID), zap.Error(err))
	}
}

func (m *Matchmaker) release(ctx context.Context, ids ...string) {
	if err := m.queue.Release(ctx, ids...); err != nil {
		m.log.Error("release pair", zap.Strings("participants", ids), zap.Error(err))
	}
}

func storeFailed(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}
