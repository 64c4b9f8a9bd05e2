package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"quickconnect/server/internal/domain"
)

const (
	fieldMemberA = "a"
	fieldMemberB = "b"
)

// CreateRoom stores room and the reverse index of both members in one
// transaction.
func (s *Store) CreateRoom(ctx context.Context, room domain.Room) error {
	a, err := msgpack.Marshal(&room.A)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	b, err := msgpack.Marshal(&room.B)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}

	roomID := strconv.FormatUint(room.ID, 10)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.roomKey(room.ID), fieldMemberA, a, fieldMemberB, b)
		pipe.HSet(ctx, s.key(keyParticipantRoom),
			room.A.ParticipantID, roomID,
			room.B.ParticipantID, roomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create room %d: %w", room.ID, unavailable(err))
	}
	return nil
}

// Room loads the room stored under roomID.
func (s *Store) Room(ctx context.Context, roomID uint64) (*domain.Room, error) {
	fields, err := s.rdb.HGetAll(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get room %d: %w", roomID, unavailable(err))
	}
	rawA, okA := fields[fieldMemberA]
	rawB, okB := fields[fieldMemberB]
	if !okA || !okB {
		return nil, ErrNotFound
	}

	room := &domain.Room{ID: roomID}
	if err := msgpack.Unmarshal([]byte(rawA), &room.A); err != nil {
		return nil, fmt.Errorf("decode room %d: %w", roomID, err)
	}
	if err := msgpack.Unmarshal([]byte(rawB), &room.B); err != nil {
		return nil, fmt.Errorf("decode room %d: %w", roomID, err)
	}
	return room, nil
}

// RoomOf returns the id of the room participantID is in.
func (s *Store) RoomOf(ctx context.Context, participantID string) (uint64, error) {
	raw, err := s.rdb.HGet(ctx, s.key(keyParticipantRoom), participantID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("room of %s: %w", participantID, unavailable(err))
	}
	roomID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("room of %s: %w", participantID, err)
	}
	return roomID, nil
}

// RoomFor resolves the room participantID is in.
func (s *Store) RoomFor(ctx context.Context, participantID string) (*domain.Room, error) {
	roomID, err := s.RoomOf(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return s.Room(ctx, roomID)
}

// DeleteRoom deletes room and its reverse-index entries. Of concurrent
// callers exactly one gets true.
func (s *Store) DeleteRoom(ctx context.Context, room *domain.Room) (bool, error) {
	keys := []string{s.roomKey(room.ID), s.key(keyParticipantRoom)}
	args := []any{strconv.FormatUint(room.ID, 10), room.A.ParticipantID, room.B.ParticipantID}

	n, err := deleteRoom.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("delete room %d: %w", room.ID, unavailable(err))
	}
	return n == 1, nil
}

type sfuRecord struct {
	SessionID    uint64 `redis:"session"`
	PublisherID  uint64 `redis:"publisher"`
	SubscriberID uint64 `redis:"subscriber"`
	FeedID       uint64 `redis:"feed"`
}

// SaveSFU mirrors a participant's gateway identifiers.
func (s *Store) SaveSFU(ctx context.Context, participantID string, ids domain.SFUIdentifiers) error {
	rec := sfuRecord(ids)
	if err := s.rdb.HSet(ctx, s.key(keySFUPrefix+participantID), rec).Err(); err != nil {
		return fmt.Errorf("save sfu ids %s: %w", participantID, unavailable(err))
	}
	return nil
}

// SFU loads a participant's gateway identifiers.
func (s *Store) SFU(ctx context.Context, participantID string) (domain.SFUIdentifiers, error) {
	res := s.rdb.HGetAll(ctx, s.key(keySFUPrefix+participantID))
	fields, err := res.Result()
	if err != nil {
		return domain.SFUIdentifiers{}, fmt.Errorf("get sfu ids %s: %w", participantID, unavailable(err))
	}
	if len(fields) == 0 {
		return domain.SFUIdentifiers{}, ErrNotFound
	}
	var rec sfuRecord
	if err := res.Scan(&rec); err != nil {
		return domain.SFUIdentifiers{}, fmt.Errorf("decode sfu ids %s: %w", participantID, err)
	}
	return domain.SFUIdentifiers(rec), nil
}

// DeleteSFU removes a participant's gateway identifiers.
func (s *Store) DeleteSFU(ctx context.Context, participantID string) error {
	if err := s.rdb.Del(ctx, s.key(keySFUPrefix+participantID)).Err(); err != nil {
		return fmt.Errorf("delete sfu ids %s: %w", participantID, unavailable(err))
	}
	return nil
}
