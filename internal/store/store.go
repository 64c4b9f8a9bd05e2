// Package store keeps the state shared between server processes in Redis:
// the waiting queue, queue entries, rooms and per-participant gateway ids.
// Every mutation is a single atomic command, MULTI block or script.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"quickconnect/server/internal/domain"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("store unavailable")
	ErrInRoom      = errors.New("participant is in a room")
	ErrPairing     = errors.New("participant is being paired")
)

// PairingTimeout bounds how long a popped pair blocks its members from
// joining the queue again. It covers a room setup in which every gateway
// call runs into its deadline.
const PairingTimeout = 5 * time.Minute

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

const (
	keyQueue           = "queue"
	keyUsers           = "users"
	keyParticipantRoom = "participant-room"
	keyPairing         = "pairing"
	keyRoomPrefix      = "room:"
	keySFUPrefix       = "sfu:"
)

// enqueue records and appends an id unless it is in a room or inside an
// unexpired pairing window. It returns 0 when queued, 1 when in a room and
// 2 when being paired.
var enqueue = redis.NewScript(`
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
	return 1
end
local deadline = redis.call('HGET', KEYS[4], ARGV[1])
if deadline then
	if tonumber(deadline) > tonumber(ARGV[3]) then
		return 2
	end
	redis.call('HDEL', KEYS[4], ARGV[1])
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('RPUSH', KEYS[1], ARGV[1])
return 0
`)

// popPair removes the two oldest ids only when both exist and marks them
// as being paired until ARGV[1].
var popPair = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) < 2 then
	return {}
end
local a = redis.call('LPOP', KEYS[1])
local b = redis.call('LPOP', KEYS[1])
redis.call('HSET', KEYS[2], a, ARGV[1], b, ARGV[1])
return {a, b}
`)

// deleteRoom deletes a room and the reverse-index entries that still point
// at it. It returns 1 only for the caller that actually deleted the room.
var deleteRoom = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
	return 0
end
for i = 2, #ARGV do
	if redis.call('HGET', KEYS[2], ARGV[i]) == ARGV[1] then
		redis.call('HDEL', KEYS[2], ARGV[i])
	end
end
return 1
`)

// Store is the Redis-backed shared state.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// New wraps rdb. Every key is namespaced with prefix.
func New(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) roomKey(roomID uint64) string {
	return s.key(keyRoomPrefix + strconv.FormatUint(roomID, 10))
}

// Ping checks that the store answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping store: %w", unavailable(err))
	}
	return nil
}

// Enqueue records entry and appends its id to the tail of the queue. An id
// already queued is moved to the tail rather than duplicated. It fails with
// ErrInRoom or ErrPairing, queueing nothing, when the participant is in a
// room or was popped for pairing and the pair is not released yet.
func (s *Store) Enqueue(ctx context.Context, entry domain.QueueEntry) error {
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	keys := []string{s.key(keyQueue), s.key(keyUsers), s.key(keyParticipantRoom), s.key(keyPairing)}
	res, err := enqueue.Run(ctx, s.rdb, keys, entry.ParticipantID, data, s.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", entry.ParticipantID, unavailable(err))
	}
	switch res {
	case 1:
		return ErrInRoom
	case 2:
		return ErrPairing
	}
	return nil
}

// Requeue appends participantID to the tail of the queue without touching
// its record.
func (s *Store) Requeue(ctx context.Context, participantID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.key(keyQueue), 0, participantID)
		pipe.RPush(ctx, s.key(keyQueue), participantID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", participantID, unavailable(err))
	}
	return nil
}

// PopPair removes and returns the two oldest queued ids. ok is false, and
// nothing is removed, when fewer than two are queued. Both ids stay marked
// as being paired until Release or PairingTimeout.
func (s *Store) PopPair(ctx context.Context) (first, second string, ok bool, err error) {
	deadline := s.now().Add(PairingTimeout).UnixMilli()
	res, err := popPair.Run(ctx, s.rdb, []string{s.key(keyQueue), s.key(keyPairing)}, deadline).StringSlice()
	if err != nil {
		return "", "", false, fmt.Errorf("pop pair: %w", unavailable(err))
	}
	if len(res) < 2 {
		return "", "", false, nil
	}
	return res[0], res[1], true, nil
}

// Restore puts a popped pair back at the head of the queue in its
// original order.
func (s *Store) Restore(ctx context.Context, first, second string) error {
	if err := s.rdb.LPush(ctx, s.key(keyQueue), second, first).Err(); err != nil {
		return fmt.Errorf("restore %s, %s: %w", first, second, unavailable(err))
	}
	return nil
}

// Release ends the pairing window of the given ids.
func (s *Store) Release(ctx context.Context, participantIDs ...string) error {
	if err := s.rdb.HDel(ctx, s.key(keyPairing), participantIDs...).Err(); err != nil {
		return fmt.Errorf("release %v: %w", participantIDs, unavailable(err))
	}
	return nil
}

// QueueLen returns the number of queued ids.
func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.key(keyQueue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", unavailable(err))
	}
	return n, nil
}

// Queued returns the queued ids, oldest first.
func (s *Store) Queued(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, s.key(keyQueue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", unavailable(err))
	}
	return ids, nil
}

// Entry returns the queue entry recorded for participantID.
func (s *Store) Entry(ctx context.Context, participantID string) (domain.QueueEntry, error) {
	var entry domain.QueueEntry
	data, err := s.rdb.HGet(ctx, s.key(keyUsers), participantID).Bytes()
	if errors.Is(err, redis.Nil) {
		return entry, ErrNotFound
	}
	if err != nil {
		return entry, fmt.Errorf("get queue entry %s: %w", participantID, unavailable(err))
	}
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("decode queue entry %s: %w", participantID, err)
	}
	return entry, nil
}

// RemoveEntry withdraws participantID from the queue and deletes its record.
func (s *Store) RemoveEntry(ctx context.Context, participantID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, s.key(keyQueue), 0, participantID)
		pipe.HDel(ctx, s.key(keyUsers), participantID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", participantID, unavailable(err))
	}
	return nil
}
