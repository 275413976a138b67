// Package redisstore keeps the room registry in Redis so several signaling
// processes can share one set of meeting codes.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Wahee-aljabir/meet/internal/registry"
)

const (
	DefaultKeyPrefix = "meet:"

	fieldCreatedAt    = "created_at"
	fieldLastActiveAt = "last_active_at"

	// maxWatchAttempts bounds how often a sweep retries one room whose keys
	// changed between WATCH and EXEC.
	maxWatchAttempts = 5
)

// KEYS[1] room hash, KEYS[2] room index.
// ARGV[1] code, ARGV[2] createdAt nanos, ARGV[3] lastActiveAt nanos, ARGV[4] createdAt seconds.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'created_at', ARGV[2], 'last_active_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// KEYS[1] room hash. ARGV[1] now nanos.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'last_active_at', ARGV[1])
return 1
`)

// KEYS[1] room hash, KEYS[2] participants hash.
// ARGV[1] connID, ARGV[2] joinedAt nanos, ARGV[3] now nanos.
var addParticipantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[1], 'last_active_at', ARGV[3])
return redis.call('HGETALL', KEYS[2])
`)

// KEYS[1] room hash, KEYS[2] participants hash. ARGV[1] connID.
// Replies {removed count, HGETALL of the remaining participants}.
var removeParticipantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
local removed = redis.call('HDEL', KEYS[2], ARGV[1])
return {removed, redis.call('HGETALL', KEYS[2])}
`)

// KEYS[1] room hash, KEYS[2] participants hash.
var participantsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('HGETALL', KEYS[2])
`)

type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ registry.Store = (*Store)(nil)

func New(client *redis.Client, keyPrefix string) *Store {
	if client == nil {
		panic("redisstore: nil client")
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) roomKey(code string) string {
	return fmt.Sprintf("%sroom:%s", s.keyPrefix, code)
}

func (s *Store) participantsKey(code string) string {
	return fmt.Sprintf("%sroom:%s:participants", s.keyPrefix, code)
}

func (s *Store) indexKey() string {
	return s.keyPrefix + "rooms"
}

func nanos(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }

func parseNanos(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

// parseParticipants decodes a flat HGETALL reply of connID, joinedAt pairs.
func parseParticipants(reply []interface{}) ([]registry.Participant, error) {
	if len(reply)%2 != 0 {
		return nil, fmt.Errorf("redis: odd participant reply length %d", len(reply))
	}
	out := make([]registry.Participant, 0, len(reply)/2)
	for i := 0; i < len(reply); i += 2 {
		connID, ok1 := reply[i].(string)
		raw, ok2 := reply[i+1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("redis: unexpected participant reply types %T, %T", reply[i], reply[i+1])
		}
		joined, err := parseNanos(raw)
		if err != nil {
			return nil, fmt.Errorf("redis: bad joinedAt %q for %s: %w", raw, connID, err)
		}
		out = append(out, registry.Participant{ConnID: connID, JoinedAt: joined})
	}
	registry.SortParticipants(out)
	return out, nil
}

func (s *Store) Insert(ctx context.Context, room registry.Room) error {
	created, err := insertScript.Run(ctx, s.client,
		[]string{s.roomKey(room.Code), s.indexKey()},
		room.Code, nanos(room.CreatedAt), nanos(room.LastActiveAt), room.CreatedAt.Unix(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to insert room %s: %w", room.Code, err)
	}
	if created == 0 {
		return registry.ErrCodeTaken
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, code string, now time.Time) error {
	ok, err := touchScript.Run(ctx, s.client, []string{s.roomKey(code)}, nanos(now)).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to touch room %s: %w", code, err)
	}
	if ok == 0 {
		return registry.ErrRoomNotFound
	}
	return nil
}

func (s *Store) runParticipants(ctx context.Context, op string, script *redis.Script, code string, args ...interface{}) ([]registry.Participant, error) {
	reply, err := script.Run(ctx, s.client, []string{s.roomKey(code), s.participantsKey(code)}, args...).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, registry.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: failed to %s for room %s: %w", op, code, err)
	}
	return parseParticipants(reply)
}

func (s *Store) AddParticipant(ctx context.Context, code string, p registry.Participant, now time.Time) ([]registry.Participant, error) {
	return s.runParticipants(ctx, "add participant", addParticipantScript, code, p.ConnID, nanos(p.JoinedAt), nanos(now))
}

func (s *Store) RemoveParticipant(ctx context.Context, code, connID string) ([]registry.Participant, bool, error) {
	reply, err := removeParticipantScript.Run(ctx, s.client, []string{s.roomKey(code), s.participantsKey(code)}, connID).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, false, registry.ErrRoomNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: failed to remove participant for room %s: %w", code, err)
	}
	if len(reply) != 2 {
		return nil, false, fmt.Errorf("redis: unexpected remove reply length %d", len(reply))
	}
	removed, ok1 := reply[0].(int64)
	rest, ok2 := reply[1].([]interface{})
	if !ok1 || !ok2 {
		return nil, false, fmt.Errorf("redis: unexpected remove reply types %T, %T", reply[0], reply[1])
	}
	ps, err := parseParticipants(rest)
	if err != nil {
		return nil, false, err
	}
	return ps, removed > 0, nil
}

func (s *Store) Participants(ctx context.Context, code string) ([]registry.Participant, error) {
	return s.runParticipants(ctx, "list participants", participantsScript, code)
}

func (s *Store) DeleteExpired(ctx context.Context, policy registry.ExpiryPolicy, now time.Time) ([]registry.DeletedRoom, error) {
	codes, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list rooms: %w", err)
	}

	var deleted []registry.DeletedRoom
	for _, code := range codes {
		d, err := s.deleteIfExpired(ctx, code, policy, now)
		if err != nil {
			return deleted, err
		}
		if d != nil {
			deleted = append(deleted, *d)
		}
	}
	return deleted, nil
}

// deleteIfExpired re-reads one room under WATCH and deletes it only if no
// join or touch changed it before EXEC.
func (s *Store) deleteIfExpired(ctx context.Context, code string, policy registry.ExpiryPolicy, now time.Time) (*registry.DeletedRoom, error) {
	roomKey, partsKey := s.roomKey(code), s.participantsKey(code)

	var result *registry.DeletedRoom
	txf := func(tx *redis.Tx) error {
		result = nil
		fields, err := tx.HMGet(ctx, roomKey, fieldCreatedAt, fieldLastActiveAt).Result()
		if err != nil {
			return err
		}
		if fields[0] == nil || fields[1] == nil {
			// Index entry without a room: drop the dangling member.
			return tx.ZRem(ctx, s.indexKey(), code).Err()
		}
		created, err := parseNanos(fields[0].(string))
		if err != nil {
			return fmt.Errorf("bad %s: %w", fieldCreatedAt, err)
		}
		last, err := parseNanos(fields[1].(string))
		if err != nil {
			return fmt.Errorf("bad %s: %w", fieldLastActiveAt, err)
		}
		raw, err := tx.HGetAll(ctx, partsKey).Result()
		if err != nil {
			return err
		}
		ps := make([]registry.Participant, 0, len(raw))
		for connID, v := range raw {
			joined, err := parseNanos(v)
			if err != nil {
				return fmt.Errorf("bad joinedAt for %s: %w", connID, err)
			}
			ps = append(ps, registry.Participant{ConnID: connID, JoinedAt: joined})
		}
		registry.SortParticipants(ps)

		reason, expired := policy.Check(created, last, len(ps), now)
		if !expired {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, roomKey, partsKey)
			pipe.ZRem(ctx, s.indexKey(), code)
			return nil
		})
		if err != nil {
			return err
		}
		result = &registry.DeletedRoom{Code: code, Reason: reason, Participants: ps}
		return nil
	}

	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, roomKey, partsKey)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("redis: failed to sweep room %s: %w", code, err)
		}
	}
	// Still contended after retries; the next sweep gets another look.
	return nil, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
