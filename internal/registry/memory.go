package registry

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MemoryStore keeps rooms in process memory. The map lock only guards the
// set of rooms; each room carries its own lock so unrelated rooms never
// contend.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*memRoom
}

type memRoom struct {
	mu sync.Mutex
	// deleted is set under mu before the room leaves the map, so a caller
	// that fetched the pointer earlier sees the deletion once it gets the lock.
	deleted      bool
	createdAt    time.Time
	lastActiveAt time.Time
	participants map[string]time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memRoom)}
}

func (s *MemoryStore) Insert(_ context.Context, room Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.Code]; ok {
		return ErrCodeTaken
	}
	s.rooms[room.Code] = &memRoom{
		createdAt:    room.CreatedAt,
		lastActiveAt: room.LastActiveAt,
		participants: make(map[string]time.Time),
	}
	return nil
}

// lockRoom returns the room locked, or ErrRoomNotFound.
func (s *MemoryStore) lockRoom(code string) (*memRoom, error) {
	s.mu.RLock()
	r, ok := s.rooms[code]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	r.mu.Lock()
	if r.deleted {
		r.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	return r, nil
}

func (s *MemoryStore) Touch(_ context.Context, code string, now time.Time) error {
	r, err := s.lockRoom(code)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()
	r.lastActiveAt = now
	return nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, code string, p Participant, now time.Time) ([]Participant, error) {
	r, err := s.lockRoom(code)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()
	if _, ok := r.participants[p.ConnID]; !ok {
		r.participants[p.ConnID] = p.JoinedAt
	}
	r.lastActiveAt = now
	return r.snapshotLocked(), nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, code, connID string) ([]Participant, bool, error) {
	r, err := s.lockRoom(code)
	if err != nil {
		return nil, false, err
	}
	defer r.mu.Unlock()
	_, removed := r.participants[connID]
	delete(r.participants, connID)
	return r.snapshotLocked(), removed, nil
}

func (s *MemoryStore) Participants(_ context.Context, code string) ([]Participant, error) {
	r, err := s.lockRoom(code)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, policy ExpiryPolicy, now time.Time) ([]DeletedRoom, error) {
	s.mu.RLock()
	codes := lo.Keys(s.rooms)
	s.mu.RUnlock()

	var deleted []DeletedRoom
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		r, err := s.lockRoom(code)
		if err != nil {
			continue
		}
		reason, expired := policy.Check(r.createdAt, r.lastActiveAt, len(r.participants), now)
		if !expired {
			r.mu.Unlock()
			continue
		}
		r.deleted = true
		evicted := r.snapshotLocked()
		r.mu.Unlock()

		s.mu.Lock()
		if s.rooms[code] == r {
			delete(s.rooms, code)
		}
		s.mu.Unlock()

		deleted = append(deleted, DeletedRoom{Code: code, Reason: reason, Participants: evicted})
	}
	return deleted, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of live rooms.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (r *memRoom) snapshotLocked() []Participant {
	out := lo.MapToSlice(r.participants, func(id string, joinedAt time.Time) Participant {
		return Participant{ConnID: id, JoinedAt: joinedAt}
	})
	SortParticipants(out)
	return out
}
