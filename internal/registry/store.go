package registry

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrRoomNotFound is returned when a code does not name a live room.
	ErrRoomNotFound = errors.New("room not found")

	// ErrCodeTaken is returned by Store.Insert when the code is already in use.
	ErrCodeTaken = errors.New("room code already in use")

	// ErrCodeCollisionExhausted is returned by CreateRoom when every attempt
	// produced a code that was already taken.
	ErrCodeCollisionExhausted = errors.New("room code collision retries exhausted")

	// ErrStorageUnavailable wraps every backend failure that is not one of the
	// sentinels above.
	ErrStorageUnavailable = errors.New("room storage unavailable")
)

type Participant struct {
	ConnID   string
	JoinedAt time.Time
}

type Room struct {
	Code         string
	CreatedAt    time.Time
	LastActiveAt time.Time
	Participants []Participant
}

type ExpireReason string

const (
	ExpireIdle        ExpireReason = "idle"
	ExpireMaxLifetime ExpireReason = "max_lifetime"
)

// ExpiryPolicy decides whether a room may be reclaimed. Stores evaluate it
// inside the same atomic step that deletes the room.
type ExpiryPolicy struct {
	IdleWindow  time.Duration
	MaxLifetime time.Duration
	// EvictOccupied lets MaxLifetime reclaim rooms that still have
	// participants. The idle rule never touches occupied rooms.
	EvictOccupied bool
}

func (p ExpiryPolicy) Check(createdAt, lastActiveAt time.Time, occupants int, now time.Time) (ExpireReason, bool) {
	if p.MaxLifetime > 0 && now.Sub(createdAt) > p.MaxLifetime {
		if occupants == 0 || p.EvictOccupied {
			return ExpireMaxLifetime, true
		}
	}
	if occupants == 0 && p.IdleWindow > 0 && now.Sub(lastActiveAt) > p.IdleWindow {
		return ExpireIdle, true
	}
	return "", false
}

// DeletedRoom describes a room removed by Store.DeleteExpired.
type DeletedRoom struct {
	Code         string
	Reason       ExpireReason
	Participants []Participant
}

// Store is the persistence boundary of the registry. Every method touching a
// single room must be atomic with respect to the other methods on that room.
type Store interface {
	// Insert adds a new room. It returns ErrCodeTaken if the code exists.
	Insert(ctx context.Context, room Room) error

	// Touch sets lastActiveAt. It returns ErrRoomNotFound for unknown codes.
	Touch(ctx context.Context, code string, now time.Time) error

	// AddParticipant adds p if absent, refreshes lastActiveAt and returns the
	// full participant list ordered by join time.
	AddParticipant(ctx context.Context, code string, p Participant, now time.Time) ([]Participant, error)

	// RemoveParticipant removes connID if present and returns the remaining
	// participants. removed is false when connID was not a participant, which
	// is not an error.
	RemoveParticipant(ctx context.Context, code, connID string) (remaining []Participant, removed bool, err error)

	// Participants returns the current participants ordered by join time.
	Participants(ctx context.Context, code string) ([]Participant, error)

	// DeleteExpired removes every room the policy marks as expired at now,
	// re-checking occupancy in the same step as the delete.
	DeleteExpired(ctx context.Context, policy ExpiryPolicy, now time.Time) ([]DeletedRoom, error)

	Ping(ctx context.Context) error
	Close() error
}

// SortParticipants orders participants by join time, then connection id.
func SortParticipants(ps []Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ConnID < ps[j].ConnID
	})
}
