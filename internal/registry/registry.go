// Package registry owns meeting rooms: their codes, timestamps and the set of
// connections currently joined to each. All mutation goes through Registry;
// persistence is delegated to a Store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/Wahee-aljabir/meet/internal/metrics"
	"github.com/Wahee-aljabir/meet/internal/roomcode"
)

const (
	DefaultIdleWindow        = time.Hour
	DefaultMaxLifetime       = 24 * time.Hour
	DefaultMaxCreateAttempts = 5
)

type Options struct {
	CodeLength        int
	MaxCreateAttempts int
	Expiry            ExpiryPolicy

	Now     func() time.Time
	NewCode func(length int) (string, error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Registry struct {
	store   Store
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(store Store, opts Options) *Registry {
	if opts.CodeLength == 0 {
		opts.CodeLength = roomcode.DefaultLength
	}
	if opts.MaxCreateAttempts <= 0 {
		opts.MaxCreateAttempts = DefaultMaxCreateAttempts
	}
	if opts.Expiry.IdleWindow <= 0 {
		opts.Expiry.IdleWindow = DefaultIdleWindow
	}
	if opts.Expiry.MaxLifetime <= 0 {
		opts.Expiry.MaxLifetime = DefaultMaxLifetime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewCode == nil {
		opts.NewCode = roomcode.Generate
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		opts:    opts,
		log:     logger,
		metrics: opts.Metrics,
	}
}

// Store exposes the backend for readiness checks and shutdown.
func (r *Registry) Store() Store { return r.store }

func (r *Registry) ExpiryPolicy() ExpiryPolicy { return r.opts.Expiry }

// CreateRoom inserts a room under a fresh code, retrying on collisions.
func (r *Registry) CreateRoom(ctx context.Context) (string, error) {
	for attempt := 0; attempt < r.opts.MaxCreateAttempts; attempt++ {
		code, err := r.opts.NewCode(r.opts.CodeLength)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		now := r.opts.Now()
		err = r.store.Insert(ctx, Room{Code: code, CreatedAt: now, LastActiveAt: now})
		if errors.Is(err, ErrCodeTaken) {
			r.metrics.Inc(metrics.EventCodeCollision)
			r.log.Debug("room code collision", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return "", storageErr("insert room", err)
		}
		r.metrics.Inc(metrics.EventRoomCreated)
		return code, nil
	}
	return "", ErrCodeCollisionExhausted
}

// RoomExists reports whether code names a live room and, if so, refreshes
// its activity clock.
func (r *Registry) RoomExists(ctx context.Context, code string) (bool, error) {
	if !roomcode.Valid(code) {
		return false, nil
	}
	err := r.store.Touch(ctx, code, r.opts.Now())
	if errors.Is(err, ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("touch room", err)
	}
	return true, nil
}

// JoinRoom adds connID to the room and returns the other participants in
// join order. Joining twice is a no-op.
func (r *Registry) JoinRoom(ctx context.Context, code, connID string) ([]string, error) {
	now := r.opts.Now()
	ps, err := r.store.AddParticipant(ctx, code, Participant{ConnID: connID, JoinedAt: now}, now)
	if err != nil {
		return nil, storageErr("add participant", err)
	}
	r.metrics.Inc(metrics.EventRoomJoined)
	return otherIDs(ps, connID), nil
}

// LeaveRoom removes connID and returns who is left. removed reports whether
// connID was actually a participant; a missing participant or a room that is
// already gone is not an error.
func (r *Registry) LeaveRoom(ctx context.Context, code, connID string) (remaining []string, removed bool, err error) {
	ps, removed, err := r.store.RemoveParticipant(ctx, code, connID)
	if errors.Is(err, ErrRoomNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("remove participant", err)
	}
	if removed {
		r.metrics.Inc(metrics.EventRoomLeft)
	}
	return otherIDs(ps, connID), removed, nil
}

// Participants returns the ids joined to the room in join order.
func (r *Registry) Participants(ctx context.Context, code string) ([]string, error) {
	ps, err := r.store.Participants(ctx, code)
	if err != nil {
		return nil, storageErr("list participants", err)
	}
	return lo.Map(ps, func(p Participant, _ int) string { return p.ConnID }), nil
}

// SweepExpired deletes every room expired at now and returns what was removed.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time) ([]DeletedRoom, error) {
	deleted, err := r.store.DeleteExpired(ctx, r.opts.Expiry, now)
	for _, d := range deleted {
		r.metrics.Inc(metrics.SweptEvent(string(d.Reason)))
	}
	if err != nil {
		return deleted, storageErr("delete expired rooms", err)
	}
	return deleted, nil
}

func otherIDs(ps []Participant, self string) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.ConnID != self {
			out = append(out, p.ConnID)
		}
	}
	return out
}

func storageErr(op string, err error) error {
	if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrCodeTaken) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
