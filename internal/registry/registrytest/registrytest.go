// Package registrytest holds the behavioral suite every registry.Store
// implementation must pass.
package registrytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/Wahee-aljabir/meet/internal/registry"
)

// Base is the reference instant the suite builds its timelines from.
var Base = time.Unix(1_700_000_000, 0).UTC()

var policy = registry.ExpiryPolicy{
	IdleWindow:    time.Hour,
	MaxLifetime:   24 * time.Hour,
	EvictOccupied: true,
}

func ids(ps []registry.Participant) []string {
	return lo.Map(ps, func(p registry.Participant, _ int) string { return p.ConnID })
}

func insert(t *testing.T, s registry.Store, code string, at time.Time) {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), registry.Room{Code: code, CreatedAt: at, LastActiveAt: at}))
}

func join(t *testing.T, s registry.Store, code, conn string, at time.Time) []registry.Participant {
	t.Helper()
	ps, err := s.AddParticipant(context.Background(), code, registry.Participant{ConnID: conn, JoinedAt: at}, at)
	require.NoError(t, err)
	return ps
}

// RunStoreTests runs the suite against stores built by newStore. Each subtest
// gets a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) registry.Store) {
	ctx := context.Background()

	t.Run("insert rejects duplicate code", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "AB12cd34", Base)
		err := s.Insert(ctx, registry.Room{Code: "AB12cd34", CreatedAt: Base, LastActiveAt: Base})
		require.ErrorIs(t, err, registry.ErrCodeTaken)
	})

	t.Run("unknown room", func(t *testing.T) {
		s := newStore(t)
		require.ErrorIs(t, s.Touch(ctx, "zzzzzzzz", Base), registry.ErrRoomNotFound)
		_, err := s.AddParticipant(ctx, "zzzzzzzz", registry.Participant{ConnID: "a", JoinedAt: Base}, Base)
		require.ErrorIs(t, err, registry.ErrRoomNotFound)
		_, _, err = s.RemoveParticipant(ctx, "zzzzzzzz", "a")
		require.ErrorIs(t, err, registry.ErrRoomNotFound)
		_, err = s.Participants(ctx, "zzzzzzzz")
		require.ErrorIs(t, err, registry.ErrRoomNotFound)
	})

	t.Run("join is idempotent and ordered", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "room1", Base)
		join(t, s, "room1", "conn-1", Base.Add(time.Second))
		join(t, s, "room1", "conn-2", Base.Add(2*time.Second))
		ps := join(t, s, "room1", "conn-1", Base.Add(3*time.Second))
		require.Equal(t, []string{"conn-1", "conn-2"}, ids(ps))

		ps, err := s.Participants(ctx, "room1")
		require.NoError(t, err)
		require.Equal(t, []string{"conn-1", "conn-2"}, ids(ps))
		require.True(t, ps[0].JoinedAt.Equal(Base.Add(time.Second)), "rejoin must keep the original join time")
	})

	t.Run("leave removes only the caller", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "room1", Base)
		join(t, s, "room1", "a", Base)
		join(t, s, "room1", "b", Base.Add(time.Second))

		left, removed, err := s.RemoveParticipant(ctx, "room1", "a")
		require.NoError(t, err)
		require.True(t, removed)
		require.Equal(t, []string{"b"}, ids(left))

		left, removed, err = s.RemoveParticipant(ctx, "room1", "a")
		require.NoError(t, err, "removing an absent participant is not an error")
		require.False(t, removed)
		require.Equal(t, []string{"b"}, ids(left))

		ps := join(t, s, "room1", "c", Base.Add(2*time.Second))
		require.Equal(t, []string{"b", "c"}, ids(ps))
	})

	t.Run("idle rule skips occupied rooms", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "empty", Base)
		insert(t, s, "busy", Base)
		join(t, s, "busy", "a", Base)

		now := Base.Add(2 * time.Hour)
		deleted, err := s.DeleteExpired(ctx, policy, now)
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		require.Equal(t, "empty", deleted[0].Code)
		require.Equal(t, registry.ExpireIdle, deleted[0].Reason)
		require.Empty(t, deleted[0].Participants)

		_, err = s.Participants(ctx, "busy")
		require.NoError(t, err)
		_, err = s.Participants(ctx, "empty")
		require.ErrorIs(t, err, registry.ErrRoomNotFound)
	})

	t.Run("recently active empty room survives", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "fresh", Base)
		require.NoError(t, s.Touch(ctx, "fresh", Base.Add(90*time.Minute)))

		deleted, err := s.DeleteExpired(ctx, policy, Base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Empty(t, deleted)
	})

	t.Run("max lifetime evicts occupied rooms when allowed", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "ancient", Base)
		join(t, s, "ancient", "a", Base.Add(23*time.Hour))

		now := Base.Add(25 * time.Hour)
		exempt := policy
		exempt.EvictOccupied = false
		deleted, err := s.DeleteExpired(ctx, exempt, now)
		require.NoError(t, err)
		require.Empty(t, deleted)

		deleted, err = s.DeleteExpired(ctx, policy, now)
		require.NoError(t, err)
		require.Len(t, deleted, 1)
		require.Equal(t, registry.ExpireMaxLifetime, deleted[0].Reason)
		require.Equal(t, []string{"a"}, ids(deleted[0].Participants))
	})

	t.Run("deleted room rejects joins", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "gone", Base)
		_, err := s.DeleteExpired(ctx, policy, Base.Add(2*time.Hour))
		require.NoError(t, err)
		_, err = s.AddParticipant(ctx, "gone", registry.Participant{ConnID: "late", JoinedAt: Base}, Base)
		require.ErrorIs(t, err, registry.ErrRoomNotFound)
	})

	t.Run("concurrent joins are not lost", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "party", Base)

		const n = 32
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				at := Base.Add(time.Duration(i) * time.Millisecond)
				_, err := s.AddParticipant(ctx, "party", registry.Participant{ConnID: fmt.Sprintf("c%02d", i), JoinedAt: at}, at)
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		ps, err := s.Participants(ctx, "party")
		require.NoError(t, err)
		require.Len(t, ps, n)
	})

	t.Run("concurrent join and sweep never strand a participant", func(t *testing.T) {
		s := newStore(t)
		insert(t, s, "race", Base)
		now := Base.Add(2 * time.Hour)

		var wg sync.WaitGroup
		var joinErr error
		var deleted []registry.DeletedRoom
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, joinErr = s.AddParticipant(ctx, "race", registry.Participant{ConnID: "x", JoinedAt: now}, now)
		}()
		go func() {
			defer wg.Done()
			deleted, _ = s.DeleteExpired(ctx, policy, now)
		}()
		wg.Wait()

		ps, err := s.Participants(ctx, "race")
		if joinErr != nil {
			// Sweep won: the join must have observed the deletion.
			require.ErrorIs(t, joinErr, registry.ErrRoomNotFound)
			require.ErrorIs(t, err, registry.ErrRoomNotFound)
			require.Len(t, deleted, 1)
			return
		}
		// Join won: the refreshed room is no longer idle and must survive.
		require.NoError(t, err)
		require.Empty(t, deleted)
		require.Equal(t, []string{"x"}, ids(ps))
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Ping(ctx))
	})
}
