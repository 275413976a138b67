package registry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wahee-aljabir/meet/internal/metrics"
	"github.com/Wahee-aljabir/meet/internal/registry"
)

func TestSweeper_RunOnceReportsEvictions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := newRegistry(t, registry.NewMemoryStore(), clk, registry.Options{
		Expiry: registry.ExpiryPolicy{EvictOccupied: true},
	})

	idle, err := reg.CreateRoom(ctx)
	req.NoError(err)
	occupied, err := reg.CreateRoom(ctx)
	req.NoError(err)
	_, err = reg.JoinRoom(ctx, occupied, "conn-1")
	req.NoError(err)

	var evicted []registry.DeletedRoom
	sw := registry.NewSweeper(reg, registry.SweeperConfig{
		Now:     clk.Now,
		Logger:  discardLogger(),
		OnEvict: func(d registry.DeletedRoom) { evicted = append(evicted, d) },
	})

	clk.Advance(2 * time.Hour)
	n, err := sw.RunOnce(ctx)
	req.NoError(err)
	req.Equal(1, n)
	req.Empty(evicted, "idle sweep only removes empty rooms")

	ok, err := reg.RoomExists(ctx, idle)
	req.NoError(err)
	req.False(ok)

	clk.Advance(23 * time.Hour)
	n, err = sw.RunOnce(ctx)
	req.NoError(err)
	req.Equal(1, n)
	req.Len(evicted, 1)
	req.Equal(occupied, evicted[0].Code)
	req.Equal("conn-1", evicted[0].Participants[0].ConnID)
}

func TestSweeper_FailureIsNotFatal(t *testing.T) {
	req := require.New(t)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := metrics.New()
	reg := newRegistry(t, brokenStore{MemoryStore: registry.NewMemoryStore(), err: errors.New("disk on fire")}, clk, registry.Options{})
	sw := registry.NewSweeper(reg, registry.SweeperConfig{Now: clk.Now, Logger: discardLogger(), Metrics: m})

	_, err := sw.RunOnce(context.Background())
	req.ErrorIs(err, registry.ErrStorageUnavailable)
	_, err = sw.RunOnce(context.Background())
	req.Error(err)
	req.EqualValues(2, m.Get(metrics.EventSweepFailed))
}

type panickyStore struct {
	*registry.MemoryStore
}

func (panickyStore) DeleteExpired(context.Context, registry.ExpiryPolicy, time.Time) ([]registry.DeletedRoom, error) {
	panic("boom")
}

func TestSweeper_RecoversPanics(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := newRegistry(t, panickyStore{registry.NewMemoryStore()}, clk, registry.Options{})
	sw := registry.NewSweeper(reg, registry.SweeperConfig{Logger: discardLogger()})

	_, err := sw.RunOnce(context.Background())
	require.ErrorContains(t, err, "boom")
}

type countingStore struct {
	*registry.MemoryStore
	mu    sync.Mutex
	calls int
}

func (s *countingStore) DeleteExpired(ctx context.Context, p registry.ExpiryPolicy, now time.Time) ([]registry.DeletedRoom, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.MemoryStore.DeleteExpired(ctx, p, now)
}

func (s *countingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestSweeper_RunTicksUntilCancelled(t *testing.T) {
	store := &countingStore{MemoryStore: registry.NewMemoryStore()}
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := newRegistry(t, store, clk, registry.Options{})
	sw := registry.NewSweeper(reg, registry.SweeperConfig{Interval: 10 * time.Millisecond, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop after cancel")
	}
}
