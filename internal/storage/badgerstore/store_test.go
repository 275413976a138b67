package badgerstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"github.com/Wahee-aljabir/meet/internal/registry"
	"github.com/Wahee-aljabir/meet/internal/registry/registrytest"
	"github.com/Wahee-aljabir/meet/internal/storage/badgerstore"
)

func openInMemory(t *testing.T) registry.Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	s := badgerstore.New(db, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	registrytest.RunStoreTests(t, openInMemory)
}

func TestStore_SurvivesReopen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()
	base := registrytest.Base

	s, err := badgerstore.Open(badgerstore.Options{Dir: dir})
	req.NoError(err)
	req.NoError(s.Insert(ctx, registry.Room{Code: "AB12cd34", CreatedAt: base, LastActiveAt: base}))
	_, err = s.AddParticipant(ctx, "AB12cd34", registry.Participant{ConnID: "conn-1", JoinedAt: base}, base.Add(time.Minute))
	req.NoError(err)
	req.NoError(s.Close())
	req.NoError(s.Close(), "close is idempotent")

	s, err = badgerstore.Open(badgerstore.Options{Dir: dir})
	req.NoError(err)
	defer s.Close()

	ps, err := s.Participants(ctx, "AB12cd34")
	req.NoError(err)
	req.Len(ps, 1)
	req.Equal("conn-1", ps[0].ConnID)
	req.True(ps[0].JoinedAt.Equal(base))

	// lastActiveAt was persisted by the join, so the room is not idle yet.
	deleted, err := s.DeleteExpired(ctx, registry.ExpiryPolicy{IdleWindow: time.Hour, MaxLifetime: 24 * time.Hour}, base.Add(30*time.Minute))
	req.NoError(err)
	req.Empty(deleted)
}

func TestStore_PingAfterClose(t *testing.T) {
	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	require.Error(t, s.Ping(context.Background()))
}

func TestStore_ResetParticipants(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	base := registrytest.Base

	s, err := badgerstore.Open(badgerstore.Options{InMemory: true})
	req.NoError(err)
	defer s.Close()

	n, err := s.ResetParticipants(ctx)
	req.NoError(err)
	req.Zero(n)

	req.NoError(s.Insert(ctx, registry.Room{Code: "AB12cd34", CreatedAt: base, LastActiveAt: base}))
	for _, id := range []string{"conn-1", "conn-2"} {
		_, err = s.AddParticipant(ctx, "AB12cd34", registry.Participant{ConnID: id, JoinedAt: base}, base)
		req.NoError(err)
	}

	n, err = s.ResetParticipants(ctx)
	req.NoError(err)
	req.Equal(2, n)

	ps, err := s.Participants(ctx, "AB12cd34")
	req.NoError(err, "the room itself is kept")
	req.Empty(ps)
}
