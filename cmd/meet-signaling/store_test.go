package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/Wahee-aljabir/meet/internal/config"
	"github.com/Wahee-aljabir/meet/internal/registry"
	"github.com/Wahee-aljabir/meet/internal/storage/badgerstore"
	"github.com/Wahee-aljabir/meet/internal/storage/redisstore"
)

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)

	cases := []struct {
		name  string
		cfg   config.Config
		check func(registry.Store) bool
	}{
		{
			name:  "memory",
			cfg:   config.Config{StoreBackend: config.StoreMemory},
			check: func(s registry.Store) bool { _, ok := s.(*registry.MemoryStore); return ok },
		},
		{
			name:  "badger",
			cfg:   config.Config{StoreBackend: config.StoreBadger, BadgerDir: t.TempDir()},
			check: func(s registry.Store) bool { _, ok := s.(*badgerstore.Store); return ok },
		},
		{
			name:  "redis",
			cfg:   config.Config{StoreBackend: config.StoreRedis, Redis: config.RedisConfig{Addr: mr.Addr()}},
			check: func(s registry.Store) bool { _, ok := s.(*redisstore.Store); return ok },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := openStore(tc.cfg, logger)
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			defer s.Close()
			if !tc.check(s) {
				t.Fatalf("unexpected store type %T", s)
			}
			if err := s.Ping(context.Background()); err != nil {
				t.Fatalf("ping: %v", err)
			}
		})
	}
}

func TestOpenStore_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := openStore(config.Config{StoreBackend: config.StoreRedis, Redis: config.RedisConfig{Addr: addr}}, nil)
	if err == nil {
		t.Fatalf("expected an error for an unreachable redis")
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	if _, err := openStore(config.Config{StoreBackend: "etcd"}, nil); err == nil {
		t.Fatalf("expected an error for an unknown backend")
	}
}

func TestOpenStore_BadgerDropsStaleParticipants(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{StoreBackend: config.StoreBadger, BadgerDir: t.TempDir()}
	now := time.Unix(1_700_000_000, 0)

	s, err := openStore(cfg, nil)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if err := s.Insert(ctx, registry.Room{Code: "AB12cd34", CreatedAt: now, LastActiveAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.AddParticipant(ctx, "AB12cd34", registry.Participant{ConnID: "conn-1", JoinedAt: now}, now); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = openStore(cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ps, err := s.Participants(ctx, "AB12cd34")
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(ps) != 0 {
		t.Fatalf("participants=%v, want none after restart", ps)
	}
}
