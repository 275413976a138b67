package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Wahee-aljabir/meet/internal/config"
	"github.com/Wahee-aljabir/meet/internal/registry"
	"github.com/Wahee-aljabir/meet/internal/storage/badgerstore"
	"github.com/Wahee-aljabir/meet/internal/storage/redisstore"
)

const storeStartupPingTimeout = 5 * time.Second

// openStore builds the room store selected by --store. The redis backend is
// pinged once so a wrong address fails startup instead of the first request.
// Participants left in the badger directory by a previous run are dropped;
// redis is shared with other live processes and keeps its members.
func openStore(cfg config.Config, logger *slog.Logger) (registry.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.StoreBackend {
	case config.StoreMemory, "":
		return registry.NewMemoryStore(), nil
	case config.StoreBadger:
		store, err := badgerstore.Open(badgerstore.Options{Dir: cfg.BadgerDir, Logger: logger})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeStartupPingTimeout)
		defer cancel()
		n, err := store.ResetParticipants(ctx)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if n > 0 {
			logger.Info("dropped participants left by a previous run", "participants", n)
		}
		return store, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store := redisstore.New(client, cfg.Redis.KeyPrefix)
		ctx, cancel := context.WithTimeout(context.Background(), storeStartupPingTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
