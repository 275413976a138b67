package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Wahee-aljabir/meet/internal/config"
	"github.com/Wahee-aljabir/meet/internal/httpserver"
	"github.com/Wahee-aljabir/meet/internal/metrics"
	"github.com/Wahee-aljabir/meet/internal/ratelimit"
	"github.com/Wahee-aljabir/meet/internal/registry"
	"github.com/Wahee-aljabir/meet/internal/signaling"
	"github.com/Wahee-aljabir/meet/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// createLimiterIdleTTL is how long an idle client keeps its create-meeting
// bucket before it is pruned.
const createLimiterIdleTTL = 10 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	// A .env file is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		return 2
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logger.Info("starting meet-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"store", cfg.StoreBackend,
		"room_idle_window", cfg.RoomIdleWindow,
		"room_max_lifetime", cfg.RoomMaxLifetime,
		"evict_occupied_rooms", cfg.EvictOccupiedRooms,
		"sweep_interval", cfg.SweepInterval,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
		"static_dir", cfg.StaticDir,
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /api/ice-servers will report it", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open room store", "store", cfg.StoreBackend, "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close room store", "err", err)
		}
	}()

	m := metrics.New()
	reg := registry.New(store, registry.Options{
		CodeLength:        cfg.RoomCodeLength,
		MaxCreateAttempts: cfg.MaxCreateAttempts,
		Expiry: registry.ExpiryPolicy{
			IdleWindow:    cfg.RoomIdleWindow,
			MaxLifetime:   cfg.RoomMaxLifetime,
			EvictOccupied: cfg.EvictOccupiedRooms,
		},
		Logger:  logger,
		Metrics: m,
	})

	var turnGen *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnGen, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			return 2
		}
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		ReadyCheck: store.Ping,
		Metrics:    m,
		TURN:       turnGen,
	})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		return 2
	}

	var createLimiter *ratelimit.KeyedLimiter
	if cfg.CreateMeetingBurst > 0 {
		createLimiter = ratelimit.NewKeyedLimiter(ratelimit.RealClock{},
			int64(cfg.CreateMeetingBurst), int64(cfg.CreateMeetingPerSecond), createLimiterIdleTTL)
	}

	sig := signaling.NewServer(signaling.Config{
		Registry:             reg,
		Logger:               logger,
		Metrics:              m,
		Origin:               srv.OriginPolicy(),
		CreateLimiter:        createLimiter,
		WSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		WSPingInterval:       cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueSize:        cfg.SignalingSendQueueSize,
	})
	sig.RegisterRoutes(srv.Mux())

	sweeper := registry.NewSweeper(reg, registry.SweeperConfig{
		Interval: cfg.SweepInterval,
		Timeout:  cfg.SweepTimeout,
		OnEvict:  sig.Hub().CloseRoom,
		Logger:   logger,
		Metrics:  m,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(sweepCtx)
	}()
	defer func() {
		stopSweep()
		<-sweepDone
	}()

	select {
	case err := <-errCh:
		sig.Close()
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		_ = sig.Wait(waitCtx)
		cancel()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()
	if err := sig.Wait(shutdownCtx); err != nil {
		logger.Warn("websocket sessions still cleaning up at shutdown deadline", "connections", sig.Hub().Len(), "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return 1
	}
	return 0
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
