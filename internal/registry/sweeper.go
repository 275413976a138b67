package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Wahee-aljabir/meet/internal/metrics"
)

const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultSweepTimeout  = 30 * time.Second
)

type SweeperConfig struct {
	Interval time.Duration
	// Timeout bounds a single sweep so a hung backend cannot stall later runs.
	Timeout time.Duration

	// OnEvict is called for each deleted room that still had participants.
	OnEvict func(DeletedRoom)

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Sweeper periodically reclaims expired rooms. It never touches live
// connections itself; OnEvict is the only way it reaches them.
type Sweeper struct {
	reg *Registry
	cfg SweeperConfig
	log *slog.Logger
}

func NewSweeper(reg *Registry, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSweepTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{reg: reg, cfg: cfg, log: logger}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("room sweeper started", "interval", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("room sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Errors are logged and returned; they are
// never fatal.
func (s *Sweeper) RunOnce(ctx context.Context) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sweep panicked: %v", rec)
			s.cfg.Metrics.Inc(metrics.EventSweepFailed)
			s.log.Error("room sweep panicked", "recover", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	deleted, err := s.reg.SweepExpired(ctx, s.cfg.Now())
	s.cfg.Metrics.ObserveSweep(time.Since(start))

	for _, d := range deleted {
		if len(d.Participants) > 0 && s.cfg.OnEvict != nil {
			s.cfg.OnEvict(d)
		}
	}

	if err != nil {
		s.cfg.Metrics.Inc(metrics.EventSweepFailed)
		s.log.Error("room sweep failed", "err", err, "deleted", len(deleted))
		return len(deleted), err
	}
	if len(deleted) > 0 {
		s.log.Info("expired rooms reclaimed", "deleted", len(deleted))
	} else {
		s.log.Debug("room sweep found nothing to reclaim")
	}
	return len(deleted), nil
}
