// Package sweeper periodically deletes consumed and expired scan tokens.
// It is housekeeping only: validity never depends on it, and failures
// are logged, not surfaced.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep every five minutes.
const DefaultSchedule = "@every 5m"

// Sweeps is the work the sweeper schedules.
type Sweeps interface {
	Sweep(ctx context.Context) (int64, error)
}

// Observer receives one call per run (metrics).
type Observer interface {
	SweepRan(success bool)
}

// Sweeper schedules Sweep on a cron spec.
type Sweeper struct {
	cron    *cron.Cron
	work    Sweeps
	log     *slog.Logger
	obs     Observer
	timeout time.Duration
}

// Option configures the Sweeper.
type Option func(*Sweeper)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Sweeper) { s.obs = o }
}

// WithTimeout bounds a single run (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New validates spec and registers the job. Accepts standard 5-field
// specs and descriptors such as "@every 1m" or "@hourly".
func New(work Sweeps, spec string, opts ...Option) (*Sweeper, error) {
	if work == nil {
		return nil, errors.New("sweeper: nil work")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}

	s := &Sweeper{work: work, log: slog.Default(), timeout: 30 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	cl := cron.PrintfLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelWarn))
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("sweeper.start", "entries", len(s.cron.Entries()))
}

// Stop halts scheduling and waits for a running sweep, up to ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("sweeper.stop")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one bounded sweep and reports whether it succeeded.
func (s *Sweeper) RunOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.work.Sweep(ctx)
	if s.obs != nil {
		s.obs.SweepRan(err == nil)
	}
	if err != nil {
		s.log.Warn("sweeper.run.fail", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return false
	}
	if n > 0 {
		s.log.Info("sweeper.run.ok", "purged", n, "duration_ms", time.Since(start).Milliseconds())
	}
	return true
}
