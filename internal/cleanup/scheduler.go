package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"europa/internal/logging"
)

// ErrSweepInProgress is returned by RunOnce when another sweep holds the lock.
var ErrSweepInProgress = errors.New("cleanup: sweep already running")

// Sweeper is the unit of work a Scheduler repeats.
type Sweeper interface {
	RunSweep(ctx context.Context, now time.Time) (*Result, error)
}

// Scheduler runs a Sweeper on a fixed interval. At most one sweep runs at a
// time per process, and per host when a lock file is configured.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	lock     *flock.Flock
	log      *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewScheduler returns a scheduler for s. An empty lockPath disables the
// cross-process lock.
func NewScheduler(s Sweeper, interval time.Duration, lockPath string, log *slog.Logger) *Scheduler {
	sc := &Scheduler{
		sweeper:  s,
		interval: interval,
		log:      logging.OrDefault(log).With("component", "scheduler"),
		now:      time.Now,
	}
	if lockPath != "" {
		sc.lock = flock.New(lockPath)
	}
	return sc
}

// Run sweeps immediately and then on every tick until ctx is done. Sweep
// failures are logged; the next tick tries again.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("cleanup: invalid interval %s", s.interval)
	}
	s.log.InfoContext(ctx, "scheduler_started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.InfoContext(ctx, "scheduler_stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.log.InfoContext(ctx, "sweep_skipped", "reason", "locked")
	case err != nil:
		s.log.ErrorContext(ctx, "sweep_error", "error", err)
	}
}

// RunOnce runs a single sweep if no other sweep holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	if !s.mu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	if s.lock != nil {
		locked, err := s.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("cleanup: lock %s: %w", s.lock.Path(), err)
		}
		if !locked {
			return nil, ErrSweepInProgress
		}
		defer func() {
			if err := s.lock.Unlock(); err != nil {
				s.log.WarnContext(ctx, "unlock_failed", "path", s.lock.Path(), "error", err)
			}
		}()
	}

	return s.sweeper.RunSweep(ctx, s.now())
}
