// ABOUTME: Ticker-driven scheduler for background contender jobs
// ABOUTME: Runs each job pass under a non-blocking MAINTENANCE lock so one process runs it at a time

package background

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/headspace/internal/lock"
)

// Maintenance lock ids, one per singleton job.
const (
	jobReaper int64 = iota + 1
	jobReconciler
	jobPoller
	jobWatchdog
)

// Stats counts what one pass did.
type Stats struct {
	Visited   int // agents considered
	Changed   int // agents written
	Contended int // agents skipped because their lock was held
}

func (s *Stats) add(ran, changed bool) {
	s.Visited++
	switch {
	case !ran:
		s.Contended++
	case changed:
		s.Changed++
	}
}

// Job is one periodic background pass.
type Job interface {
	Name() string
	LockID() int64
	Interval() time.Duration
	RunOnce(ctx context.Context) (Stats, error)
}

// Runner is a long-lived background task such as a file watcher.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler runs jobs on their own tickers until its context ends.
type Scheduler struct {
	locks   *lock.Service
	jobs    []Job
	runners []Runner
	logger  *slog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(locks *lock.Service, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		locks:  locks,
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers a periodic job.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Go registers a long-lived runner.
func (s *Scheduler) Go(r Runner) {
	s.runners = append(s.runners, r)
}

// Run blocks until ctx is cancelled or a runner fails. Failed passes are
// logged and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, job := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	for _, r := range s.runners {
		g.Go(func() error {
			s.logger.Info("starting background runner", "runner", r.Name())
			err := r.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("background runner failed", "runner", r.Name(), "error", err)
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	s.logger.Info("starting background job", "job", job.Name(), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunPass(ctx, job)
		}
	}
}

// RunPass runs one pass of job if no other process is running it.
// It reports whether the pass ran.
func (s *Scheduler) RunPass(ctx context.Context, job Job) bool {
	var stats Stats
	ran, err := s.locks.TryWithLock(ctx, lock.NamespaceMaintenance, job.LockID(), func(ctx context.Context) error {
		var err error
		stats, err = job.RunOnce(ctx)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("background pass failed", "job", job.Name(), "error", err)
		}
		return ran
	}
	if !ran {
		s.logger.Debug("background pass already running elsewhere", "job", job.Name())
		return false
	}
	if stats.Changed > 0 || stats.Contended > 0 {
		s.logger.Info("background pass finished",
			"job", job.Name(),
			"visited", stats.Visited,
			"changed", stats.Changed,
			"contended", stats.Contended)
	}
	return true
}
