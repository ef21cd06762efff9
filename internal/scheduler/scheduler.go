// Package scheduler runs the bridge's periodic maintenance jobs on
// cron schedules: cache sweeps, webhook lease eviction, dedup expiry,
// and the nightly queue-stats report.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with named, panic-safe jobs.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]cron.EntryID
	logger *slog.Logger
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[string]cron.EntryID),
		logger: logger,
	}
}

// Add registers a named job. The schedule is a standard cron expression
// (5 fields) or a predefined one like @every 5m. A job name can only be
// registered once.
func (s *Scheduler) Add(name, schedule string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: job %q already registered", name)
	}

	id, err := s.cron.AddFunc(schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled job panicked",
					"job", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		s.logger.Debug("scheduled job fired", "job", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", schedule, name, err)
	}

	s.jobs[name] = id
	s.logger.Info("job registered", "job", name, "schedule", schedule)
	return nil
}

// Remove unregisters a job by name. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Start begins the cron runner and blocks until the context is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.JobCount())

	<-ctx.Done()
	s.cron.Stop()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// JobCount returns the number of registered jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
