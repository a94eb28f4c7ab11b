// Package scheduler runs periodic background jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTaskTimeout bounds a single task run.
const DefaultTaskTimeout = 10 * time.Minute

// TaskFunc is the signature of a scheduled task.
type TaskFunc func(ctx context.Context) error

// Scheduler wraps a cron runner. Schedules use the standard five-field
// format plus descriptors such as "@every 15m". A run that is still in
// progress when its next tick fires causes that tick to be skipped.
type Scheduler struct {
	cron        *cron.Cron
	logger      *slog.Logger
	taskTimeout time.Duration

	mu      sync.RWMutex
	tasks   map[string]cron.EntryID
	running bool
}

// New creates a stopped Scheduler. A non-positive taskTimeout selects
// DefaultTaskTimeout.
func New(taskTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	logger = logger.With("component", "scheduler")
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		logger:      logger,
		taskTimeout: taskTimeout,
		tasks:       make(map[string]cron.EntryID),
	}
}

// Add schedules task under name, replacing any task with the same name.
func (s *Scheduler) Add(name, schedule string, task TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
	}

	id, err := s.cron.AddFunc(schedule, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("failed to schedule task %q: %w", name, err)
	}
	s.tasks[name] = id
	s.logger.Info("Task scheduled", "name", name, "schedule", schedule)
	return nil
}

// Remove unschedules the named task.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tasks[name]; ok {
		s.cron.Remove(id)
		delete(s.tasks, name)
		s.logger.Info("Task removed", "name", name)
	}
}

// Tasks returns the scheduled task names, sorted.
func (s *Scheduler) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRun returns when the named task fires next.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	id, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Schedule.Next(time.Now()), true
}

// Start begins firing tasks. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("Scheduler started", "tasks", len(s.tasks))
}

// Stop halts scheduling and waits for running tasks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out, tasks still running")
	}
	s.running = false
}

// IsRunning reports whether the scheduler has been started.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run(name string, task TaskFunc) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.taskTimeout)
	defer cancel()

	if err := task(ctx); err != nil {
		s.logger.Error("Scheduled task failed",
			"name", name,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	s.logger.Debug("Scheduled task completed",
		"name", name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
