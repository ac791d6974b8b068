// Package trigger holds the schedule adapters that decide when a flow run
// starts. The engine itself has no notion of wall-clock time; these adapters
// sit at its boundary and call Execute.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsrig/flowkit/pkg/schema"
)

// Runner is the interface the scheduler uses to start runs. Kept narrow so
// the engine can be wrapped without an import cycle.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Schedule is one cron entry bound to a runner.
type Schedule struct {
	ID         string
	CronExpr   string
	Runner     Runner
	Enabled    bool
	LastRunAt  *time.Time
	NextRunAt  *time.Time
	LastStatus string
}

// Scheduler ticks over registered schedules and starts due runs. Entries
// live in memory; callers re-register them at process start.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	schedules map[string]*Schedule
	cancel    context.CancelFunc
	done      chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler with the standard 5-field cron syntax.
// The tick interval defaults to one minute when zero.
func NewScheduler(logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  interval,
		schedules: make(map[string]*Schedule),
		inflight:  make(map[string]struct{}),
	}
}

// Register adds a schedule. The cron expression is validated and the first
// due time computed immediately.
func (s *Scheduler) Register(sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule has no ID")
	}
	if sched.Runner == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q has no runner", sched.ID)
	}
	next, err := s.NextRun(sched.CronExpr, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sched.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", sched.ID)
	}
	sched.NextRunAt = &next
	s.schedules[sched.ID] = sched
	return nil
}

// Unregister removes a schedule.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
}

// Start launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	// The loop gets its own reference to done: Stop nils the field, and an
	// immediate Stop could otherwise race the goroutine's first read of it.
	go s.loop(loopCtx, done)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

// Stop shuts down the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial tick fires immediately so due schedules are not delayed by a
	// full interval.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled schedule whose due time has passed. Exported so
// tests can drive the scheduler without wall-clock waits.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		if !sched.Enabled {
			continue
		}
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue
		}
		s.runSchedule(ctx, sched, now)
		s.release(sched.ID)
	}
}

func (s *Scheduler) runSchedule(ctx context.Context, sched *Schedule, now time.Time) {
	s.logger.Info("running schedule", "schedule_id", sched.ID, "cron", sched.CronExpr)

	err := sched.Runner.Run(ctx)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed", "schedule_id", sched.ID, "error", err)
	}

	next, nerr := s.NextRun(sched.CronExpr, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	sched.LastRunAt = &now
	sched.LastStatus = status
	if nerr == nil {
		sched.NextRunAt = &next
	}
}

// NextRun computes the next due time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %v", cronExpr, err).WithCause(err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
