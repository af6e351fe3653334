// Package cron provides the task scheduler: a periodic poll of the task
// store that fires every due scheduled task through the trigger executor.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-butler/internal/otel"
	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/triggers"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxAttempts = 5
	defaultRetryBase   = time.Minute
	maxRetryDelay      = 30 * time.Minute
)

// TaskStore is the part of the persistence store the scheduler drives.
type TaskStore interface {
	DueScheduled(ctx context.Context, now time.Time) ([]persistence.Task, error)
	UpdateSchedule(ctx context.Context, id string, at *time.Time) error
	UpdateTask(ctx context.Context, id string, u persistence.TaskUpdate) error
	RecordAttempt(ctx context.Context, id string) (int, error)
	RequeueInterrupted(ctx context.Context, now time.Time) ([]string, error)
}

// Executor runs a trigger event to completion.
type Executor interface {
	Execute(ctx context.Context, ev triggers.Event) (string, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    TaskStore
	Executor Executor
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Interval time.Duration // poll interval; defaults to 30s if zero
	// Location interprets cron expressions; defaults to time.Local.
	Location *time.Location
	// MaxAttempts bounds retries of a failing one-time task.
	MaxAttempts int
	// RetryBase is the first retry delay; it doubles per attempt up to 30m.
	RetryBase time.Duration
	Now       func() time.Time
}

// Scheduler periodically queries the store for due scheduled tasks and
// fires each one.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown. One-time tasks left
// in_progress by a previous process are made due again first.
func (s *Scheduler) Start(ctx context.Context) error {
	if ids, err := s.cfg.Store.RequeueInterrupted(ctx, s.cfg.Now()); err != nil {
		s.logger.Error("scheduler: failed to requeue interrupted tasks", "error", err)
	} else if len(ids) > 0 {
		s.logger.Warn("scheduler: requeued interrupted tasks", "count", len(ids), "task_ids", ids)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler: started", "interval", s.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for it and any running task to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler: stopped")
}

// loop ticks at the configured interval and fires due tasks.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on startup, then on each tick.
	s.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll fires every task due now that is not already running.
func (s *Scheduler) Poll(ctx context.Context) {
	now := s.cfg.Now()
	due, err := s.cfg.Store.DueScheduled(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: failed to query due tasks", "error", err)
		return
	}
	for _, task := range due {
		if !s.claim(task.ID) {
			continue
		}
		if err := s.prepare(ctx, task, now); err != nil {
			s.release(task.ID)
			s.logger.Error("scheduler: failed to prepare task", "task_id", task.ID, "error", err)
			continue
		}
		s.wg.Add(1)
		go func(task persistence.Task) {
			defer s.wg.Done()
			defer s.release(task.ID)
			s.run(ctx, task)
		}(task)
	}
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// prepare moves the task out of the due set before it runs: recurring tasks
// get their next schedule_at, one-time tasks lose theirs and go in_progress.
func (s *Scheduler) prepare(ctx context.Context, task persistence.Task, now time.Time) error {
	if task.Recurring() {
		next, err := s.NextRun(task, now)
		if err != nil {
			return err
		}
		return s.cfg.Store.UpdateSchedule(ctx, task.ID, &next)
	}
	if err := s.cfg.Store.UpdateSchedule(ctx, task.ID, nil); err != nil {
		return err
	}
	status := persistence.TaskInProgress
	return s.cfg.Store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &status})
}

// NextRun returns the next schedule_at of a recurring task. A repeat interval
// advances from the current schedule_at; if that still lies in the past the
// task is realigned to now plus one interval. A cron expression yields the
// next matching time after now.
func (s *Scheduler) NextRun(task persistence.Task, now time.Time) (time.Time, error) {
	if task.ScheduleCron != "" {
		next, err := NextRunTime(task.ScheduleCron, now.In(s.cfg.Location))
		if err != nil {
			return time.Time{}, fmt.Errorf("task %s cron %q: %w", task.ID, task.ScheduleCron, err)
		}
		return next.UTC(), nil
	}
	base := now
	if task.ScheduleAt != nil {
		base = *task.ScheduleAt
	}
	next := base.Add(task.ScheduleRepeat)
	if !next.After(now) {
		next = now.Add(task.ScheduleRepeat)
	}
	return next, nil
}

func (s *Scheduler) run(ctx context.Context, task persistence.Task) {
	ev := triggers.NewEvent("scheduler:"+task.ID, task.Prompt())
	ev.Context["task_id"] = task.ID
	ev.Preview = "⏰ Running scheduled task: " + task.Title
	ev.ResultPrefix = fmt.Sprintf("📋 Result [%s]:", task.ID)

	s.logger.Info("scheduler: executing task", "task_id", task.ID, "title", task.Title, "recurring", task.Recurring())
	text, err := s.cfg.Executor.Execute(ctx, ev)

	if task.Recurring() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			s.logger.Error("scheduler: recurring task failed", "task_id", task.ID, "error", err)
		}
		s.cfg.Metrics.AddSchedulerFire(ctx, true, outcome)
		return
	}

	// The task outcome must be recorded even when shutdown cancelled ctx.
	bg := context.WithoutCancel(ctx)
	if err == nil {
		done := persistence.TaskDone
		if uerr := s.cfg.Store.UpdateTask(bg, task.ID, persistence.TaskUpdate{
			Status: &done,
			Result: map[string]any{"output": text},
		}); uerr != nil {
			s.logger.Error("scheduler: failed to complete task", "task_id", task.ID, "error", uerr)
		}
		s.cfg.Metrics.AddSchedulerFire(ctx, false, "ok")
		return
	}
	s.retryOrCancel(bg, task, err)
}

func (s *Scheduler) retryOrCancel(ctx context.Context, task persistence.Task, cause error) {
	attempts, err := s.cfg.Store.RecordAttempt(ctx, task.ID)
	if err != nil {
		s.logger.Error("scheduler: failed to record attempt", "task_id", task.ID, "error", err)
		return
	}
	if attempts >= s.cfg.MaxAttempts {
		cancelled := persistence.TaskCancelled
		if err := s.cfg.Store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{
			Status: &cancelled,
			Result: map[string]any{"error": cause.Error(), "attempts": attempts},
		}); err != nil {
			s.logger.Error("scheduler: failed to cancel task", "task_id", task.ID, "error", err)
		}
		s.cfg.Metrics.AddSchedulerFire(ctx, false, "cancelled")
		s.logger.Error("scheduler: task cancelled after repeated failures", "task_id", task.ID, "attempts", attempts, "error", cause)
		return
	}

	retryAt := s.cfg.Now().Add(s.backoff(attempts))
	pending := persistence.TaskPending
	if err := s.cfg.Store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &pending}); err != nil {
		s.logger.Error("scheduler: failed to reset task", "task_id", task.ID, "error", err)
		return
	}
	if err := s.cfg.Store.UpdateSchedule(ctx, task.ID, &retryAt); err != nil {
		s.logger.Error("scheduler: failed to reschedule task", "task_id", task.ID, "error", err)
		return
	}
	s.cfg.Metrics.AddSchedulerFire(ctx, false, "retry")
	s.logger.Warn("scheduler: task failed, will retry", "task_id", task.ID, "attempts", attempts, "retry_at", retryAt, "error", cause)
}

func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ParseSpec validates a 5-field cron expression.
func ParseSpec(cronExpr string) (cronlib.Schedule, error) {
	return cronParser.Parse(cronExpr)
}
