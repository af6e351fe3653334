package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-butler/internal/cron"
	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/triggers"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "butler.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertScheduledTask(t *testing.T, store *persistence.Store, title string, at time.Time, repeat time.Duration, cronExpr string) *persistence.Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), persistence.Task{
		Title:          title,
		Kind:           persistence.KindScheduled,
		Context:        map[string]any{"prompt": "do " + title},
		ScheduleAt:     &at,
		ScheduleRepeat: repeat,
		ScheduleCron:   cronExpr,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func getTask(t *testing.T, store *persistence.Store, id string) *persistence.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

// fakeExecutor records events. onExecute, when set, runs inside Execute.
type fakeExecutor struct {
	err       error
	onExecute func(ev triggers.Event)

	mu     sync.Mutex
	events []triggers.Event
}

func (f *fakeExecutor) Execute(_ context.Context, ev triggers.Event) (string, error) {
	if f.onExecute != nil {
		f.onExecute(ev)
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	if f.err != nil {
		return "Error: " + f.err.Error(), f.err
	}
	return "finished " + ev.Prompt, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestScheduler_OneTimeTaskCompletes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := insertScheduledTask(t, store, "report", time.Now().Add(time.Second), 0, "")

	exec := &fakeExecutor{}
	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Executor: exec,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return getTask(t, store, task.ID).Status == persistence.TaskDone
	})
	// A few more polls must not fire it again.
	time.Sleep(150 * time.Millisecond)
	if n := exec.count(); n != 1 {
		t.Fatalf("expected exactly one execution, got %d", n)
	}

	got := getTask(t, store, task.ID)
	if got.ScheduleAt != nil {
		t.Fatalf("expected schedule_at cleared, got %v", got.ScheduleAt)
	}
	if got.Result["output"] != "finished do report" {
		t.Fatalf("unexpected result: %v", got.Result)
	}

	ev := exec.events[0]
	if ev.Source != "scheduler:"+task.ID {
		t.Fatalf("unexpected source %q", ev.Source)
	}
	if ev.TaskID() != task.ID {
		t.Fatalf("expected task_id in event context, got %v", ev.Context)
	}
	if ev.Preview != "⏰ Running scheduled task: report" {
		t.Fatalf("unexpected preview %q", ev.Preview)
	}
	if ev.ResultPrefix != "📋 Result ["+task.ID+"]:" {
		t.Fatalf("unexpected prefix %q", ev.ResultPrefix)
	}
}

func TestScheduler_RecurringAdvancedBeforeExecutionEvenOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-10 * time.Second).UTC().Truncate(time.Microsecond)
	repeat := time.Hour
	task := insertScheduledTask(t, store, "ping", start, repeat, "")
	want := start.Add(repeat)

	var seenDuringRun *time.Time
	exec := &fakeExecutor{err: errors.New("agent down")}
	exec.onExecute = func(triggers.Event) {
		seenDuringRun = getTask(t, store, task.ID).ScheduleAt
	}
	sched := cron.NewScheduler(cron.Config{Store: store, Executor: exec})

	sched.Poll(ctx)
	sched.Stop()

	if seenDuringRun == nil || !seenDuringRun.Equal(want) {
		t.Fatalf("expected schedule_at advanced to %v before execution, saw %v", want, seenDuringRun)
	}
	got := getTask(t, store, task.ID)
	if got.ScheduleAt == nil || !got.ScheduleAt.Equal(want) {
		t.Fatalf("expected schedule_at=%v after failure, got %v", want, got.ScheduleAt)
	}
	if got.Status != persistence.TaskPending {
		t.Fatalf("expected recurring task to stay pending, got %s", got.Status)
	}
}

func TestScheduler_RecurringRealignsWhenFarBehind(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched := cron.NewScheduler(cron.Config{Location: time.UTC})
	behind := now.Add(-3 * time.Hour)

	next, err := sched.NextRun(persistence.Task{ScheduleAt: &behind, ScheduleRepeat: time.Hour}, now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("expected %v, got %v", now.Add(time.Hour), next)
	}
}

func TestScheduler_CronRecurrence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched := cron.NewScheduler(cron.Config{Location: time.UTC})

	next, err := sched.NextRun(persistence.Task{ID: "c1", ScheduleCron: "0 9 * * *", ScheduleAt: &now}, now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	if _, err := sched.NextRun(persistence.Task{ID: "c2", ScheduleCron: "not a cron"}, now); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestScheduler_StartRequeuesInterruptedTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	// A previous process claimed the task and died mid-run.
	task := insertScheduledTask(t, store, "backup", time.Now().Add(-time.Hour), 0, "")
	if err := store.UpdateSchedule(ctx, task.ID, nil); err != nil {
		t.Fatalf("clear schedule: %v", err)
	}
	inProgress := persistence.TaskInProgress
	if err := store.UpdateTask(ctx, task.ID, persistence.TaskUpdate{Status: &inProgress}); err != nil {
		t.Fatalf("mark in_progress: %v", err)
	}

	exec := &fakeExecutor{}
	sched := cron.NewScheduler(cron.Config{Store: store, Executor: exec, Interval: 50 * time.Millisecond})
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sched.Stop()

	waitFor(t, 5*time.Second, func() bool {
		return getTask(t, store, task.ID).Status == persistence.TaskDone
	})
	if n := exec.count(); n != 1 {
		t.Fatalf("expected one execution, got %d", n)
	}
}

func TestScheduler_OneTimeFailureRetries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	task := insertScheduledTask(t, store, "flaky", now.Add(-time.Second), 0, "")

	sched := cron.NewScheduler(cron.Config{
		Store:     store,
		Executor:  &fakeExecutor{err: errors.New("timeout")},
		RetryBase: 2 * time.Minute,
		Now:       func() time.Time { return now },
	})
	sched.Poll(ctx)
	sched.Stop()

	got := getTask(t, store, task.ID)
	if got.Status != persistence.TaskPending {
		t.Fatalf("expected pending after first failure, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}
	if want := now.Add(2 * time.Minute); got.ScheduleAt == nil || !got.ScheduleAt.Equal(want) {
		t.Fatalf("expected retry at %v, got %v", want, got.ScheduleAt)
	}
}

func TestScheduler_OneTimeCancelledAfterMaxAttempts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	task := insertScheduledTask(t, store, "doomed", time.Now().Add(-time.Second), 0, "")

	sched := cron.NewScheduler(cron.Config{
		Store:       store,
		Executor:    &fakeExecutor{err: errors.New("bad prompt")},
		MaxAttempts: 1,
	})
	sched.Poll(ctx)
	sched.Stop()

	got := getTask(t, store, task.ID)
	if got.Status != persistence.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.Result["error"] != "bad prompt" {
		t.Fatalf("expected error in result, got %v", got.Result)
	}
}

// stickyStore never moves schedule_at, so a task stays due while it runs.
type stickyStore struct {
	*persistence.Store
}

func (stickyStore) UpdateSchedule(context.Context, string, *time.Time) error { return nil }

func TestScheduler_InFlightNotDispatchedTwice(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	insertScheduledTask(t, store, "slow", time.Now().Add(-time.Second), time.Hour, "")

	release := make(chan struct{})
	exec := &fakeExecutor{onExecute: func(triggers.Event) { <-release }}
	sched := cron.NewScheduler(cron.Config{Store: stickyStore{store}, Executor: exec})

	sched.Poll(ctx)
	sched.Poll(ctx)
	close(release)
	sched.Stop()

	if n := exec.count(); n != 1 {
		t.Fatalf("expected one dispatch while in flight, got %d", n)
	}
}
