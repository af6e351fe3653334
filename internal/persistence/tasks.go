package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-butler/internal/bus"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

func (s TaskStatus) valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskDone, TaskCancelled:
		return true
	}
	return false
}

type TaskKind string

const (
	KindTask       TaskKind = "task"
	KindScheduled  TaskKind = "scheduled"
	KindBackground TaskKind = "background"
)

// Task is a durable work item. Schedule fields only matter for KindScheduled.
type Task struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Kind           TaskKind       `json:"kind"`
	Status         TaskStatus     `json:"status"`
	AssigneeID     string         `json:"assignee_id,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	Deadline       *time.Time     `json:"deadline,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Context        map[string]any `json:"context"`
	Result         map[string]any `json:"result,omitempty"`
	ScheduleAt     *time.Time     `json:"schedule_at,omitempty"`
	ScheduleRepeat time.Duration  `json:"schedule_repeat,omitempty"`
	ScheduleCron   string         `json:"schedule_cron,omitempty"`
	Attempts       int            `json:"attempts"`
}

// IsOverdue reports whether the deadline has passed on a non-terminal task.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.Deadline != nil && !t.Status.Terminal() && t.Deadline.Before(now)
}

// Recurring reports whether the task reschedules itself after firing.
func (t *Task) Recurring() bool {
	return t.ScheduleRepeat > 0 || t.ScheduleCron != ""
}

// Prompt returns the instruction stored in the task context, falling back to
// the title.
func (t *Task) Prompt() string {
	if p, ok := t.Context["prompt"].(string); ok && strings.TrimSpace(p) != "" {
		return p
	}
	return t.Title
}

// TaskFilter narrows ListTasks. Zero values mean no filter.
type TaskFilter struct {
	AssigneeID  string
	Status      TaskStatus
	Kind        TaskKind
	IncludeDone bool
	OverdueOnly bool
	Limit       int
}

// TaskUpdate carries the mutable fields of UpdateTask. Nil fields are left as is.
type TaskUpdate struct {
	Status *TaskStatus
	Result map[string]any
}

const taskColumns = `id, title, kind, status, assignee_id, created_by, deadline, created_at, updated_at,
	context, result, schedule_at, schedule_repeat, schedule_cron, attempts`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var (
		t                            Task
		kind, status                 string
		deadline, scheduleAt, result sql.NullString
		createdAt, updatedAt         string
		ctxJSON                      string
		repeatSecs                   int64
	)
	if err := scan(&t.ID, &t.Title, &kind, &status, &t.AssigneeID, &t.CreatedBy, &deadline,
		&createdAt, &updatedAt, &ctxJSON, &result, &scheduleAt, &repeatSecs, &t.ScheduleCron, &t.Attempts); err != nil {
		return nil, err
	}
	t.Kind = TaskKind(kind)
	t.Status = TaskStatus(status)
	t.ScheduleRepeat = time.Duration(repeatSecs) * time.Second

	var err error
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if t.Deadline, err = parseNullTime(deadline); err != nil {
		return nil, err
	}
	if t.ScheduleAt, err = parseNullTime(scheduleAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("decode task context: %w", err)
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
	}
	return &t, nil
}

// CreateTask inserts t and returns it with generated fields filled in.
func (s *Store) CreateTask(ctx context.Context, t Task) (*Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return nil, errors.New("create task: title is required")
	}
	if t.ID == "" {
		t.ID = newShortID()
	}
	if t.Kind == "" {
		t.Kind = KindTask
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if !t.Status.valid() {
		return nil, fmt.Errorf("create task: invalid status %q", t.Status)
	}
	if t.Kind != KindScheduled {
		t.ScheduleAt = nil
		t.ScheduleRepeat = 0
		t.ScheduleCron = ""
	}
	if t.Context == nil {
		t.Context = map[string]any{}
	}
	ctxJSON, err := json.Marshal(t.Context)
	if err != nil {
		return nil, fmt.Errorf("encode task context: %w", err)
	}
	now := s.nowUTC()
	t.CreatedAt, t.UpdatedAt = now, now

	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, kind, status, assignee_id, created_by, deadline, created_at, updated_at,
				context, schedule_at, schedule_repeat, schedule_cron)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ID, t.Title, string(t.Kind), string(t.Status), t.AssigneeID, t.CreatedBy, formatNullTime(t.Deadline),
			formatTime(now), formatTime(now), string(ctxJSON), formatNullTime(t.ScheduleAt),
			int64(t.ScheduleRepeat/time.Second), t.ScheduleCron)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.bus.Publish(bus.TopicTaskCreated, t.ID)
	return &t, nil
}

// GetTask returns the task with id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks matching f, earliest deadline first (tasks without a
// deadline last), then newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.AssigneeID != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, f.AssigneeID)
	}
	switch {
	case f.Status != "":
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	case !f.IncludeDone:
		where = append(where, "status NOT IN ('done', 'cancelled')")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.OverdueOnly {
		where = append(where, "deadline IS NOT NULL AND deadline < ? AND status NOT IN ('done', 'cancelled')")
		args = append(args, formatTime(s.nowUTC()))
	}

	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY deadline IS NULL, deadline ASC, created_at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.queryTasks(ctx, q, args...)
}

// DueScheduled returns scheduled, non-terminal tasks whose schedule_at is at
// or before now, oldest first.
func (s *Store) DueScheduled(ctx context.Context, now time.Time) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE kind = 'scheduled' AND schedule_at IS NOT NULL AND schedule_at <= ?
			AND status NOT IN ('done', 'cancelled')
		ORDER BY schedule_at ASC;
	`, formatTime(now))
}

// interruptedScheduled matches one-time scheduled tasks that were claimed
// (schedule_at cleared, in_progress) and never finished.
const interruptedScheduled = `kind = 'scheduled' AND status = 'in_progress'
	AND schedule_at IS NULL AND COALESCE(schedule_repeat, 0) = 0 AND COALESCE(schedule_cron, '') = ''`

// RequeueInterrupted makes tasks claimed by a process that died before
// finishing them pending and due at now. It returns their ids.
func (s *Store) RequeueInterrupted(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks WHERE `+interruptedScheduled+` ORDER BY created_at;`)
	if err != nil {
		return nil, fmt.Errorf("find interrupted tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan interrupted task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("interrupted tasks rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', schedule_at = ?, updated_at = ? WHERE `+interruptedScheduled+`;
		`, formatTime(now), formatTime(s.nowUTC()))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("requeue interrupted tasks: %w", err)
	}
	at := now.UTC().Format(time.RFC3339)
	for _, id := range ids {
		s.bus.Publish(bus.TopicTaskRescheduled, bus.TaskRescheduled{TaskID: id, ScheduleAt: at})
	}
	return ids, nil
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tasks rows: %w", err)
	}
	return out, nil
}

// UpdateSchedule sets (or with nil, clears) the next fire time of a task.
func (s *Store) UpdateSchedule(ctx context.Context, id string, at *time.Time) error {
	err := s.execOne(ctx, "update schedule", id, `
		UPDATE tasks SET schedule_at = ?, updated_at = ? WHERE id = ?;
	`, formatNullTime(at), formatTime(s.nowUTC()), id)
	if err != nil {
		return err
	}
	ev := bus.TaskRescheduled{TaskID: id}
	if at != nil {
		ev.ScheduleAt = at.UTC().Format(time.RFC3339)
	}
	s.bus.Publish(bus.TopicTaskRescheduled, ev)
	return nil
}

// UpdateTask applies u to the task and publishes a status change event when
// the status moved.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.nowUTC())}
	if u.Status != nil {
		if !u.Status.valid() {
			return fmt.Errorf("update task: invalid status %q", *u.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Result != nil {
		raw, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("encode task result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(raw))
	}

	var old string
	if u.Status != nil {
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, id).Scan(&old); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("update task %s: %w", id, ErrNotFound)
			}
			return fmt.Errorf("update task: %w", err)
		}
	}
	args = append(args, id)
	if err := s.execOne(ctx, "update task", id, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...); err != nil {
		return err
	}
	if u.Status != nil && old != string(*u.Status) {
		s.bus.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChanged{
			TaskID: id, OldStatus: old, NewStatus: string(*u.Status),
		})
	}
	return nil
}

// RecordAttempt bumps the failed-attempt counter and returns the new value.
func (s *Store) RecordAttempt(ctx context.Context, id string) (int, error) {
	if err := s.execOne(ctx, "record attempt", id, `
		UPDATE tasks SET attempts = attempts + 1, updated_at = ? WHERE id = ?;
	`, formatTime(s.nowUTC()), id); err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT attempts FROM tasks WHERE id = ?;`, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("record attempt: %w", err)
	}
	return n, nil
}

// CancelTask marks a non-terminal task cancelled and clears its schedule.
// It returns false if the task was already terminal.
func (s *Store) CancelTask(ctx context.Context, id string) (bool, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return false, nil
	}
	if err := s.UpdateSchedule(ctx, id, nil); err != nil {
		return false, err
	}
	cancelled := TaskCancelled
	if err := s.UpdateTask(ctx, id, TaskUpdate{Status: &cancelled}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) execOne(ctx context.Context, op, id, q string, args ...any) error {
	var res sql.Result
	err := retryOnBusy(ctx, busyRetries, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, q, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}
