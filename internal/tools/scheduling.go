package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-butler/internal/cron"
	"github.com/basket/go-butler/internal/persistence"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// ScheduleTaskInput is the input for the schedule_task tool.
type ScheduleTaskInput struct {
	// Prompt is the instruction the agent runs when the task fires.
	Prompt string `json:"prompt"`
	// Title is a short label; defaults to the start of the prompt.
	Title string `json:"title,omitempty"`
	// DelayMinutes fires the task this many minutes from now.
	DelayMinutes int `json:"delay_minutes,omitempty"`
	// AtTime fires at HH:MM local time, tomorrow if already passed today.
	AtTime string `json:"at_time,omitempty"`
	// AtDate moves the first run to YYYY-MM-DD, keeping the time of day.
	AtDate string `json:"at_date,omitempty"`
	// RepeatMinutes re-runs the task at this interval after the first run.
	RepeatMinutes int `json:"repeat_minutes,omitempty"`
	// Cron is a 5-field cron expression for recurring tasks.
	Cron string `json:"cron,omitempty"`
}

// ScheduleTaskOutput is the output for the schedule_task tool.
type ScheduleTaskOutput struct {
	ID          string `json:"id"`
	ScheduledAt string `json:"scheduled_at"`
	Text        string `json:"text"`
}

// CancelScheduledTaskInput is the input for the cancel_scheduled_task tool.
type CancelScheduledTaskInput struct {
	TaskID string `json:"task_id"`
}

func (r *Registry) scheduleTask(ctx context.Context, in ScheduleTaskInput) (ScheduleTaskOutput, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return ScheduleTaskOutput{}, errors.New("prompt is required")
	}
	if in.DelayMinutes < 0 || in.RepeatMinutes < 0 {
		return ScheduleTaskOutput{}, errors.New("minutes must not be negative")
	}
	cronExpr := strings.TrimSpace(in.Cron)
	if cronExpr != "" && in.RepeatMinutes > 0 {
		return ScheduleTaskOutput{}, errors.New("use either repeat_minutes or cron, not both")
	}

	now := r.now()
	var at time.Time
	switch {
	case cronExpr != "":
		next, err := cron.NextRunTime(cronExpr, now)
		if err != nil {
			return ScheduleTaskOutput{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
		}
		at = next
	case in.DelayMinutes > 0:
		at = now.Add(time.Duration(in.DelayMinutes) * time.Minute)
	case in.AtTime != "":
		clock, err := time.ParseInLocation("15:04", strings.TrimSpace(in.AtTime), r.Location)
		if err != nil {
			return ScheduleTaskOutput{}, fmt.Errorf("invalid time %q, expected HH:MM", in.AtTime)
		}
		at = time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, r.Location)
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
	default:
		return ScheduleTaskOutput{}, errors.New("one of delay_minutes, at_time or cron is required")
	}

	if in.AtDate != "" {
		if cronExpr != "" {
			return ScheduleTaskOutput{}, errors.New("at_date cannot be combined with cron")
		}
		day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(in.AtDate), r.Location)
		if err != nil {
			return ScheduleTaskOutput{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", in.AtDate)
		}
		at = time.Date(day.Year(), day.Month(), day.Day(), at.Hour(), at.Minute(), 0, 0, r.Location)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = truncate(prompt, 60)
	}
	scheduleAt := at.UTC()
	task, err := r.Store.CreateTask(ctx, persistence.Task{
		Title:          title,
		Kind:           persistence.KindScheduled,
		CreatedBy:      "agent",
		Context:        map[string]any{"prompt": prompt},
		ScheduleAt:     &scheduleAt,
		ScheduleRepeat: time.Duration(in.RepeatMinutes) * time.Minute,
		ScheduleCron:   cronExpr,
	})
	if err != nil {
		return ScheduleTaskOutput{}, err
	}

	when := at.In(r.Location).Format(displayTime)
	r.Logger.Info("tools: task scheduled", "task_id", task.ID, "at", when, "cron", cronExpr, "repeat_minutes", in.RepeatMinutes)

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Task scheduled for %s\nID: %s\nTask: %s", when, task.ID, prompt)
	if in.RepeatMinutes > 0 {
		fmt.Fprintf(&b, "\nRepeats every %d minutes", in.RepeatMinutes)
	}
	if cronExpr != "" {
		fmt.Fprintf(&b, "\nCron: %s", cronExpr)
	}
	return ScheduleTaskOutput{ID: task.ID, ScheduledAt: when, Text: b.String()}, nil
}

func (r *Registry) listScheduledTasks(ctx context.Context) (TextOutput, error) {
	tasks, err := r.Store.ListTasks(ctx, persistence.TaskFilter{Kind: persistence.KindScheduled})
	if err != nil {
		return TextOutput{}, err
	}
	if len(tasks) == 0 {
		return TextOutput{Text: "No scheduled tasks"}, nil
	}
	lines := []string{"📋 Scheduled tasks:"}
	for _, t := range tasks {
		when := "running"
		if t.ScheduleAt != nil {
			when = t.ScheduleAt.In(r.Location).Format(displayTime)
		}
		line := fmt.Sprintf("• [%s] %s: %s", t.ID, when, truncate(t.Prompt(), 50))
		switch {
		case t.ScheduleCron != "":
			line += fmt.Sprintf(" (cron: %s)", t.ScheduleCron)
		case t.ScheduleRepeat > 0:
			line += fmt.Sprintf(" (every %d min)", int(t.ScheduleRepeat/time.Minute))
		}
		lines = append(lines, line)
	}
	return TextOutput{Text: strings.Join(lines, "\n")}, nil
}

func (r *Registry) cancelScheduledTask(ctx context.Context, in CancelScheduledTaskInput) (TextOutput, error) {
	id := strings.TrimSpace(in.TaskID)
	if id == "" {
		return TextOutput{}, errors.New("task_id is required")
	}
	cancelled, err := r.Store.CancelTask(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return TextOutput{}, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return TextOutput{}, err
	}
	if !cancelled {
		return TextOutput{}, fmt.Errorf("task %s is already finished", id)
	}
	r.Logger.Info("tools: task cancelled", "task_id", id)
	return TextOutput{Text: fmt.Sprintf("✅ Task %s cancelled", id)}, nil
}

func registerScheduling(g *genkit.Genkit, r *Registry) []ai.ToolRef {
	schedule := genkit.DefineTool(g, NameScheduleTask,
		"Schedule a task to run later: a reminder, a check, or any instruction. "+
			"Give delay_minutes, at_time (HH:MM) or cron. Add repeat_minutes for a recurring task.",
		func(ctx *ai.ToolContext, input ScheduleTaskInput) (ScheduleTaskOutput, error) {
			return r.scheduleTask(ctx.Context, input)
		},
	)
	list := genkit.DefineTool(g, NameListScheduledTasks,
		"List pending scheduled tasks.",
		func(ctx *ai.ToolContext, _ struct{}) (TextOutput, error) {
			return r.listScheduledTasks(ctx.Context)
		},
	)
	cancel := genkit.DefineTool(g, NameCancelScheduledTask,
		"Cancel a scheduled task by its ID.",
		func(ctx *ai.ToolContext, input CancelScheduledTaskInput) (TextOutput, error) {
			return r.cancelScheduledTask(ctx.Context, input)
		},
	)
	return []ai.ToolRef{schedule, list, cancel}
}
