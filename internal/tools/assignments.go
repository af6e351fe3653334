package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/shared"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// CreateTaskInput is the input for the create_task tool.
type CreateTaskInput struct {
	// User is the assignee: numeric id, @name or display name.
	User  string `json:"user"`
	Title string `json:"title"`
	// Deadline is YYYY-MM-DD (end of day) or YYYY-MM-DD HH:MM.
	Deadline string         `json:"deadline,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	// Message replaces the default notification sent to the assignee.
	Message string `json:"message,omitempty"`
}

// UpdateTaskInput is the input for the update_task tool.
type UpdateTaskInput struct {
	TaskID string         `json:"task_id"`
	Status string         `json:"status,omitempty"`
	Result map[string]any `json:"result,omitempty"`
}

var errNoCaller = errors.New("this tool needs a direct conversation with a known user")

func (r *Registry) createTask(ctx context.Context, in CreateTaskInput) (TextOutput, error) {
	if c, ok := shared.CallerFrom(ctx); ok && !c.Owner {
		return TextOutput{}, errors.New("only the owner can assign tasks")
	}
	title := strings.TrimSpace(in.Title)
	if strings.TrimSpace(in.User) == "" || title == "" {
		return TextOutput{}, errors.New("user and title are required")
	}
	user, err := r.Store.FindUser(ctx, in.User)
	if errors.Is(err, persistence.ErrNotFound) {
		return TextOutput{}, fmt.Errorf("user %q not found", in.User)
	}
	if err != nil {
		return TextOutput{}, err
	}

	var deadline *time.Time
	if d := strings.TrimSpace(in.Deadline); d != "" {
		at, err := r.parseDeadline(d)
		if err != nil {
			return TextOutput{}, err
		}
		deadline = &at
	}

	task, err := r.Store.CreateTask(ctx, persistence.Task{
		Title:      title,
		Kind:       persistence.KindTask,
		AssigneeID: strconv.FormatInt(user.UserID, 10),
		CreatedBy:  "owner",
		Deadline:   deadline,
		Context:    in.Context,
	})
	if err != nil {
		return TextOutput{}, err
	}
	r.Logger.Info("tools: task assigned", "task_id", task.ID, "assignee", user.UserID)

	due := ""
	if deadline != nil {
		due = deadline.In(r.Location).Format(displayTime)
	}
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		msg = "📌 New task: " + title
		if due != "" {
			msg += "\nDeadline: " + due
		}
		msg += "\n\nPlease confirm you got it."
	}

	text := fmt.Sprintf("✅ Task [%s] created for %s", task.ID, user.DisplayName)
	if due != "" {
		text += " (due " + due + ")"
	}
	if err := r.notify(ctx, user.UserID, msg); err != nil {
		r.Logger.Warn("tools: assignee not notified", "task_id", task.ID, "error", err)
		text += "\nThe assignee could not be notified: " + err.Error()
	}
	return TextOutput{Text: text}, nil
}

// parseDeadline reads a date (end of that day) or a date and time.
func (r *Registry) parseDeadline(s string) (time.Time, error) {
	if at, err := time.ParseInLocation("2006-01-02 15:04", s, r.Location); err == nil {
		return at, nil
	}
	day, err := time.ParseInLocation("2006-01-02", s, r.Location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid deadline %q, expected YYYY-MM-DD or YYYY-MM-DD HH:MM", s)
	}
	return day.Add(23*time.Hour + 59*time.Minute), nil
}

func (r *Registry) getMyTasks(ctx context.Context) (TextOutput, error) {
	c, ok := shared.CallerFrom(ctx)
	if !ok || c.UserID == 0 {
		return TextOutput{}, errNoCaller
	}
	tasks, err := r.Store.ListTasks(ctx, persistence.TaskFilter{AssigneeID: strconv.FormatInt(c.UserID, 10)})
	if err != nil {
		return TextOutput{}, err
	}
	if len(tasks) == 0 {
		return TextOutput{Text: "You have no open tasks"}, nil
	}
	now := r.now()
	lines := []string{"Your tasks:"}
	for _, t := range tasks {
		line := fmt.Sprintf("[%s] [%s] %s", t.Status, t.ID, t.Title)
		if t.Deadline != nil {
			line += " (due " + t.Deadline.In(r.Location).Format(displayTime) + ")"
		}
		if t.IsOverdue(now) {
			line += " [OVERDUE]"
		}
		if len(t.Context) > 0 {
			if raw, err := json.Marshal(t.Context); err == nil {
				line += "\n  Context: " + truncate(string(raw), 80)
			}
		}
		lines = append(lines, line)
	}
	return TextOutput{Text: strings.Join(lines, "\n")}, nil
}

func (r *Registry) updateTask(ctx context.Context, in UpdateTaskInput) (TextOutput, error) {
	c, ok := shared.CallerFrom(ctx)
	if !ok || (!c.Owner && c.UserID == 0) {
		return TextOutput{}, errNoCaller
	}
	id := strings.TrimSpace(in.TaskID)
	if id == "" {
		return TextOutput{}, errors.New("task_id is required")
	}
	status := persistence.TaskStatus(strings.TrimSpace(in.Status))
	if status == "" && in.Result == nil {
		return TextOutput{}, errors.New("give a status or a result to update")
	}
	switch status {
	case "", persistence.TaskPending, persistence.TaskInProgress, persistence.TaskDone, persistence.TaskCancelled:
	default:
		return TextOutput{}, fmt.Errorf("unknown status %q (want pending, in_progress, done or cancelled)", in.Status)
	}

	task, err := r.Store.GetTask(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return TextOutput{}, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return TextOutput{}, err
	}
	if !c.Owner && task.AssigneeID != strconv.FormatInt(c.UserID, 10) {
		return TextOutput{}, errors.New("you can only update your own tasks")
	}

	u := persistence.TaskUpdate{Result: in.Result}
	if status != "" {
		u.Status = &status
	}
	if err := r.Store.UpdateTask(ctx, id, u); err != nil {
		return TextOutput{}, err
	}
	r.Logger.Info("tools: task updated", "task_id", id, "status", string(status), "by", c.UserID)

	if c.Owner {
		return TextOutput{Text: fmt.Sprintf("✅ Task [%s] updated", id)}, nil
	}
	parts := []string{fmt.Sprintf("%s updated task [%s] %s", r.userName(ctx, c.UserID), id, task.Title)}
	if status != "" {
		parts = append(parts, "Status: "+string(status))
	}
	if in.Result != nil {
		if raw, err := json.Marshal(in.Result); err == nil {
			parts = append(parts, "Result: "+string(raw))
		}
	}
	if err := r.notify(ctx, r.OwnerID, strings.Join(parts, "\n")); err != nil {
		r.Logger.Warn("tools: owner not notified of task update", "task_id", id, "error", err)
		return TextOutput{Text: fmt.Sprintf("✅ Task [%s] updated", id)}, nil
	}
	return TextOutput{Text: fmt.Sprintf("✅ Task [%s] updated, the owner has been notified", id)}, nil
}

func (r *Registry) notify(ctx context.Context, chatID int64, text string) error {
	if r.Notify == nil || chatID == 0 {
		return errors.New("no transport to notify through")
	}
	return r.Notify.SendMessage(ctx, chatID, text)
}

func (r *Registry) userName(ctx context.Context, id int64) string {
	if u, err := r.Store.FindUser(ctx, strconv.FormatInt(id, 10)); err == nil && u.DisplayName != "" {
		return u.DisplayName
	}
	return strconv.FormatInt(id, 10)
}

func registerAssignments(g *genkit.Genkit, r *Registry) []ai.ToolRef {
	create := genkit.DefineTool(g, NameCreateTask,
		"Assign a task to a user and notify them. deadline is YYYY-MM-DD or YYYY-MM-DD HH:MM. "+
			"context holds extra data such as meeting slots; message overrides the notification text.",
		func(ctx *ai.ToolContext, input CreateTaskInput) (TextOutput, error) {
			return r.createTask(ctx.Context, input)
		},
	)
	update := genkit.DefineTool(g, NameUpdateTask,
		"Update a task's status (pending, in_progress, done, cancelled) or record its result, "+
			"for example the time slot a user picked.",
		func(ctx *ai.ToolContext, input UpdateTaskInput) (TextOutput, error) {
			return r.updateTask(ctx.Context, input)
		},
	)
	mine := genkit.DefineTool(g, NameGetMyTasks,
		"List the open tasks assigned to the person you are talking to.",
		func(ctx *ai.ToolContext, _ struct{}) (TextOutput, error) {
			return r.getMyTasks(ctx.Context)
		},
	)
	return []ai.ToolRef{create, update, mine}
}
