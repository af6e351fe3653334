package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/basket/go-butler/internal/persistence"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// transcriptLimit caps how many runs get_task_transcript returns.
const transcriptLimit = 5

// ListTasksInput is the input for the list_tasks tool.
type ListTasksInput struct {
	// Status filters by status: pending, in_progress, done or cancelled.
	Status string `json:"status,omitempty"`
	// IncludeDone also lists finished and cancelled tasks.
	IncludeDone bool `json:"include_done,omitempty"`
	// OverdueOnly keeps only tasks past their deadline.
	OverdueOnly bool `json:"overdue_only,omitempty"`
	// Assignee keeps only tasks of this user: id, @name or display name.
	Assignee string `json:"assignee,omitempty"`
}

// TaskTranscriptInput is the input for the get_task_transcript tool.
type TaskTranscriptInput struct {
	// TaskID selects one task, or "recent" for the latest runs of any source.
	TaskID string `json:"task_id"`
}

// recentLimit caps the "recent" transcript listing.
const recentLimit = 10

func (r *Registry) listTasks(ctx context.Context, in ListTasksInput) (TextOutput, error) {
	f := persistence.TaskFilter{IncludeDone: in.IncludeDone, OverdueOnly: in.OverdueOnly}
	switch s := persistence.TaskStatus(strings.TrimSpace(in.Status)); s {
	case "":
	case persistence.TaskPending, persistence.TaskInProgress, persistence.TaskDone, persistence.TaskCancelled:
		f.Status = s
	default:
		return TextOutput{}, fmt.Errorf("unknown status %q", in.Status)
	}
	if a := strings.TrimSpace(in.Assignee); a != "" {
		user, err := r.Store.FindUser(ctx, a)
		if errors.Is(err, persistence.ErrNotFound) {
			return TextOutput{}, fmt.Errorf("user %q not found", a)
		}
		if err != nil {
			return TextOutput{}, err
		}
		f.AssigneeID = strconv.FormatInt(user.UserID, 10)
	}

	tasks, err := r.Store.ListTasks(ctx, f)
	if err != nil {
		return TextOutput{}, err
	}
	if len(tasks) == 0 {
		return TextOutput{Text: "No tasks"}, nil
	}
	now := r.now()
	lines := make([]string, 0, len(tasks))
	for _, t := range tasks {
		line := fmt.Sprintf("[%s] %s | %s | %s", t.ID, t.Title, t.Kind, t.Status)
		if t.Deadline != nil {
			line += " | deadline " + t.Deadline.In(r.Location).Format(displayTime)
			if t.IsOverdue(now) {
				line += " (overdue)"
			}
		}
		if t.AssigneeID != "" {
			line += " | assignee " + t.AssigneeID
		}
		lines = append(lines, line)
	}
	return TextOutput{Text: strings.Join(lines, "\n")}, nil
}

func (r *Registry) taskTranscript(ctx context.Context, in TaskTranscriptInput) (TextOutput, error) {
	id := strings.TrimSpace(in.TaskID)
	if id == "" {
		return TextOutput{}, errors.New("task_id is required, or \"recent\"")
	}
	if strings.EqualFold(id, "recent") {
		return r.recentTranscripts(ctx)
	}
	runs, err := r.Store.TranscriptsForTask(ctx, id)
	if err != nil {
		return TextOutput{}, err
	}
	if len(runs) == 0 {
		return TextOutput{Text: fmt.Sprintf("No transcripts for task %s", id)}, nil
	}
	if len(runs) > transcriptLimit {
		runs = runs[:transcriptLimit]
	}
	var b strings.Builder
	for i, tr := range runs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- %s (%s)\nPrompt: %s\nResult: %s",
			tr.CreatedAt.In(r.Location).Format(displayTime), tr.Source, truncate(tr.Prompt, 500), tr.Result)
	}
	return TextOutput{Text: b.String()}, nil
}

func (r *Registry) recentTranscripts(ctx context.Context) (TextOutput, error) {
	runs, err := r.Store.RecentTranscripts(ctx, recentLimit)
	if err != nil {
		return TextOutput{}, err
	}
	if len(runs) == 0 {
		return TextOutput{Text: "No transcripts yet"}, nil
	}
	lines := []string{"Recent runs:"}
	for _, tr := range runs {
		ref := tr.TaskID
		if ref == "" {
			ref = tr.Source
		}
		lines = append(lines, fmt.Sprintf("[%s] %s | %s", ref,
			tr.CreatedAt.In(r.Location).Format(displayTime), truncate(tr.Prompt, 50)))
	}
	return TextOutput{Text: strings.Join(lines, "\n")}, nil
}

func registerTaskTools(g *genkit.Genkit, r *Registry) []ai.ToolRef {
	list := genkit.DefineTool(g, NameListTasks,
		"List tasks. Finished tasks are hidden unless include_done is set.",
		func(ctx *ai.ToolContext, input ListTasksInput) (TextOutput, error) {
			return r.listTasks(ctx.Context, input)
		},
	)
	transcript := genkit.DefineTool(g, NameGetTaskTranscript,
		"Show the most recent background runs of a task: what was asked and what came back. "+
			"Pass task_id \"recent\" to list the latest runs of any task or trigger.",
		func(ctx *ai.ToolContext, input TaskTranscriptInput) (TextOutput, error) {
			return r.taskTranscript(ctx.Context, input)
		},
	)
	return []ai.ToolRef{list, transcript}
}
