package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/triggers"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Tool names as the agent sees them.
const (
	NameScheduleTask        = "schedule_task"
	NameListScheduledTasks  = "list_scheduled_tasks"
	NameCancelScheduledTask = "cancel_scheduled_task"
	NameListTasks           = "list_tasks"
	NameCreateTask          = "create_task"
	NameUpdateTask          = "update_task"
	NameGetMyTasks          = "get_my_tasks"
	NameSubscribeTrigger    = "subscribe_trigger"
	NameUnsubscribeTrigger  = "unsubscribe_trigger"
	NameListTriggers        = "list_triggers"
	NameGetTaskTranscript   = "get_task_transcript"
)

// OwnerTools is what the owner session may use.
var OwnerTools = []string{
	NameScheduleTask, NameListScheduledTasks, NameCancelScheduledTask,
	NameListTasks, NameCreateTask, NameUpdateTask,
	NameSubscribeTrigger, NameUnsubscribeTrigger, NameListTriggers, NameGetTaskTranscript,
}

// ExternalTools let a non-owner see and report on the tasks assigned to them.
var ExternalTools = []string{NameGetMyTasks, NameUpdateTask}

// HeartbeatTools can inspect work and schedule follow-ups, but cannot
// change subscriptions.
var HeartbeatTools = []string{NameListTasks, NameListScheduledTasks, NameScheduleTask, NameGetTaskTranscript}

// TaskStore is the slice of persistence the tools read and write.
type TaskStore interface {
	CreateTask(ctx context.Context, t persistence.Task) (*persistence.Task, error)
	GetTask(ctx context.Context, id string) (*persistence.Task, error)
	ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error)
	UpdateTask(ctx context.Context, id string, u persistence.TaskUpdate) error
	CancelTask(ctx context.Context, id string) (bool, error)
	FindUser(ctx context.Context, query string) (*persistence.ExternalUser, error)
	TranscriptsForTask(ctx context.Context, taskID string) ([]persistence.Transcript, error)
	RecentTranscripts(ctx context.Context, limit int) ([]persistence.Transcript, error)
}

// Notifier sends a direct message; the active transport satisfies it.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// TriggerManager manages dynamic trigger subscriptions.
type TriggerManager interface {
	Subscribe(ctx context.Context, typeName string, cfg map[string]any, prompt string) (*persistence.Subscription, error)
	Unsubscribe(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]triggers.SubscriptionInfo, error)
}

// Registry holds the tool dependencies and, after RegisterAll, the Genkit
// tool definitions.
type Registry struct {
	Store    TaskStore
	Triggers TriggerManager
	// Location interprets at_time and at_date and formats times for the agent.
	Location *time.Location
	Logger   *slog.Logger
	Now      func() time.Time

	// Notify tells assignees about new tasks and the owner about updates.
	// Nil skips notifications.
	Notify Notifier
	// OwnerID receives task update notifications from other users.
	OwnerID int64

	Tools []ai.ToolRef
}

func NewRegistry(store TaskStore, mgr TriggerManager, loc *time.Location, logger *slog.Logger) *Registry {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		Store:    store,
		Triggers: mgr,
		Location: loc,
		Logger:   logger,
		Now:      time.Now,
	}
}

// RegisterAll defines every tool on g. Trigger tools are skipped when no
// manager is wired.
func (r *Registry) RegisterAll(g *genkit.Genkit) []ai.ToolRef {
	r.Tools = registerScheduling(g, r)
	r.Tools = append(r.Tools, registerTaskTools(g, r)...)
	r.Tools = append(r.Tools, registerAssignments(g, r)...)
	if r.Triggers != nil {
		r.Tools = append(r.Tools, registerTriggerTools(g, r)...)
	}
	return r.Tools
}

func (r *Registry) now() time.Time {
	if r.Now == nil {
		return time.Now().In(r.Location)
	}
	return r.Now().In(r.Location)
}

const displayTime = "02.01.2006 15:04"

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// TextOutput is the result of tools that answer with prose for the agent.
type TextOutput struct {
	Text string `json:"text"`
}
