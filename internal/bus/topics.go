package bus

// Task topics.
const (
	TopicTaskCreated       = "task.created"
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskRescheduled   = "task.rescheduled"
)

// Trigger topics.
const (
	TopicTriggerSubscribed   = "trigger.subscribed"
	TopicTriggerUnsubscribed = "trigger.unsubscribed"
	TopicTriggerFired        = "trigger.fired"
	TopicTriggerDelivered    = "trigger.delivered"
	TopicTriggerSilenced     = "trigger.silenced"
)

// TopicChannelPost carries posts seen on broadcast channels the bot can read.
const TopicChannelPost = "channel.post"

// TaskStatusChanged is published when a task moves between statuses.
type TaskStatusChanged struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// TaskRescheduled is published when the scheduler moves a task's next run.
type TaskRescheduled struct {
	TaskID     string
	ScheduleAt string // RFC3339, empty when cleared
}

// SubscriptionChanged is published on subscribe and unsubscribe.
type SubscriptionChanged struct {
	ID          string
	TriggerType string
}

// TriggerOutcome describes one trigger execution.
type TriggerOutcome struct {
	EventID string
	Source  string
	TaskID  string
	Chars   int
}

// ChannelPost is a single post from a broadcast channel.
type ChannelPost struct {
	ChatID    int64
	Username  string
	MessageID int
	Sender    string
	Text      string
}
