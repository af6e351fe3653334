// Package triggers turns asynchronous events into agent turns. Sources
// (the task scheduler, the heartbeat prober, dynamic watchers) build Events;
// the Executor runs each one in a throwaway session and delivers the result
// to the owner; the Manager owns source lifecycles and subscriptions.
package triggers

import (
	"context"

	"github.com/basket/go-butler/internal/session"
)

// Event is one firing of a trigger. It is consumed exactly once.
type Event struct {
	ID      string
	Source  string
	Prompt  string
	Context map[string]any

	// NotifyOwner sends Preview and the result to the owner chat.
	NotifyOwner bool
	Preview     string
	// SilenceMarker, when found in the result, suppresses delivery.
	SilenceMarker string
	ResultPrefix  string

	// Kind selects the ephemeral session profile: background or heartbeat.
	Kind session.Kind
}

// NewEvent returns an owner-notifying background event.
func NewEvent(source, prompt string) Event {
	return Event{
		Source:      source,
		Prompt:      prompt,
		Context:     map[string]any{},
		NotifyOwner: true,
		Kind:        session.KindBackground,
	}
}

// TaskID returns the task id carried in the event context, if any.
func (e Event) TaskID() string {
	id, _ := e.Context["task_id"].(string)
	return id
}

// Source is anything that fires Events. Start must not block beyond setup.
type Source interface {
	Start(ctx context.Context) error
	Stop()
}

// Runner executes events. Sources receive one through their Factory.
type Runner interface {
	// Execute runs ev to completion and returns the delivered text, or "" when
	// nothing was delivered.
	Execute(ctx context.Context, ev Event) (string, error)
	// Fire runs ev in the background.
	Fire(ctx context.Context, ev Event)
}

// Deliverer sends text to a chat on the active transport.
type Deliverer interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	MaxMessageLength() int
}

// Factory builds the source of a dynamic subscription. config has already
// passed the type's schema.
type Factory func(exec Runner, transport Deliverer, config map[string]any, prompt string) (Source, error)
