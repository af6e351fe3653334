// Package agent defines the contract between conversation sessions and the
// LLM backend: a Client opens Conns, a Conn streams the events of one turn.
package agent

import (
	"context"
	"iter"
	"sync"
)

// EventKind tags a streamed turn event.
type EventKind int

const (
	// EventText carries a complete assistant message.
	EventText EventKind = iota
	// EventTool reports that the agent invoked a tool.
	EventTool
	// EventResult ends a turn and carries the continuation token.
	EventResult
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventTool:
		return "tool"
	case EventResult:
		return "result"
	default:
		return "unknown"
	}
}

// Event is one item of a turn's stream.
type Event struct {
	Kind  EventKind
	Text  string
	Tool  string
	Token string
}

// Profile is the behavior applied to a connection: persona and capabilities.
type Profile struct {
	Name         string
	SystemPrompt string
	Tools        []string // tool names; empty means no tools
	Owner        bool
}

// Client opens connections to the agent backend. token resumes prior
// agent-side context; an empty token starts a fresh conversation.
type Client interface {
	Connect(ctx context.Context, profile Profile, token string) (Conn, error)
}

// Conn is an open agent connection. Several turns may be issued on the same
// Conn, one at a time.
type Conn interface {
	// Query streams the events of one turn. The turn ends early once stop
	// fires; the stream then yields whatever the agent produced so far
	// followed by an EventResult.
	Query(ctx context.Context, prompt string, stop *Interrupt) iter.Seq2[Event, error]
	Close() error
}

// Forgetter is implemented by clients that keep agent-side state per token.
type Forgetter interface {
	Forget(ctx context.Context, token string) error
}

// Interrupt is a one-shot cancellation token for a single turn.
type Interrupt struct {
	once sync.Once
	ch   chan struct{}
}

// NewInterrupt returns an unfired token.
func NewInterrupt() *Interrupt {
	return &Interrupt{ch: make(chan struct{})}
}

// Fire signals the turn to stop. It returns true only for the call that
// actually fired the token.
func (i *Interrupt) Fire() bool {
	fired := false
	i.once.Do(func() {
		close(i.ch)
		fired = true
	})
	return fired
}

// Done is closed once the token fires. A nil token never fires.
func (i *Interrupt) Done() <-chan struct{} {
	if i == nil {
		return nil
	}
	return i.ch
}

// Fired reports whether Fire has been called.
func (i *Interrupt) Fired() bool {
	if i == nil {
		return false
	}
	select {
	case <-i.ch:
		return true
	default:
		return false
	}
}
