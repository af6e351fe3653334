package channels

import (
	"context"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start connects and begins receiving messages in the background.
	Start(ctx context.Context) error

	// Stop ends receiving and waits for in-flight handlers.
	Stop()

	// SendMessage delivers text to a chat, splitting it when needed.
	SendMessage(ctx context.Context, chatID int64, text string) error

	// MaxMessageLength is the longest single message the platform accepts.
	MaxMessageLength() int
}

// Replier sends a response back into the chat a message came from.
type Replier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Inbound is a message received by a channel, normalized for the Dispatcher.
type Inbound struct {
	// Channel names the session namespace ("bot", "ws").
	Channel   string
	ChatID    int64
	UserID    int64
	UserName  string
	Text      string
	Group     bool
	ChatTitle string
}

// splitMessage cuts text into chunks of at most max runes, preferring
// line boundaries.
func splitMessage(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
