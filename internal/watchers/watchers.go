// Package watchers provides the dynamic trigger types the agent can
// subscribe to: posts on a Telegram channel, a cron timetable and changes to
// a file.
package watchers

import (
	"fmt"
	"log/slog"

	"github.com/basket/go-butler/internal/bus"
	"github.com/basket/go-butler/internal/triggers"
)

const (
	TypeTGChannel = "tg_channel"
	TypeCron      = "cron"
	TypeFileWatch = "file_watch"
)

// Registrar is the part of the trigger manager that accepts trigger types.
type Registrar interface {
	RegisterType(name, schemaJSON string, factory triggers.Factory) error
}

// RegisterAll registers every watcher type on m.
func RegisterAll(m Registrar, b *bus.Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	types := []struct {
		name    string
		schema  string
		factory triggers.Factory
	}{
		{TypeTGChannel, TGChannelSchema, TGChannelFactory(b, logger)},
		{TypeCron, CronSchema, CronFactory(logger)},
		{TypeFileWatch, FileWatchSchema, FileWatchFactory(logger)},
	}
	for _, t := range types {
		if err := m.RegisterType(t.name, t.schema, t.factory); err != nil {
			return fmt.Errorf("watchers: %w", err)
		}
	}
	return nil
}

func instruction(prompt string) string {
	return "\n\nInstruction: " + prompt
}
