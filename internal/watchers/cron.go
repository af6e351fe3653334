package watchers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-butler/internal/triggers"
)

const CronSchema = `{
	"type": "object",
	"properties": {
		"spec": {"type": "string", "minLength": 1},
		"timezone": {"type": "string"}
	},
	"required": ["spec"],
	"additionalProperties": false
}`

// CronFactory builds sources that fire the stored prompt on a cron timetable.
// An optional timezone is an IANA name; the default is the local zone.
func CronFactory(logger *slog.Logger) triggers.Factory {
	return func(exec triggers.Runner, _ triggers.Deliverer, cfg map[string]any, prompt string) (triggers.Source, error) {
		spec, _ := cfg["spec"].(string)
		loc := time.Local
		if tz, _ := cfg["timezone"].(string); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return nil, fmt.Errorf("timezone %q: %w", tz, err)
			}
			loc = l
		}
		return &cronSource{
			exec:   exec,
			spec:   spec,
			loc:    loc,
			prompt: prompt,
			logger: logger.With("trigger", TypeCron, "spec", spec),
		}, nil
	}
}

type cronSource struct {
	exec   triggers.Runner
	spec   string
	loc    *time.Location
	prompt string
	logger *slog.Logger

	c *cronlib.Cron
}

func (s *cronSource) Start(ctx context.Context) error {
	c := cronlib.New(cronlib.WithLocation(s.loc))
	if _, err := c.AddFunc(s.spec, func() { s.exec.Fire(ctx, s.event()) }); err != nil {
		return fmt.Errorf("parse cron spec %q: %w", s.spec, err)
	}
	s.c = c
	c.Start()
	s.logger.Info("cron watcher: started")
	return nil
}

func (s *cronSource) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.logger.Info("cron watcher: stopped")
}

func (s *cronSource) event() triggers.Event {
	ev := triggers.NewEvent(TypeCron+":"+s.spec, s.prompt)
	ev.Context["spec"] = s.spec
	return ev
}
