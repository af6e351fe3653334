package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-butler/internal/bus"
	"github.com/basket/go-butler/internal/otel"
	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/session"
	"github.com/basket/go-butler/internal/shared"
	"github.com/basket/go-butler/internal/telemetry"
)

const (
	DefaultMaxMessageLength = 4000
	DefaultTranscriptKeep   = 100

	backgroundOutputHeader = "[Background task output]\n"
)

// Sessions is the part of the session registry the executor needs.
type Sessions interface {
	CreateEphemeral(ctx context.Context, kind session.Kind) *session.Session
	UserSessions(id int64) []*session.Session
}

// TranscriptStore persists execution transcripts.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, t persistence.Transcript, keep int) error
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Sessions       Sessions
	Transport      Deliverer
	Transcripts    TranscriptStore
	OwnerID        int64
	TranscriptKeep int
	Bus            *bus.Bus
	Metrics        *otel.Metrics
	Tracer         trace.Tracer
	Logger         *slog.Logger
}

// Executor is the single path from a trigger Event to a delivered message.
type Executor struct {
	cfg    ExecutorConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.TranscriptKeep <= 0 {
		cfg.TranscriptKeep = DefaultTranscriptKeep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, logger: logger}
}

// Fire runs ev on a tracked goroutine. Failures are logged.
func (e *Executor) Fire(ctx context.Context, ev Event) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Execute(ctx, ev); err != nil {
			e.logger.Error("trigger executor: execution failed", "source", ev.Source, "error", err)
		}
	}()
}

// Wait blocks until every Fire'd execution has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Execute runs ev in an ephemeral session and delivers the result to the
// owner. It returns the delivered text, or "" when the result was silent or
// empty. A failed agent turn is still delivered as error text and reported.
func (e *Executor) Execute(ctx context.Context, ev Event) (text string, err error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Kind == "" {
		ev.Kind = session.KindBackground
	}
	taskID := ev.TaskID()
	ctx = shared.WithTriggerSource(shared.EnsureTraceID(ctx), ev.Source)
	if taskID != "" {
		ctx = shared.WithTaskID(ctx, taskID)
	}
	ctx, span := otel.StartSpan(ctx, e.cfg.Tracer, "trigger.execute",
		otel.AttrTriggerSource.String(ev.Source),
		otel.AttrTriggerKind.String(string(ev.Kind)),
		otel.AttrTaskID.String(taskID))
	logger := telemetry.WithContext(ctx, e.logger)
	start := time.Now()
	outcome := "delivered"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		span.SetAttributes(otel.AttrOutcome.String(outcome))
		otel.EndSpan(span, err)
		e.cfg.Metrics.RecordTrigger(ctx, ev.Source, time.Since(start), outcome)
	}()

	logger.Info("trigger executor: executing", "event_id", ev.ID)
	e.cfg.Bus.Publish(bus.TopicTriggerFired, bus.TriggerOutcome{EventID: ev.ID, Source: ev.Source, TaskID: taskID})

	if ev.Preview != "" && ev.NotifyOwner {
		if err := e.send(ctx, ev.Preview); err != nil {
			logger.Warn("trigger executor: preview not delivered", "error", err)
		}
	}

	sess := e.cfg.Sessions.CreateEphemeral(ctx, ev.Kind)
	content, runErr := sess.Run(ctx, ev.Prompt, nil)
	sess.Destroy(context.WithoutCancel(ctx))
	content = strings.TrimSpace(content)

	if runErr == nil && ev.SilenceMarker != "" && strings.Contains(content, ev.SilenceMarker) {
		outcome = "silenced"
		logger.Debug("trigger executor: silent result", "marker", ev.SilenceMarker)
		e.cfg.Bus.Publish(bus.TopicTriggerSilenced, bus.TriggerOutcome{EventID: ev.ID, Source: ev.Source, TaskID: taskID})
		return "", nil
	}
	if content == "" {
		outcome = "empty"
		return "", nil
	}
	if ev.ResultPrefix != "" {
		content = ev.ResultPrefix + "\n" + content
	}
	content = truncate(content, e.maxLen())

	if err := e.saveTranscript(ctx, ev, taskID, content); err != nil {
		logger.Warn("trigger executor: transcript not saved", "error", err)
	}

	var deliverErr error
	if ev.NotifyOwner {
		deliverErr = e.deliver(ctx, content)
		if deliverErr == nil {
			e.cfg.Bus.Publish(bus.TopicTriggerDelivered, bus.TriggerOutcome{
				EventID: ev.ID, Source: ev.Source, TaskID: taskID, Chars: utf8.RuneCountInString(content),
			})
		}
	}

	switch {
	case runErr != nil && deliverErr != nil:
		return content, fmt.Errorf("trigger %s: %w", ev.Source, errors.Join(runErr, deliverErr))
	case runErr != nil:
		return content, fmt.Errorf("trigger %s: %w", ev.Source, runErr)
	case deliverErr != nil:
		return content, fmt.Errorf("trigger %s: deliver: %w", ev.Source, deliverErr)
	}
	logger.Info("trigger executor: delivered", "chars", utf8.RuneCountInString(content))
	return content, nil
}

// deliver sends text to the owner and buffers it into the owner's live
// sessions so their next turn knows about it.
func (e *Executor) deliver(ctx context.Context, text string) error {
	if err := e.send(ctx, text); err != nil {
		return err
	}
	if e.cfg.Sessions != nil {
		for _, s := range e.cfg.Sessions.UserSessions(e.cfg.OwnerID) {
			s.ReceiveIncoming(ctx, backgroundOutputHeader+text)
		}
	}
	return nil
}

func (e *Executor) send(ctx context.Context, text string) error {
	if e.cfg.Transport == nil {
		return errors.New("no transport configured")
	}
	err := e.cfg.Transport.SendMessage(ctx, e.cfg.OwnerID, text)
	e.cfg.Metrics.AddDelivery(ctx, err == nil)
	return err
}

func (e *Executor) saveTranscript(ctx context.Context, ev Event, taskID, result string) error {
	if e.cfg.Transcripts == nil {
		return nil
	}
	return e.cfg.Transcripts.SaveTranscript(ctx, persistence.Transcript{
		EventID: ev.ID,
		TaskID:  taskID,
		Source:  ev.Source,
		Prompt:  ev.Prompt,
		Result:  result,
	}, e.cfg.TranscriptKeep)
}

func (e *Executor) maxLen() int {
	if e.cfg.Transport != nil {
		if n := e.cfg.Transport.MaxMessageLength(); n > 0 {
			return n
		}
	}
	return DefaultMaxMessageLength
}

// truncate caps s at limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}
