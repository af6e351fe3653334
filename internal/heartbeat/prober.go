// Package heartbeat implements the periodic prober: every interval the agent
// reviews open work and either stays silent or sends the owner a short
// proactive notice.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/session"
	"github.com/basket/go-butler/internal/triggers"
)

const (
	// OKMarker is the reply meaning nothing needs attention.
	OKMarker = "HEARTBEAT_OK"

	Source       = "heartbeat"
	resultPrefix = "💡"

	checklistFile = "HEARTBEAT.md"
	resultsFile   = "HEARTBEAT_RESULTS.md"
)

// TaskLister supplies the overdue tasks embedded in the probe prompt.
type TaskLister interface {
	ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, error)
}

// Config wires a Prober.
type Config struct {
	Executor triggers.Runner
	Tasks    TaskLister
	Interval time.Duration
	// Workspace holds HEARTBEAT.md and receives HEARTBEAT_RESULTS.md.
	Workspace string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Prober is the heartbeat trigger source.
type Prober struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes probes so TriggerNow never overlaps a scheduled probe.
	mu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewProber(cfg Config) *Prober {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{cfg: cfg, logger: logger}
}

// Enabled reports whether periodic probing is on.
func (p *Prober) Enabled() bool { return p.cfg.Interval > 0 }

// Start begins probing. The first probe comes one interval after Start. A
// zero interval leaves the prober idle; TriggerNow still works.
func (p *Prober) Start(ctx context.Context) error {
	if !p.Enabled() {
		p.logger.Info("heartbeat: disabled")
		return nil
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("heartbeat: started", "interval", p.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight probe to finish.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("heartbeat: stopped")
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.TriggerNow(ctx); err != nil {
				p.logger.Error("heartbeat: probe failed", "error", err)
			}
		}
	}
}

// TriggerNow probes synchronously and returns the delivered notice, or ""
// when the agent stayed silent.
func (p *Prober) TriggerNow(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ev := triggers.NewEvent(Source, p.Prompt(ctx))
	ev.SilenceMarker = OKMarker
	ev.ResultPrefix = resultPrefix
	ev.Kind = session.KindHeartbeat

	text, err := p.cfg.Executor.Execute(ctx, ev)
	if text == "" {
		p.logger.Debug("heartbeat: all quiet")
		return "", err
	}
	if aerr := p.appendResult(text); aerr != nil {
		p.logger.Warn("heartbeat: failed to record result", "error", aerr)
	}
	p.logger.Info("heartbeat: alert delivered", "chars", len(text))
	return text, err
}

// Prompt builds the probe instruction.
func (p *Prober) Prompt(ctx context.Context) string {
	var b strings.Builder
	b.WriteString("# Heartbeat Check\n\n")
	if p.Enabled() {
		fmt.Fprintf(&b, "This is an automatic check that runs every %d minutes.\n\n", int(p.cfg.Interval/time.Minute))
	} else {
		b.WriteString("This is a manually requested check.\n\n")
	}
	b.WriteString("## Your job\n\n")
	b.WriteString("1. Follow the checklist below, if there is one.\n")
	b.WriteString("2. Review open tasks with list_tasks, scheduled ones included.\n")
	b.WriteString("3. Decide whether anything needs the owner's attention now.\n\n")
	b.WriteString("## Rules\n\n")
	fmt.Fprintf(&b, "- If nothing matters, reply with exactly `%s` and nothing else.\n", OKMarker)
	b.WriteString("- Otherwise write one short message for the owner.\n")
	b.WriteString("- Do not repeat earlier reminders.\n")

	if checklist := p.readChecklist(); checklist != "" {
		fmt.Fprintf(&b, "\n## Checklist (%s)\n\n%s\n", checklistFile, checklist)
	}
	if overdue := p.overdueSummary(ctx); overdue != "" {
		fmt.Fprintf(&b, "\n## Overdue tasks\n\n%s", overdue)
	}
	return b.String()
}

func (p *Prober) readChecklist() string {
	if p.cfg.Workspace == "" {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(p.cfg.Workspace, checklistFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("heartbeat: failed to read checklist", "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (p *Prober) overdueSummary(ctx context.Context) string {
	if p.cfg.Tasks == nil {
		return ""
	}
	tasks, err := p.cfg.Tasks.ListTasks(ctx, persistence.TaskFilter{OverdueOnly: true, Limit: 20})
	if err != nil {
		p.logger.Warn("heartbeat: failed to list overdue tasks", "error", err)
		return ""
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s (deadline %s, %s)\n", t.ID, t.Title, t.Deadline.Format(time.RFC3339), t.Status)
	}
	return b.String()
}

func (p *Prober) appendResult(text string) error {
	if p.cfg.Workspace == "" {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(p.cfg.Workspace, resultsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "## %s\n\n%s\n\n", p.cfg.Now().Format("2006-01-02 15:04"), text)
	return err
}
