package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-butler/internal/config"
	"github.com/basket/go-butler/internal/persistence"
)

const listTime = "2006-01-02 15:04"

// withStore opens the database of the configured home for a read-only
// command. The daemon may be running; SQLite WAL allows the concurrent read.
func withStore(ctx context.Context, fn func(ctx context.Context, cfg config.Config, store *persistence.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(ctx, cfg, store)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		tw.SetStyle(table.StyleColoredBright)
	} else {
		tw.SetStyle(table.StyleLight)
	}
	return tw
}

func tasksCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks and scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg config.Config, store *persistence.Store) error {
				tasks, err := store.ListTasks(ctx, persistence.TaskFilter{IncludeDone: all})
				if err != nil {
					return err
				}
				loc, err := cfg.Location()
				if err != nil {
					return err
				}
				renderTasks(cmd.OutOrStdout(), tasks, loc)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include done and cancelled tasks")
	return cmd
}

func renderTasks(w io.Writer, tasks []persistence.Task, loc *time.Location) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks")
		return
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Title", "Kind", "Status", "Assignee", "Due", "Repeat", "Attempts"})
	for _, t := range tasks {
		due := ""
		switch {
		case t.ScheduleAt != nil:
			due = t.ScheduleAt.In(loc).Format(listTime)
		case t.Deadline != nil:
			due = t.Deadline.In(loc).Format(listTime)
		}
		repeat := ""
		switch {
		case t.ScheduleCron != "":
			repeat = "cron " + t.ScheduleCron
		case t.ScheduleRepeat > 0:
			repeat = "every " + t.ScheduleRepeat.String()
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Kind, t.Status, t.AssigneeID, due, repeat, t.Attempts})
	}
	tw.Render()
}

func triggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triggers",
		Short: "List trigger subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg config.Config, store *persistence.Store) error {
				subs, err := store.ListSubscriptions(ctx)
				if err != nil {
					return err
				}
				loc, err := cfg.Location()
				if err != nil {
					return err
				}
				return renderSubscriptions(cmd.OutOrStdout(), subs, loc)
			})
		},
	}
}

func renderSubscriptions(w io.Writer, subs []persistence.Subscription, loc *time.Location) error {
	if len(subs) == 0 {
		fmt.Fprintln(w, "No subscriptions")
		return nil
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Type", "Config", "Prompt", "Active", "Created"})
	for _, s := range subs {
		canon, err := persistence.CanonicalConfig(s.Config)
		if err != nil {
			return err
		}
		tw.AppendRow(table.Row{s.ID, s.TriggerType, canon, clip(s.Prompt, 50), s.Active, s.CreatedAt.In(loc).Format(listTime)})
	}
	tw.Render()
	return nil
}

func transcriptsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "Show recent background executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, cfg config.Config, store *persistence.Store) error {
				ts, err := store.RecentTranscripts(ctx, limit)
				if err != nil {
					return err
				}
				loc, err := cfg.Location()
				if err != nil {
					return err
				}
				renderTranscripts(cmd.OutOrStdout(), ts, loc)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of transcripts")
	return cmd
}

func renderTranscripts(w io.Writer, ts []persistence.Transcript, loc *time.Location) {
	if len(ts) == 0 {
		fmt.Fprintln(w, "No transcripts")
		return
	}
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Time", "Source", "Task", "Prompt", "Result"})
	for _, t := range ts {
		tw.AppendRow(table.Row{t.CreatedAt.In(loc).Format(listTime), t.Source, t.TaskID, clip(t.Prompt, 40), clip(t.Result, 60)})
	}
	tw.Render()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
