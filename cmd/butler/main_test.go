package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-butler/internal/config"
	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/tools"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "butler")
	t.Setenv("BUTLER_HOME", home)
	t.Setenv("BUTLER_TIMEZONE", "UTC")
	t.Setenv("BUTLER_OWNER_IDS", "")
	return home
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("butler %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func seedStore(t *testing.T, home string, fn func(ctx context.Context, s *persistence.Store)) {
	t.Helper()
	store, err := persistence.Open(config.DBPath(home), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	fn(context.Background(), store)
}

func TestVersionCommand(t *testing.T) {
	out := runCLI(t, "version")
	if strings.TrimSpace(out) != "butler "+Version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestTasksCommand(t *testing.T) {
	home := setHome(t)
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	seedStore(t, home, func(ctx context.Context, s *persistence.Store) {
		if _, err := s.CreateTask(ctx, persistence.Task{
			Title:        "Water the plants",
			Kind:         persistence.KindScheduled,
			ScheduleAt:   &at,
			ScheduleCron: "0 9 * * *",
		}); err != nil {
			t.Fatalf("create task: %v", err)
		}
		done, err := s.CreateTask(ctx, persistence.Task{Title: "Old errand"})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if _, err := s.CancelTask(ctx, done.ID); err != nil {
			t.Fatalf("cancel task: %v", err)
		}
	})

	out := runCLI(t, "tasks")
	for _, want := range []string{"Water the plants", "2026-10-18 09:00", "cron 0 9 * * *", "scheduled"} {
		if !strings.Contains(out, want) {
			t.Fatalf("tasks output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Old errand") {
		t.Fatalf("cancelled task listed without --all:\n%s", out)
	}

	if out := runCLI(t, "tasks", "--all"); !strings.Contains(out, "Old errand") {
		t.Fatalf("--all output missing cancelled task:\n%s", out)
	}
}

func TestTriggersCommand(t *testing.T) {
	home := setHome(t)
	if out := runCLI(t, "triggers"); !strings.Contains(out, "No subscriptions") {
		t.Fatalf("unexpected empty output %q", out)
	}

	seedStore(t, home, func(ctx context.Context, s *persistence.Store) {
		if _, err := s.CreateSubscription(ctx, "tg_channel", map[string]any{"channel": "@news"}, "summarize it"); err != nil {
			t.Fatalf("create subscription: %v", err)
		}
	})
	out := runCLI(t, "triggers")
	for _, want := range []string{"tg_channel", `{"channel":"@news"}`, "summarize it"} {
		if !strings.Contains(out, want) {
			t.Fatalf("triggers output missing %q:\n%s", want, out)
		}
	}
}

func TestTranscriptsCommand(t *testing.T) {
	home := setHome(t)
	if out := runCLI(t, "transcripts"); !strings.Contains(out, "No transcripts") {
		t.Fatalf("unexpected empty output %q", out)
	}

	seedStore(t, home, func(ctx context.Context, s *persistence.Store) {
		if err := s.SaveTranscript(ctx, persistence.Transcript{
			EventID: "ev-1",
			Source:  "cron",
			Prompt:  "check the weather",
			Result:  "Sunny all day",
		}, 10); err != nil {
			t.Fatalf("save transcript: %v", err)
		}
	})
	out := runCLI(t, "transcripts", "-n", "5")
	for _, want := range []string{"cron", "check the weather", "Sunny all day"} {
		if !strings.Contains(out, want) {
			t.Fatalf("transcripts output missing %q:\n%s", want, out)
		}
	}
}

func TestProfiles_FallBackToDefaults(t *testing.T) {
	p := profiles(config.Config{})
	if p.OwnerPrompt != defaultOwnerPrompt || p.ExternalPrompt != defaultExternalPrompt {
		t.Fatal("expected default prompts without SOUL.md and EXTERNAL.md")
	}
	if !slices.Equal(p.ExternalTools, []string{tools.NameGetMyTasks, tools.NameUpdateTask}) {
		t.Fatalf("external sessions get their task tools only, got %v", p.ExternalTools)
	}

	p = profiles(config.Config{SOUL: "soul", External: "external"})
	if p.OwnerPrompt != "soul" || p.ExternalPrompt != "external" {
		t.Fatalf("unexpected prompts %q %q", p.OwnerPrompt, p.ExternalPrompt)
	}
}

func TestOpenState_SelectsBackend(t *testing.T) {
	home := t.TempDir()
	store, err := persistence.Open(filepath.Join(home, "butler.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := config.Config{HomeDir: home, Session: config.SessionConfig{StateBackend: config.StateSQLite}}
	state, err := openState(cfg, store)
	if err != nil || state != store {
		t.Fatalf("sqlite backend: state=%T err=%v", state, err)
	}

	cfg.Session.StateBackend = config.StateFile
	state, err = openState(cfg, store)
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	if _, ok := state.(*persistence.FileState); !ok {
		t.Fatalf("file backend returned %T", state)
	}
	ctx := context.Background()
	if err := state.SaveState(ctx, "token:1", []byte("tok")); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(config.SessionDir(home))
	if err != nil || len(entries) != 1 {
		t.Fatalf("session dir entries=%d err=%v", len(entries), err)
	}
}

func TestEnsureWorkspace_WritesChecklistOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workspace")
	if err := ensureWorkspace(dir, nil); err != nil {
		t.Fatalf("ensureWorkspace: %v", err)
	}
	path := filepath.Join(dir, "HEARTBEAT.md")
	if err := os.WriteFile(path, []byte("custom"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ensureWorkspace(dir, nil); err != nil {
		t.Fatalf("ensureWorkspace: %v", err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "custom" {
		t.Fatalf("existing checklist overwritten: %q", b)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nBUTLER_TEST_A=\"quoted\"\nBUTLER_TEST_B=kept\n=skip\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BUTLER_TEST_A", "")
	t.Setenv("BUTLER_TEST_B", "from-env")

	loadDotEnv(path)

	if got := os.Getenv("BUTLER_TEST_A"); got != "quoted" {
		t.Fatalf("BUTLER_TEST_A = %q", got)
	}
	if got := os.Getenv("BUTLER_TEST_B"); got != "from-env" {
		t.Fatalf("BUTLER_TEST_B = %q, environment must win", got)
	}
}

func TestClip(t *testing.T) {
	if got := clip("héllo", 10); got != "héllo" {
		t.Fatalf("clip short = %q", got)
	}
	if got := clip("héllo wörld", 5); got != "héllo..." {
		t.Fatalf("clip long = %q", got)
	}
}
