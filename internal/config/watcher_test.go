package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-butler/internal/config"
)

func TestWatcher_DetectsSOULFileChange(t *testing.T) {
	homeDir := t.TempDir()

	soulPath := filepath.Join(homeDir, "SOUL.md")
	if err := os.WriteFile(soulPath, []byte("initial soul"), 0o644); err != nil {
		t.Fatalf("write initial soul: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Stop()

	// Retry the write at short intervals until the watcher produces an
	// event, since notification readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(soulPath, []byte("updated soul"), 0o644); err != nil {
		t.Fatalf("write updated soul: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if !ev.IsSoul() {
				t.Fatalf("expected SOUL.md event, got %s", ev.Path)
			}
			if got := config.ReadSoul(homeDir); got != "updated soul" {
				t.Fatalf("ReadSoul = %q", got)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(soulPath, []byte("updated soul"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for SOUL.md change event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFilesAndSeesNewConfig(t *testing.T) {
	homeDir := t.TempDir()

	w := config.NewWatcher(homeDir, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Stop()

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	write := func() {
		_ = os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644)
		_ = os.WriteFile(config.ConfigPath(homeDir), []byte("log_level: debug\n"), 0o644)
	}
	write()

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("unexpected event for %s", ev.Path)
			}
			return
		case <-writeTick.C:
			write()
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml event")
		}
	}
}

func TestWatcher_StopClosesEvents(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	w.Stop()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A buffered event may precede the close; drain once more.
			if _, ok := <-w.Events(); ok {
				t.Fatal("events channel still open after Stop")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed after Stop")
	}
}
