package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-butler/internal/agent"
	"github.com/basket/go-butler/internal/bus"
	"github.com/basket/go-butler/internal/channels"
	"github.com/basket/go-butler/internal/config"
	"github.com/basket/go-butler/internal/cron"
	"github.com/basket/go-butler/internal/heartbeat"
	otelPkg "github.com/basket/go-butler/internal/otel"
	"github.com/basket/go-butler/internal/persistence"
	"github.com/basket/go-butler/internal/safety"
	"github.com/basket/go-butler/internal/session"
	"github.com/basket/go-butler/internal/telemetry"
	"github.com/basket/go-butler/internal/tools"
	"github.com/basket/go-butler/internal/triggers"
	"github.com/basket/go-butler/internal/watchers"
)

func serveCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the log file only")
	return cmd
}

// startupError carries the reason code of a failed startup phase.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(logger *slog.Logger, code string, err error) error {
	if logger != nil {
		logger.Error("startup failure", "reason_code", code, "error", err)
	}
	return &startupError{code: code, err: err}
}

func runServe(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fail(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fail(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if cfg.NeedsGenesis {
		if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), []byte(starterConfig), 0o644); err != nil {
			return fail(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		if cfg, err = config.Load(); err != nil {
			return fail(logger, "E_CONFIG_RELOAD", err)
		}
	}
	if len(cfg.OwnerIDs) == 0 {
		logger.Warn("no owner_ids configured; background results will only be logged")
	}
	loc, err := cfg.Location()
	if err != nil {
		return fail(logger, "E_TIMEZONE", err)
	}
	if err := ensureWorkspace(cfg.Workspace, logger); err != nil {
		return fail(logger, "E_WORKSPACE_CREATE", err)
	}

	eventBus := bus.New()

	// No-op when disabled.
	telemetryCfg := cfg.Telemetry
	telemetryCfg.ServiceVersion = Version
	otelProvider, err := otelPkg.Init(ctx, telemetryCfg)
	if err != nil {
		return fail(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fail(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		return fail(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	state, err := openState(cfg, store)
	if err != nil {
		return fail(logger, "E_STATE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "state_ready", "backend", cfg.Session.StateBackend)

	client := agent.NewGenkitClient(ctx, agent.GenkitConfig{
		Provider:   cfg.LLM.Provider,
		Model:      cfg.LLM.Model,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		MaxHistory: cfg.LLM.MaxHistory,
		MaxTurns:   cfg.LLM.MaxTurns,
	}, state, logger)

	sessions := session.NewRegistry(session.RegistryConfig{
		Client:      client,
		State:       state,
		Profiles:    profiles(cfg),
		IsOwner:     cfg.IsOwner,
		TaskContext: session.StoreTaskContext(store, logger),
		Options: session.Options{
			Timeout:      cfg.SessionTimeout(),
			MaxFollowUps: cfg.Session.MaxFollowUps,
			Logger:       logger,
			Metrics:      metrics,
			Tracer:       otelProvider.Tracer,
		},
	})

	// The prober is built after the executor, which needs the transport,
	// which needs the dispatcher.
	var prober *heartbeat.Prober
	dispatcher := channels.NewDispatcher(channels.DispatcherConfig{
		Sessions: sessions,
		Users:    store,
		Heartbeat: channels.HeartbeatFunc(func(ctx context.Context) (string, error) {
			return prober.TriggerNow(ctx)
		}),
		Guard:    safety.NewGuard(),
		IsOwner:  cfg.IsOwner,
		Location: loc,
		Logger:   logger,
	})

	var active []channels.Channel
	var telegram *channels.TelegramChannel
	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			telegram = channels.NewTelegramChannel(channels.TelegramConfig{
				Token:      tg.Token,
				OwnerIDs:   cfg.OwnerIDs,
				AllowedIDs: tg.AllowedIDs,
				Dispatcher: dispatcher,
				Bus:        eventBus,
				Logger:     logger,
			})
			active = append(active, telegram)
		}
	}
	var ws *channels.WSChannel
	if wc := cfg.Channels.WS; wc.Enabled {
		ws = channels.NewWSChannel(channels.WSConfig{
			Addr:         wc.BindAddr,
			AuthToken:    wc.AuthToken,
			AllowOrigins: wc.AllowOrigins,
			Dispatcher:   dispatcher,
			Logger:       logger,
		})
		active = append(active, ws)
	}

	var transport triggers.Deliverer = logTransport{logger: logger}
	switch {
	case telegram != nil:
		transport = telegram
	case ws != nil:
		transport = ws
	default:
		logger.Warn("no channel enabled; deliveries go to the log")
	}

	executor := triggers.NewExecutor(triggers.ExecutorConfig{
		Sessions:       sessions,
		Transport:      transport,
		Transcripts:    store,
		OwnerID:        cfg.PrimaryOwner(),
		TranscriptKeep: cfg.Triggers.TranscriptKeep,
		Bus:            eventBus,
		Metrics:        metrics,
		Tracer:         otelProvider.Tracer,
		Logger:         logger,
	})
	prober = heartbeat.NewProber(heartbeat.Config{
		Executor:  executor,
		Tasks:     store,
		Interval:  cfg.HeartbeatInterval(),
		Workspace: cfg.Workspace,
		Logger:    logger,
	})
	scheduler := cron.NewScheduler(cron.Config{
		Store:       store,
		Executor:    executor,
		Logger:      logger,
		Metrics:     metrics,
		Interval:    cfg.SchedulerInterval(),
		Location:    loc,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		RetryBase:   cfg.RetryBase(),
	})

	manager := triggers.NewManager(triggers.ManagerConfig{
		Store:            store,
		Runner:           executor,
		Transport:        transport,
		MaxSubscriptions: cfg.Triggers.MaxSubscriptions,
		Bus:              eventBus,
		Metrics:          metrics,
		Tracer:           otelProvider.Tracer,
		Logger:           logger,
	})
	manager.RegisterBuiltin("scheduler", scheduler)
	if prober.Enabled() {
		manager.RegisterBuiltin("heartbeat", prober)
	}
	if err := watchers.RegisterAll(manager, eventBus, logger); err != nil {
		return fail(logger, "E_TRIGGER_TYPES", err)
	}

	toolset := tools.NewRegistry(store, manager, loc, logger)
	toolset.Notify = transport
	toolset.OwnerID = cfg.PrimaryOwner()
	client.SetTools(toolset.RegisterAll(client.Genkit()))
	logger.Info("startup phase", "phase", "tools_registered", "tools", len(tools.OwnerTools))

	for _, ch := range active {
		if err := ch.Start(ctx); err != nil {
			return fail(logger, "E_CHANNEL_START", fmt.Errorf("%s: %w", ch.Name(), err))
		}
		logger.Info("channel started", "channel", ch.Name())
	}
	defer func() {
		for i := len(active) - 1; i >= 0; i-- {
			active[i].Stop()
		}
	}()

	if err := manager.StartAll(ctx); err != nil {
		return fail(logger, "E_TRIGGERS_START", err)
	}
	logger.Info("startup phase", "phase", "triggers_started", "types", manager.Types())

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		return fail(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(ctx, confWatcher, cfg, sessions, logger)

	logger.Info("startup phase", "phase", "ready")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first, then sources, then wait for in-flight executions.
	for i := len(active) - 1; i >= 0; i-- {
		active[i].Stop()
	}
	active = nil
	if err := manager.StopAll(); err != nil {
		logger.Warn("trigger shutdown", "error", err)
	}
	executor.Wait()
	confWatcher.Stop()
	logger.Info("shutdown complete")
	return nil
}

// watchConfig applies SOUL.md edits to owner sessions and flags config.yaml
// changes that need a restart. It returns when the watcher stops.
func watchConfig(ctx context.Context, w *config.Watcher, cfg config.Config, sessions *session.Registry, logger *slog.Logger) {
	fingerprint := cfg.Fingerprint()
	for ev := range w.Events() {
		if ev.IsSoul() {
			n := sessions.ReloadOwnerPrompt(ctx, ownerPrompt(config.ReadSoul(cfg.HomeDir)))
			logger.Info("SOUL.md hot-reloaded", "sessions_reset", n)
			continue
		}
		if filepath.Base(ev.Path) != "config.yaml" {
			continue
		}
		next, err := config.Load()
		if err != nil {
			logger.Error("config.yaml reload failed", "error", err)
			continue
		}
		if fp := next.Fingerprint(); fp != fingerprint {
			logger.Warn("config.yaml changed settings that need a restart", "fingerprint", fp)
			fingerprint = fp
		}
	}
}

func profiles(cfg config.Config) session.Profiles {
	external := cfg.External
	if external == "" {
		external = defaultExternalPrompt
	}
	return session.Profiles{
		OwnerPrompt:     ownerPrompt(cfg.SOUL),
		ExternalPrompt:  external,
		GroupPrompt:     groupPrompt,
		HeartbeatPrompt: heartbeatPrompt,
		BotFormatting:   botFormatting,
		OwnerTools:      tools.OwnerTools,
		ExternalTools:   tools.ExternalTools,
		HeartbeatTools:  tools.HeartbeatTools,
	}
}

// openState picks the store behind session tokens, buffers and history.
func openState(cfg config.Config, store *persistence.Store) (session.StateStore, error) {
	if cfg.Session.StateBackend != config.StateFile {
		return store, nil
	}
	fs, err := persistence.NewFileState(config.SessionDir(cfg.HomeDir))
	if err != nil {
		return nil, err
	}
	return fs, nil
}

func ownerPrompt(soul string) string {
	if soul == "" {
		return defaultOwnerPrompt
	}
	return soul
}

func ensureWorkspace(dir string, logger *slog.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "HEARTBEAT.md")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(defaultHeartbeat), 0o644); err != nil {
			logger.Warn("failed to create default HEARTBEAT.md", "error", err)
		}
	}
	return nil
}

// logTransport stands in for a chat transport when none is enabled.
type logTransport struct {
	logger *slog.Logger
}

func (t logTransport) SendMessage(_ context.Context, chatID int64, text string) error {
	t.logger.Info("delivery", "chat_id", chatID, "text", text)
	return nil
}

func (logTransport) MaxMessageLength() int { return channels.TelegramMaxMessage }
