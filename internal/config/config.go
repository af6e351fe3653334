package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-butler/internal/otel"
)

// LLMConfig selects the model behind every session.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"` // openai_compatible only

	// MaxHistory is the number of messages kept per conversation.
	MaxHistory int `yaml:"max_history"`
	// MaxTurns bounds tool-call rounds within one agent turn.
	MaxTurns int `yaml:"max_turns"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// WSConfig is the local WebSocket transport.
type WSConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	WS       WSConfig       `yaml:"ws"`
}

// Session state backends.
const (
	StateSQLite = "sqlite"
	StateFile   = "file"
)

type SessionConfig struct {
	TimeoutMinutes int `yaml:"timeout_minutes"`
	MaxFollowUps   int `yaml:"max_follow_ups"`
	// StateBackend keeps session tokens and history in butler.db ("sqlite")
	// or as one file per key under <home>/sessions ("file").
	StateBackend string `yaml:"state_backend"`
}

type SchedulerConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	MaxAttempts      int `yaml:"max_attempts"`
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
}

type TriggersConfig struct {
	MaxSubscriptions int `yaml:"max_subscriptions"`
	// TranscriptKeep is how many background-run transcripts are retained.
	TranscriptKeep int `yaml:"transcript_keep"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// OwnerIDs are the chat ids with owner privileges. The first one receives
	// background deliveries.
	OwnerIDs []int64 `yaml:"owner_ids"`

	// Timezone is "auto" for the local zone, or an IANA name.
	Timezone string `yaml:"timezone"`

	// Workspace holds HEARTBEAT.md and HEARTBEAT_RESULTS.md.
	Workspace string `yaml:"workspace"`

	// HeartbeatIntervalMinutes of 0 disables the periodic probe.
	HeartbeatIntervalMinutes int `yaml:"heartbeat_interval_minutes"`

	LLM       LLMConfig       `yaml:"llm"`
	Session   SessionConfig   `yaml:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Triggers  TriggersConfig  `yaml:"triggers"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Telemetry otel.Config     `yaml:"telemetry"`

	// SOUL is the owner persona prompt from SOUL.md.
	SOUL string `yaml:"-"`
	// External is the prompt for non-owner users from EXTERNAL.md.
	External string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// IsOwner reports whether id is one of the configured owners.
func (c Config) IsOwner(id int64) bool {
	for _, o := range c.OwnerIDs {
		if o == id {
			return true
		}
	}
	return false
}

// PrimaryOwner is the chat that receives background deliveries, or 0.
func (c Config) PrimaryOwner() int64 {
	if len(c.OwnerIDs) == 0 {
		return 0
	}
	return c.OwnerIDs[0]
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" || strings.EqualFold(tz, "auto") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMinutes) * time.Minute
}

func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Scheduler.RetryBaseSeconds) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMinutes) * time.Minute
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DBPath returns the SQLite database path within the given home directory.
func DBPath(homeDir string) string {
	return filepath.Join(homeDir, "butler.db")
}

// SessionDir returns the directory of the file state backend.
func SessionDir(homeDir string) string {
	return filepath.Join(homeDir, "sessions")
}

// Fingerprint returns a stable hash of the settings that need a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "owners=%v|tz=%s|log=%s|provider=%s|model=%s|tg=%t|ws=%s|hb=%d|state=%s",
		c.OwnerIDs, c.Timezone, c.LogLevel, c.LLM.Provider, c.LLM.Model,
		c.Channels.Telegram.Enabled, c.Channels.WS.BindAddr, c.HeartbeatIntervalMinutes, c.Session.StateBackend)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		Timezone:                 "auto",
		HeartbeatIntervalMinutes: 30,
		LLM: LLMConfig{
			Provider:   "google",
			MaxHistory: 40,
			MaxTurns:   8,
		},
		Session:   SessionConfig{TimeoutMinutes: 120, MaxFollowUps: 10, StateBackend: StateSQLite},
		Scheduler: SchedulerConfig{IntervalSeconds: 30, MaxAttempts: 5, RetryBaseSeconds: 60},
		Triggers:  TriggersConfig{MaxSubscriptions: 20, TranscriptKeep: 100},
		Channels: ChannelsConfig{
			WS: WSConfig{BindAddr: "127.0.0.1:18789"},
		},
		Telemetry: otel.Config{Exporter: "stdout", ServiceName: "butler", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("BUTLER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".butler")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create butler home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	loadTextFiles(&cfg)
	normalize(&cfg)
	if _, err := cfg.Location(); err != nil {
		return cfg, err
	}
	switch cfg.Session.StateBackend {
	case StateSQLite, StateFile:
	default:
		return cfg, fmt.Errorf("session.state_backend %q: want %s or %s", cfg.Session.StateBackend, StateSQLite, StateFile)
	}
	return cfg, nil
}

// clamp returns def when v is unset, else v bounded to [lo, hi].
func clamp(v, def, lo, hi int) int {
	if v <= 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "auto"
	}
	if strings.TrimSpace(cfg.Workspace) == "" {
		cfg.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.HeartbeatIntervalMinutes < 0 {
		cfg.HeartbeatIntervalMinutes = 0
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "":
		cfg.LLM.Provider = "google"
	case "gemini":
		cfg.LLM.Provider = "google"
	}
	cfg.LLM.MaxHistory = clamp(cfg.LLM.MaxHistory, 40, 2, 500)
	cfg.LLM.MaxTurns = clamp(cfg.LLM.MaxTurns, 8, 1, 50)

	cfg.Session.TimeoutMinutes = clamp(cfg.Session.TimeoutMinutes, 120, 1, 24*60)
	cfg.Session.MaxFollowUps = clamp(cfg.Session.MaxFollowUps, 10, 1, 100)
	cfg.Session.StateBackend = strings.ToLower(strings.TrimSpace(cfg.Session.StateBackend))
	if cfg.Session.StateBackend == "" {
		cfg.Session.StateBackend = StateSQLite
	}

	cfg.Scheduler.IntervalSeconds = clamp(cfg.Scheduler.IntervalSeconds, 30, 5, 3600)
	cfg.Scheduler.MaxAttempts = clamp(cfg.Scheduler.MaxAttempts, 5, 1, 50)
	cfg.Scheduler.RetryBaseSeconds = clamp(cfg.Scheduler.RetryBaseSeconds, 60, 1, 3600)

	cfg.Triggers.MaxSubscriptions = clamp(cfg.Triggers.MaxSubscriptions, 20, 1, 500)
	cfg.Triggers.TranscriptKeep = clamp(cfg.Triggers.TranscriptKeep, 100, 1, 10000)

	if cfg.Channels.WS.BindAddr == "" {
		cfg.Channels.WS.BindAddr = "127.0.0.1:18789"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "butler"
	}
}

// parseIDs reads a comma separated list of chat ids.
func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("BUTLER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BUTLER_TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("BUTLER_OWNER_IDS"); raw != "" {
		ids, err := parseIDs(raw)
		if err != nil {
			return fmt.Errorf("BUTLER_OWNER_IDS: %w", err)
		}
		cfg.OwnerIDs = ids
	}
	if raw := os.Getenv("BUTLER_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("BUTLER_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("BUTLER_LLM_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("BUTLER_TIMEZONE"); raw != "" {
		cfg.Timezone = raw
	}
	if raw := os.Getenv("BUTLER_WS_TOKEN"); raw != "" {
		cfg.Channels.WS.AuthToken = raw
		cfg.Channels.WS.Enabled = true
	}
	if raw := os.Getenv("BUTLER_HEARTBEAT_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalMinutes = v
		}
	}
	return nil
}

// SoulPath and ExternalPath locate the prompt files in homeDir.
func SoulPath(homeDir string) string     { return filepath.Join(homeDir, "SOUL.md") }
func ExternalPath(homeDir string) string { return filepath.Join(homeDir, "EXTERNAL.md") }

// ReadSoul returns the trimmed contents of SOUL.md, or "" if absent.
func ReadSoul(homeDir string) string {
	b, err := os.ReadFile(SoulPath(homeDir))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func loadTextFiles(cfg *Config) {
	cfg.SOUL = ReadSoul(cfg.HomeDir)
	if b, err := os.ReadFile(ExternalPath(cfg.HomeDir)); err == nil {
		cfg.External = strings.TrimSpace(string(b))
	}
}
