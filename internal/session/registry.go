package session

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/basket/go-butler/internal/agent"
)

// Kind selects the profile a session runs with.
type Kind string

const (
	KindOwner      Kind = "owner"
	KindUser       Kind = "user"
	KindGroup      Kind = "group"
	KindBackground Kind = "background"
	KindHeartbeat  Kind = "heartbeat"
	KindTask       Kind = "task"
)

// ChannelBot is the transport whose sessions get BotFormatting appended.
const ChannelBot = "bot"

// Profiles holds the prompts and tool sets behind each Kind.
// ExternalPrompt may reference {user_id}; GroupPrompt may reference
// {chat_id} and {chat_title}.
type Profiles struct {
	OwnerPrompt     string
	ExternalPrompt  string
	GroupPrompt     string
	HeartbeatPrompt string
	BotFormatting   string

	OwnerTools     []string
	ExternalTools  []string
	HeartbeatTools []string
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Client   agent.Client
	State    StateStore
	Profiles Profiles
	IsOwner  func(id int64) bool
	// TaskContext returns the preamble for an external user's sessions,
	// typically the tasks the owner assigned to them.
	TaskContext func(ctx context.Context, userID int64) string
	Options     Options
}

// Registry maps identity keys to live sessions.
type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger

	mu          sync.Mutex
	ownerPrompt string
	sessions    map[string]*Session
	tasks       map[string]*Session

	ephemeral atomic.Int64
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IsOwner == nil {
		cfg.IsOwner = func(int64) bool { return false }
	}
	logger := cfg.Options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:         cfg,
		logger:      logger,
		ownerPrompt: cfg.Profiles.OwnerPrompt,
		sessions:    make(map[string]*Session),
		tasks:       make(map[string]*Session),
	}
}

// UserKey is the session key of a direct conversation. An empty or
// "telethon" channel yields the bare id.
func UserKey(id int64, channel string) string {
	if channel == "" || channel == "telethon" {
		return strconv.FormatInt(id, 10)
	}
	return channel + ":" + strconv.FormatInt(id, 10)
}

// GroupKey is the session key of a group chat.
func GroupKey(chatID int64, channel string) string {
	return "group:" + channel + ":" + strconv.FormatInt(chatID, 10)
}

// TaskKey is the session key of a persistent task thread.
func TaskKey(taskID string) string {
	return "task_" + taskID
}

// ReloadOwnerPrompt installs a new owner prompt and resets the live
// sessions built on the old one: owner chats and task threads. It returns
// how many were reset.
func (r *Registry) ReloadOwnerPrompt(ctx context.Context, prompt string) int {
	r.mu.Lock()
	r.ownerPrompt = prompt
	var stale []*Session
	for key, s := range r.sessions {
		if s.kind == KindOwner {
			stale = append(stale, s)
			delete(r.sessions, key)
		}
	}
	for id, s := range r.tasks {
		stale = append(stale, s)
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Destroy(ctx)
	}
	r.logger.Info("session registry: owner prompt reloaded", "chars", len(prompt), "reset", len(stale))
	return len(stale)
}

// OwnerPrompt returns the current owner prompt.
func (r *Registry) OwnerPrompt() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerPrompt
}

// Get returns the session of user id on channel, creating it if needed.
func (r *Registry) Get(ctx context.Context, id int64, channel string) *Session {
	key := UserKey(id, channel)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s
	}

	owner := r.cfg.IsOwner(id)
	opts := r.cfg.Options
	opts.UserID = id
	var profile agent.Profile
	kind := KindUser
	if owner {
		kind = KindOwner
		profile = agent.Profile{Name: string(kind), SystemPrompt: r.ownerPrompt, Tools: r.cfg.Profiles.OwnerTools, Owner: true}
	} else {
		prompt := strings.ReplaceAll(r.cfg.Profiles.ExternalPrompt, "{user_id}", strconv.FormatInt(id, 10))
		profile = agent.Profile{Name: string(kind), SystemPrompt: prompt, Tools: r.cfg.Profiles.ExternalTools}
		if tc := r.cfg.TaskContext; tc != nil {
			opts.Preamble = func(ctx context.Context) string { return tc(ctx, id) }
		}
	}
	if channel == ChannelBot {
		profile.SystemPrompt += r.cfg.Profiles.BotFormatting
	}

	s := New(ctx, key, kind, profile, r.cfg.Client, r.cfg.State, opts)
	r.sessions[key] = s
	r.logger.Info("session registry: created session", "session", key, "owner", owner)
	return s
}

// GetGroup returns the session of a group chat, creating it if needed.
func (r *Registry) GetGroup(ctx context.Context, chatID int64, title, channel string) *Session {
	key := GroupKey(chatID, channel)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	prompt := strings.NewReplacer(
		"{chat_id}", strconv.FormatInt(chatID, 10),
		"{chat_title}", title,
	).Replace(r.cfg.Profiles.GroupPrompt)
	if channel == ChannelBot {
		prompt += r.cfg.Profiles.BotFormatting
	}
	// Groups have no single caller, so they get no tools.
	profile := agent.Profile{Name: string(KindGroup), SystemPrompt: prompt}
	s := New(ctx, key, KindGroup, profile, r.cfg.Client, r.cfg.State, r.cfg.Options)
	r.sessions[key] = s
	r.logger.Info("session registry: created group session", "session", key, "title", title)
	return s
}

// CreateEphemeral returns a fresh, unregistered session of kind background
// or heartbeat. Its key is negative and never reused within the process.
func (r *Registry) CreateEphemeral(ctx context.Context, kind Kind) *Session {
	n := r.ephemeral.Add(1)
	key := strconv.FormatInt(-(100 + n), 10)

	r.mu.Lock()
	profile := agent.Profile{Name: string(KindBackground), SystemPrompt: r.ownerPrompt, Tools: r.cfg.Profiles.OwnerTools, Owner: true}
	r.mu.Unlock()
	if kind == KindHeartbeat {
		profile = agent.Profile{Name: string(KindHeartbeat), SystemPrompt: r.cfg.Profiles.HeartbeatPrompt, Tools: r.cfg.Profiles.HeartbeatTools}
	} else {
		kind = KindBackground
	}
	r.logger.Debug("session registry: created ephemeral session", "session", key, "kind", string(kind))
	return New(ctx, key, kind, profile, r.cfg.Client, nil, r.cfg.Options)
}

// TaskSession returns the persistent thread of a task. An unknown task with
// a token is restored from it; an unknown task without one yields nil.
func (r *Registry) TaskSession(ctx context.Context, taskID, token string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.tasks[taskID]; ok {
		return s
	}
	if token == "" {
		return nil
	}
	profile := agent.Profile{Name: string(KindTask), SystemPrompt: r.ownerPrompt, Tools: r.cfg.Profiles.OwnerTools, Owner: true}
	s := New(ctx, TaskKey(taskID), KindTask, profile, r.cfg.Client, r.cfg.State, r.cfg.Options)
	s.saveToken(ctx, token)
	r.tasks[taskID] = s
	r.logger.Info("session registry: restored task session", "task_id", taskID)
	return s
}

// UserSessions returns every live session of user id across channels.
func (r *Registry) UserSessions(id int64) []*Session {
	suffix := strconv.FormatInt(id, 10)
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for key, s := range r.sessions {
		if key == suffix || (strings.HasSuffix(key, ":"+suffix) && !strings.HasPrefix(key, "group:")) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// Keys lists registered session keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset destroys and forgets the session under key. It reports whether one
// existed.
func (r *Registry) Reset(ctx context.Context, key string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return false
	}
	s.Destroy(ctx)
	r.logger.Info("session registry: reset session", "session", key)
	return true
}

// ResetUser resets every session of user id and returns how many there were.
func (r *Registry) ResetUser(ctx context.Context, id int64) int {
	n := 0
	for _, s := range r.UserSessions(id) {
		if r.Reset(ctx, s.key) {
			n++
		}
	}
	return n
}

// ResetGroup resets the session of a group chat.
func (r *Registry) ResetGroup(ctx context.Context, chatID int64, channel string) bool {
	return r.Reset(ctx, GroupKey(chatID, channel))
}

// ResetAll destroys every registered session, task threads included.
func (r *Registry) ResetAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions)+len(r.tasks))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	for _, s := range r.tasks {
		all = append(all, s)
	}
	r.sessions = make(map[string]*Session)
	r.tasks = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range all {
		s.Destroy(ctx)
	}
	r.logger.Info("session registry: all sessions reset", "count", len(all))
}
