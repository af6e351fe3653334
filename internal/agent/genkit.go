package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/google/uuid"
)

const (
	defaultMaxHistory = 40
	defaultMaxTurns   = 5

	fallbackReply = "I can answer with full LLM reasoning after an API key is configured."
)

// ErrConnClosed is returned by Query on a closed connection.
var ErrConnClosed = errors.New("agent: connection closed")

// HistoryStore persists conversation history between process restarts.
type HistoryStore interface {
	LoadState(ctx context.Context, key string) ([]byte, bool, error)
	SaveState(ctx context.Context, key string, value []byte) error
	ClearState(ctx context.Context, key string) error
}

// GenkitConfig selects the LLM provider backing GenkitClient.
type GenkitConfig struct {
	Provider   string // google (default), anthropic, openai, openai_compatible
	Model      string
	APIKey     string
	BaseURL    string // openai_compatible only
	MaxHistory int    // messages kept per token
	MaxTurns   int    // tool-call rounds per turn
}

// GenkitClient is a Client backed by Genkit. Conversation history for each
// continuation token lives in a HistoryStore under "history:<token>".
type GenkitClient struct {
	g       *genkit.Genkit
	llmOn   bool
	model   string
	history HistoryStore
	cfg     GenkitConfig
	logger  *slog.Logger

	toolsMu sync.RWMutex
	tools   map[string]ai.ToolRef
}

// NewGenkitClient initializes Genkit with the configured provider. Without an
// API key the client still works but answers with a fixed notice.
func NewGenkitClient(ctx context.Context, cfg GenkitConfig, history HistoryStore, logger *slog.Logger) *GenkitClient {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	c := &GenkitClient{
		history: history,
		cfg:     cfg,
		logger:  logger,
		model:   modelNameForProvider(provider, cfg.Model),
		tools:   make(map[string]ai.ToolRef),
	}

	switch provider {
	case "anthropic":
		if apiKey != "" {
			c.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: os.Getenv("ANTHROPIC_BASE_URL")}))
		}
	case "openai":
		if apiKey != "" {
			c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: os.Getenv("OPENAI_BASE_URL")}))
		}
	case "openai_compatible":
		if apiKey != "" {
			c.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "compat", APIKey: apiKey, BaseURL: cfg.BaseURL}))
		}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			c.g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		}
	default:
		logger.Warn("agent: unknown LLM provider, using fallback replies", "provider", provider)
	}

	if c.g != nil {
		c.llmOn = true
		logger.Info("agent: genkit initialized", "provider", provider, "model", c.model)
	} else {
		c.g = genkit.Init(ctx)
		logger.Warn("agent: API key missing, using fallback replies", "provider", provider)
	}
	return c
}

// Genkit exposes the underlying instance so tools can be defined on it.
func (c *GenkitClient) Genkit() *genkit.Genkit {
	return c.g
}

// SetTools replaces the tool set that profiles select from by name.
func (c *GenkitClient) SetTools(refs []ai.ToolRef) {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	c.tools = make(map[string]ai.ToolRef, len(refs))
	for _, ref := range refs {
		c.tools[ref.Name()] = ref
	}
}

func (c *GenkitClient) toolsFor(p Profile) []ai.ToolRef {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	var out []ai.ToolRef
	for _, name := range p.Tools {
		if ref, ok := c.tools[name]; ok {
			out = append(out, ref)
		}
	}
	return out
}

// Connect opens a connection. A fresh token is minted when token is empty.
func (c *GenkitClient) Connect(_ context.Context, profile Profile, token string) (Conn, error) {
	if token == "" {
		token = uuid.NewString()
	}
	return &genkitConn{client: c, profile: profile, token: token, tools: c.toolsFor(profile)}, nil
}

// Forget drops the stored history of token.
func (c *GenkitClient) Forget(ctx context.Context, token string) error {
	if c.history == nil || token == "" {
		return nil
	}
	return c.history.ClearState(ctx, historyKey(token))
}

type genkitConn struct {
	client  *GenkitClient
	profile Profile
	token   string
	tools   []ai.ToolRef
	closed  atomic.Bool
}

func (c *genkitConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *genkitConn) Query(ctx context.Context, prompt string, stop *Interrupt) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if c.closed.Load() {
			yield(Event{}, ErrConnClosed)
			return
		}
		history, err := c.client.loadHistory(ctx, c.token)
		if err != nil {
			c.client.logger.Warn("agent: failed to load history", "error", err)
		}

		var reply string
		if c.client.llmOn {
			var ok bool
			reply, ok = c.generate(ctx, prompt, history, stop, yield)
			if !ok {
				return
			}
		} else {
			reply = fallbackReply
		}

		history = append(history, historyEntry{Role: "user", Text: prompt})
		if reply != "" {
			history = append(history, historyEntry{Role: "model", Text: reply})
		}
		if err := c.client.saveHistory(ctx, c.token, history); err != nil {
			c.client.logger.Warn("agent: failed to save history", "error", err)
		}

		if reply != "" && !yield(Event{Kind: EventText, Text: reply}, nil) {
			return
		}
		yield(Event{Kind: EventResult, Token: c.token}, nil)
	}
}

// generate runs one streamed generation. It returns false when the stream
// failed or the consumer stopped iterating.
func (c *genkitConn) generate(ctx context.Context, prompt string, history []historyEntry, stop *Interrupt, yield func(Event, error) bool) (string, bool) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop.Done():
			cancel()
		case <-turnCtx.Done():
		}
	}()

	opts := []ai.GenerateOption{
		ai.WithModelName(c.client.model),
		ai.WithPrompt(prompt),
	}
	if sp := strings.TrimSpace(c.profile.SystemPrompt); sp != "" {
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(sp, "%", "%%")))
	}
	if msgs := historyToMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if len(c.tools) > 0 {
		opts = append(opts, ai.WithTools(c.tools...), ai.WithMaxTurns(c.client.cfg.MaxTurns))
	}

	var streamed strings.Builder
	var final string
	for val, err := range genkit.GenerateStream(turnCtx, c.client.g, opts...) {
		if stop.Fired() {
			break
		}
		if err != nil {
			yield(Event{}, fmt.Errorf("agent stream: %w", err))
			return "", false
		}
		if val.Chunk != nil {
			for _, part := range val.Chunk.Content {
				switch {
				case part.Kind == ai.PartText:
					streamed.WriteString(part.Text)
				case part.Kind == ai.PartToolRequest && part.ToolRequest != nil:
					if !yield(Event{Kind: EventTool, Tool: part.ToolRequest.Name}, nil) {
						return "", false
					}
				}
			}
		}
		if val.Done && val.Response != nil {
			final = val.Response.Text()
		}
	}
	if streamed.Len() > 0 {
		return streamed.String(), true
	}
	return final, true
}

type historyEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func historyKey(token string) string {
	return "history:" + token
}

func (c *GenkitClient) loadHistory(ctx context.Context, token string) ([]historyEntry, error) {
	if c.history == nil {
		return nil, nil
	}
	raw, ok, err := c.history.LoadState(ctx, historyKey(token))
	if err != nil || !ok {
		return nil, err
	}
	var out []historyEntry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return out, nil
}

func (c *GenkitClient) saveHistory(ctx context.Context, token string, entries []historyEntry) error {
	if c.history == nil {
		return nil
	}
	entries = trimHistory(entries, c.cfg.MaxHistory)
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return c.history.SaveState(ctx, historyKey(token), raw)
}

// trimHistory keeps the newest max entries, never starting on a model reply.
func trimHistory(entries []historyEntry, max int) []historyEntry {
	if max <= 0 || len(entries) <= max {
		return entries
	}
	entries = entries[len(entries)-max:]
	for len(entries) > 0 && entries[0].Role != "user" {
		entries = entries[1:]
	}
	return entries
}

func historyToMessages(entries []historyEntry) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(entries))
	for _, e := range entries {
		role := ai.RoleUser
		if e.Role == "model" {
			role = ai.RoleModel
		}
		msgs = append(msgs, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(e.Text)}})
	}
	return msgs
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}
