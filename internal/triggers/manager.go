package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-butler/internal/bus"
	"github.com/basket/go-butler/internal/otel"
	"github.com/basket/go-butler/internal/persistence"
)

// DefaultMaxSubscriptions caps active dynamic subscriptions.
const DefaultMaxSubscriptions = 20

// SubscriptionStore persists dynamic subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, triggerType string, cfg map[string]any, prompt string) (*persistence.Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]persistence.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]persistence.Subscription, error)
	CountActiveSubscriptions(ctx context.Context) (int, error)
	// FindActiveSubscription returns nil, nil when there is no match.
	FindActiveSubscription(ctx context.Context, triggerType string, cfg map[string]any) (*persistence.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) (bool, error)
	Close() error
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store            SubscriptionStore
	Runner           Runner
	Transport        Deliverer
	MaxSubscriptions int
	Bus              *bus.Bus
	Metrics          *otel.Metrics
	Tracer           trace.Tracer
	Logger           *slog.Logger
}

// SubscriptionInfo is a persisted subscription plus whether its source is
// running in this process.
type SubscriptionInfo struct {
	persistence.Subscription
	Running bool `json:"running"`
}

type triggerType struct {
	schema  *jsonschema.Schema
	factory Factory
}

type builtin struct {
	name    string
	source  Source
	started bool
}

// Manager owns builtin sources, the registry of dynamic trigger types and
// the running source of every active subscription.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	// subMu serializes Subscribe/Unsubscribe so the cap and duplicate checks
	// see a stable view of the store.
	subMu sync.Mutex

	mu       sync.Mutex
	builtins []*builtin
	types    map[string]triggerType
	dynamic  map[string]Source
	ctx      context.Context
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = DefaultMaxSubscriptions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		types:   make(map[string]triggerType),
		dynamic: make(map[string]Source),
		ctx:     context.Background(),
	}
}

// RegisterBuiltin adds an always-on source. Builtins start in registration
// order and stop in reverse.
func (m *Manager) RegisterBuiltin(name string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builtins = append(m.builtins, &builtin{name: name, source: src})
	m.logger.Debug("trigger manager: builtin registered", "name", name)
}

// RegisterType adds a dynamic trigger type. schemaJSON validates configs at
// subscribe time and must compile.
func (m *Manager) RegisterType(name, schemaJSON string, factory Factory) error {
	schema, err := compileSchema(name, schemaJSON)
	if err != nil {
		return fmt.Errorf("register trigger type %s: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[name] = triggerType{schema: schema, factory: factory}
	m.logger.Debug("trigger manager: type registered", "type", name)
	return nil
}

func compileSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Types returns the registered dynamic trigger type names, sorted.
func (m *Manager) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typeNamesLocked()
}

func (m *Manager) typeNamesLocked() []string {
	names := make([]string, 0, len(m.types))
	for n := range m.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartAll starts builtins, then one source per persisted active
// subscription. Failures are logged and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	builtins := append([]*builtin(nil), m.builtins...)
	m.mu.Unlock()

	for _, b := range builtins {
		if err := b.source.Start(ctx); err != nil {
			m.logger.Error("trigger manager: builtin failed to start", "name", b.name, "error", err)
			continue
		}
		m.mu.Lock()
		b.started = true
		m.mu.Unlock()
		m.logger.Info("trigger manager: builtin started", "name", b.name)
	}

	subs, err := m.cfg.Store.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := m.startSubscription(ctx, sub); err != nil {
			m.logger.Error("trigger manager: subscription failed to start",
				"subscription_id", sub.ID, "type", sub.TriggerType, "error", err)
		}
	}

	m.mu.Lock()
	nb, nd := len(m.builtins), len(m.dynamic)
	m.mu.Unlock()
	m.logger.Info("trigger manager: started", "builtins", nb, "dynamic", nd)
	return nil
}

// Subscribe validates, persists and starts a dynamic subscription. If the
// source cannot start, the row is removed again and a *StartError is
// returned.
func (m *Manager) Subscribe(ctx context.Context, typeName string, cfg map[string]any, prompt string) (sub *persistence.Subscription, err error) {
	ctx, span := otel.StartSpan(ctx, m.cfg.Tracer, "triggers.subscribe", otel.AttrTriggerKind.String(typeName))
	defer func() {
		if err != nil {
			m.cfg.Metrics.AddSubscribeReject(ctx, typeName, rejectReason(err))
		} else {
			span.SetAttributes(otel.AttrSubscriptionID.String(sub.ID))
		}
		otel.EndSpan(span, err)
	}()

	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidConfig)
	}

	m.mu.Lock()
	tt, ok := m.types[typeName]
	available := m.typeNamesLocked()
	m.mu.Unlock()
	if !ok {
		list := strings.Join(available, ", ")
		if list == "" {
			list = "none"
		}
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownTriggerType, typeName, list)
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	n, err := m.cfg.Store.CountActiveSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	if n >= m.cfg.MaxSubscriptions {
		return nil, fmt.Errorf("%w (%d); remove one with unsubscribe_trigger", ErrSubscriptionLimit, m.cfg.MaxSubscriptions)
	}

	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := validateConfig(tt.schema, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, typeName, err)
	}

	existing, err := m.cfg.Store.FindActiveSubscription(ctx, typeName, cfg)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s with this config already exists [%s]", ErrDuplicateSubscription, typeName, existing.ID)
	}

	sub, err = m.cfg.Store.CreateSubscription(ctx, typeName, cfg, prompt)
	if err != nil {
		return nil, err
	}
	if err := m.startSubscription(ctx, *sub); err != nil {
		if _, derr := m.cfg.Store.DeleteSubscription(context.WithoutCancel(ctx), sub.ID); derr != nil {
			m.logger.Error("trigger manager: rollback failed", "subscription_id", sub.ID, "error", derr)
		}
		return nil, err
	}

	m.cfg.Bus.Publish(bus.TopicTriggerSubscribed, bus.SubscriptionChanged{ID: sub.ID, TriggerType: typeName})
	m.logger.Info("trigger manager: subscribed", "subscription_id", sub.ID, "type", typeName)
	return sub, nil
}

func validateConfig(schema *jsonschema.Schema, cfg map[string]any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTriggerType):
		return "unknown_type"
	case errors.Is(err, ErrSubscriptionLimit):
		return "limit"
	case errors.Is(err, ErrDuplicateSubscription):
		return "duplicate"
	case errors.Is(err, ErrInvalidConfig):
		return "invalid_config"
	}
	var se *StartError
	if errors.As(err, &se) {
		return "start_failed"
	}
	return "store"
}

// startSubscription builds and starts the source of sub. Sources run under
// the manager's lifetime context, not the caller's.
func (m *Manager) startSubscription(ctx context.Context, sub persistence.Subscription) error {
	m.mu.Lock()
	tt, ok := m.types[sub.TriggerType]
	runCtx := m.ctx
	m.mu.Unlock()
	if !ok {
		return &StartError{Type: sub.TriggerType, Err: fmt.Errorf("%w: %s", ErrUnknownTriggerType, sub.TriggerType)}
	}

	src, err := tt.factory(m.cfg.Runner, m.cfg.Transport, sub.Config, sub.Prompt)
	if err != nil {
		return &StartError{Type: sub.TriggerType, Err: err}
	}
	if err := src.Start(runCtx); err != nil {
		return &StartError{Type: sub.TriggerType, Err: err}
	}

	m.mu.Lock()
	m.dynamic[sub.ID] = src
	m.mu.Unlock()
	m.logger.Info("trigger manager: dynamic source started", "subscription_id", sub.ID, "type", sub.TriggerType)
	return nil
}

// Unsubscribe stops the subscription's source and deletes its row. An
// unknown id reports false.
func (m *Manager) Unsubscribe(ctx context.Context, id string) (bool, error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	src, running := m.dynamic[id]
	delete(m.dynamic, id)
	m.mu.Unlock()
	if running {
		src.Stop()
	}

	deleted, err := m.cfg.Store.DeleteSubscription(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		m.cfg.Bus.Publish(bus.TopicTriggerUnsubscribed, bus.SubscriptionChanged{ID: id})
		m.logger.Info("trigger manager: unsubscribed", "subscription_id", id)
	}
	return deleted, nil
}

// List returns every persisted subscription with its running state.
func (m *Manager) List(ctx context.Context) ([]SubscriptionInfo, error) {
	subs, err := m.cfg.Store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		_, running := m.dynamic[s.ID]
		out = append(out, SubscriptionInfo{Subscription: s, Running: running})
	}
	return out, nil
}

// StopAll stops dynamic sources, then builtins in reverse order, then closes
// the store.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	dynamic := m.dynamic
	m.dynamic = make(map[string]Source)
	builtins := append([]*builtin(nil), m.builtins...)
	m.mu.Unlock()

	for id, src := range dynamic {
		m.logger.Debug("trigger manager: stopping dynamic source", "subscription_id", id)
		src.Stop()
	}
	for i := len(builtins) - 1; i >= 0; i-- {
		b := builtins[i]
		if !b.started {
			continue
		}
		b.source.Stop()
		b.started = false
		m.logger.Debug("trigger manager: builtin stopped", "name", b.name)
	}
	m.logger.Info("trigger manager: stopped")
	if m.cfg.Store == nil {
		return nil
	}
	return m.cfg.Store.Close()
}
