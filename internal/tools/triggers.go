package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-butler/internal/persistence"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// SubscribeTriggerInput is the input for the subscribe_trigger tool.
type SubscribeTriggerInput struct {
	// TriggerType names a registered trigger type, e.g. "tg_channel".
	TriggerType string `json:"trigger_type"`
	// Config is the type's config as an object or a JSON string. A bare
	// "@name" is shorthand for {"channel": "@name"}.
	Config any `json:"config,omitempty"`
	// Prompt is the instruction run each time the trigger fires.
	Prompt string `json:"prompt"`
}

// UnsubscribeTriggerInput is the input for the unsubscribe_trigger tool.
type UnsubscribeTriggerInput struct {
	SubscriptionID string `json:"subscription_id"`
}

// parseTriggerConfig accepts a map, a JSON object string, or a channel name.
func parseTriggerConfig(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return map[string]any{}, nil
		}
		var cfg map[string]any
		if err := json.Unmarshal([]byte(s), &cfg); err == nil {
			if cfg == nil {
				cfg = map[string]any{}
			}
			return cfg, nil
		}
		if strings.HasPrefix(s, "@") || strings.HasPrefix(s, "-") {
			return map[string]any{"channel": s}, nil
		}
		return nil, fmt.Errorf("config is not a JSON object: %q", s)
	default:
		return nil, fmt.Errorf("unsupported config type %T", raw)
	}
}

func (r *Registry) subscribeTrigger(ctx context.Context, in SubscribeTriggerInput) (TextOutput, error) {
	typeName := strings.TrimSpace(in.TriggerType)
	if typeName == "" {
		return TextOutput{}, errors.New("trigger_type is required")
	}
	cfg, err := parseTriggerConfig(in.Config)
	if err != nil {
		return TextOutput{}, err
	}
	sub, err := r.Triggers.Subscribe(ctx, typeName, cfg, in.Prompt)
	if err != nil {
		r.Logger.Warn("tools: subscribe failed", "type", typeName, "error", err)
		return TextOutput{}, err
	}
	canon, _ := persistence.CanonicalConfig(sub.Config)
	return TextOutput{Text: fmt.Sprintf("Subscription [%s] created: %s %s", sub.ID, sub.TriggerType, canon)}, nil
}

func (r *Registry) unsubscribeTrigger(ctx context.Context, in UnsubscribeTriggerInput) (TextOutput, error) {
	id := strings.TrimSpace(in.SubscriptionID)
	if id == "" {
		return TextOutput{}, errors.New("subscription_id is required")
	}
	ok, err := r.Triggers.Unsubscribe(ctx, id)
	if err != nil {
		return TextOutput{}, err
	}
	if !ok {
		return TextOutput{}, fmt.Errorf("subscription [%s] not found", id)
	}
	return TextOutput{Text: fmt.Sprintf("Subscription [%s] removed", id)}, nil
}

func (r *Registry) listTriggers(ctx context.Context) (TextOutput, error) {
	subs, err := r.Triggers.List(ctx)
	if err != nil {
		return TextOutput{}, err
	}
	if len(subs) == 0 {
		return TextOutput{Text: "No active subscriptions"}, nil
	}
	lines := make([]string, 0, len(subs))
	for _, s := range subs {
		canon, _ := persistence.CanonicalConfig(s.Config)
		line := fmt.Sprintf("[%s] %s | %s | %s", s.ID, s.TriggerType, canon, truncate(s.Prompt, 50))
		if !s.Running {
			line += " (not running)"
		}
		lines = append(lines, line)
	}
	return TextOutput{Text: strings.Join(lines, "\n")}, nil
}

func registerTriggerTools(g *genkit.Genkit, r *Registry) []ai.ToolRef {
	subscribe := genkit.DefineTool(g, NameSubscribeTrigger,
		"Subscribe to an event source. The prompt runs each time the source fires. "+
			`Types: tg_channel {"channel": "@name"}, cron {"spec": "0 9 * * *", "timezone": "Europe/Berlin"}, `+
			`file_watch {"path": "/abs/path", "ops": ["write"]}.`,
		func(ctx *ai.ToolContext, input SubscribeTriggerInput) (TextOutput, error) {
			return r.subscribeTrigger(ctx.Context, input)
		},
	)
	unsubscribe := genkit.DefineTool(g, NameUnsubscribeTrigger,
		"Remove a trigger subscription by its ID.",
		func(ctx *ai.ToolContext, input UnsubscribeTriggerInput) (TextOutput, error) {
			return r.unsubscribeTrigger(ctx.Context, input)
		},
	)
	list := genkit.DefineTool(g, NameListTriggers,
		"List active trigger subscriptions.",
		func(ctx *ai.ToolContext, _ struct{}) (TextOutput, error) {
			return r.listTriggers(ctx.Context)
		},
	)
	return []ai.ToolRef{subscribe, unsubscribe, list}
}
