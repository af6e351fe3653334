package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Subscription is a persisted dynamic trigger.
type Subscription struct {
	ID          string         `json:"id"`
	TriggerType string         `json:"trigger_type"`
	Config      map[string]any `json:"config"`
	Prompt      string         `json:"prompt"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CanonicalConfig encodes a trigger config as JSON with sorted keys, so two
// equal maps always produce the same string.
func CanonicalConfig(cfg map[string]any) (string, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode trigger config: %w", err)
	}
	return string(raw), nil
}

// CreateSubscription persists a new active subscription.
func (s *Store) CreateSubscription(ctx context.Context, triggerType string, cfg map[string]any, prompt string) (*Subscription, error) {
	raw, err := CanonicalConfig(cfg)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:          newShortID(),
		TriggerType: triggerType,
		Prompt:      prompt,
		Active:      true,
		CreatedAt:   s.nowUTC(),
	}
	if err := json.Unmarshal([]byte(raw), &sub.Config); err != nil {
		return nil, fmt.Errorf("decode trigger config: %w", err)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO trigger_subscriptions (id, trigger_type, config, prompt, active, created_at)
			VALUES (?, ?, ?, ?, 1, ?);
		`, sub.ID, triggerType, raw, prompt, formatTime(sub.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription returns the subscription with id, or ErrNotFound.
func (s *Store) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	subs, err := s.querySubscriptions(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("get subscription %s: %w", id, ErrNotFound)
	}
	return &subs[0], nil
}

// ListActiveSubscriptions returns active subscriptions, oldest first.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `WHERE active = 1`)
}

// ListSubscriptions returns every subscription, oldest first.
func (s *Store) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx, ``)
}

// CountActiveSubscriptions returns the number of active rows.
func (s *Store) CountActiveSubscriptions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trigger_subscriptions WHERE active = 1;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// FindActiveSubscription returns the active subscription with the same type
// and canonical config, or nil.
func (s *Store) FindActiveSubscription(ctx context.Context, triggerType string, cfg map[string]any) (*Subscription, error) {
	raw, err := CanonicalConfig(cfg)
	if err != nil {
		return nil, err
	}
	subs, err := s.querySubscriptions(ctx, `WHERE active = 1 AND trigger_type = ? AND config = ?`, triggerType, raw)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

// DeleteSubscription removes the row and reports whether it existed.
func (s *Store) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	var res sql.Result
	err := retryOnBusy(ctx, busyRetries, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `DELETE FROM trigger_subscriptions WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetSubscriptionActive toggles whether the subscription is loaded on start.
func (s *Store) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, "set subscription active", id,
		`UPDATE trigger_subscriptions SET active = ? WHERE id = ?;`, boolToInt(active), id)
}

func (s *Store) querySubscriptions(ctx context.Context, where string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_type, config, prompt, active, created_at
		FROM trigger_subscriptions `+where+` ORDER BY created_at ASC, id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var (
			sub       Subscription
			raw       string
			active    int
			createdAt string
		)
		if err := rows.Scan(&sub.ID, &sub.TriggerType, &raw, &sub.Prompt, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &sub.Config); err != nil {
			return nil, fmt.Errorf("decode subscription %s config: %w", sub.ID, err)
		}
		if sub.Config == nil {
			sub.Config = map[string]any{}
		}
		sub.Active = active != 0
		if sub.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse subscription created_at: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscriptions rows: %w", err)
	}
	return out, nil
}
