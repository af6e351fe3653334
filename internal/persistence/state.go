package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KVSet upserts a value in the kv_store.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// KVDelete removes a key. Missing keys are not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// LoadState returns the stored value for key. ok is false when absent.
func (s *Store) LoadState(ctx context.Context, key string) ([]byte, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load state %s: %w", key, err)
	}
	return []byte(val), true, nil
}

// SaveState stores value under key, replacing any previous value.
func (s *Store) SaveState(ctx context.Context, key string, value []byte) error {
	return s.KVSet(ctx, key, string(value))
}

// ClearState deletes key.
func (s *Store) ClearState(ctx context.Context, key string) error {
	return s.KVDelete(ctx, key)
}
