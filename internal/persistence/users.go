package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BanThreshold is the warning count at which a user is banned automatically.
const BanThreshold = 2

// ExternalUser is a non-owner who has talked to the bot.
type ExternalUser struct {
	UserID      int64     `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Warnings    int       `json:"warnings"`
	Banned      bool      `json:"banned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TouchUser records a user, updating the display name when given.
func (s *Store) TouchUser(ctx context.Context, userID int64, name string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO external_users (user_id, display_name, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name = '' THEN display_name ELSE excluded.display_name END,
				updated_at = excluded.updated_at;
		`, userID, name, formatTime(s.nowUTC()))
		return err
	})
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// GetUser returns the user or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID int64) (*ExternalUser, error) {
	var (
		u         ExternalUser
		banned    int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, warnings, banned, updated_at FROM external_users WHERE user_id = ?;
	`, userID).Scan(&u.UserID, &u.DisplayName, &u.Warnings, &banned, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Banned = banned != 0
	if u.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse user updated_at: %w", err)
	}
	return &u, nil
}

// FindUser resolves a numeric id, an @name or a display name, ignoring case.
func (s *Store) FindUser(ctx context.Context, query string) (*ExternalUser, error) {
	query = strings.TrimSpace(query)
	if id, err := strconv.ParseInt(query, 10, 64); err == nil {
		return s.GetUser(ctx, id)
	}
	name := strings.TrimPrefix(query, "@")
	if name == "" {
		return nil, fmt.Errorf("find user %q: %w", query, ErrNotFound)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM external_users WHERE LOWER(display_name) = LOWER(?) ORDER BY updated_at DESC LIMIT 1;
	`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find user %q: %w", query, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// IsBanned reports whether the user is banned. Unknown users are not.
func (s *Store) IsBanned(ctx context.Context, userID int64) (bool, error) {
	u, err := s.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Banned, nil
}

// Ban bans the user, creating the row if needed.
func (s *Store) Ban(ctx context.Context, userID int64) error {
	if err := s.TouchUser(ctx, userID, ""); err != nil {
		return err
	}
	return s.execOne(ctx, "ban user", fmt.Sprint(userID),
		`UPDATE external_users SET banned = 1, updated_at = ? WHERE user_id = ?;`, formatTime(s.nowUTC()), userID)
}

// Unban lifts a ban and resets the warning count.
func (s *Store) Unban(ctx context.Context, userID int64) error {
	return s.execOne(ctx, "unban user", fmt.Sprint(userID),
		`UPDATE external_users SET banned = 0, warnings = 0, updated_at = ? WHERE user_id = ?;`, formatTime(s.nowUTC()), userID)
}

// Warn adds a warning and bans the user once BanThreshold is reached. It
// returns the warning count and whether the user is now banned.
func (s *Store) Warn(ctx context.Context, userID int64) (int, bool, error) {
	if err := s.TouchUser(ctx, userID, ""); err != nil {
		return 0, false, err
	}
	if err := s.execOne(ctx, "warn user", fmt.Sprint(userID), `
		UPDATE external_users SET
			warnings = warnings + 1,
			banned = CASE WHEN warnings + 1 >= ? THEN 1 ELSE banned END,
			updated_at = ?
		WHERE user_id = ?;
	`, BanThreshold, formatTime(s.nowUTC()), userID); err != nil {
		return 0, false, err
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	return u.Warnings, u.Banned, nil
}
