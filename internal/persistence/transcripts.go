package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Transcript records one trigger execution for later lookup.
type Transcript struct {
	EventID   string    `json:"event_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"timestamp"`
	Prompt    string    `json:"prompt"`
	Result    string    `json:"result"`
}

// SaveTranscript appends t and trims the log to the newest keep rows.
// keep <= 0 disables trimming.
func (s *Store) SaveTranscript(ctx context.Context, t Transcript, keep int) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.nowUTC()
	}
	var taskID any
	if t.TaskID != "" {
		taskID = t.TaskID
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transcript tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transcripts (event_id, task_id, source, created_at, prompt, result)
			VALUES (?, ?, ?, ?, ?, ?);
		`, t.EventID, taskID, t.Source, formatTime(t.CreatedAt), t.Prompt, t.Result); err != nil {
			return fmt.Errorf("insert transcript: %w", err)
		}
		if keep > 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM transcripts WHERE id NOT IN (
					SELECT id FROM transcripts ORDER BY id DESC LIMIT ?
				);
			`, keep); err != nil {
				return fmt.Errorf("trim transcripts: %w", err)
			}
		}
		return tx.Commit()
	})
}

// RecentTranscripts returns up to limit transcripts, newest first.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTranscripts(ctx, `ORDER BY id DESC LIMIT ?`, limit)
}

// TranscriptsForTask returns the transcripts recorded for a task, newest first.
func (s *Store) TranscriptsForTask(ctx context.Context, taskID string) ([]Transcript, error) {
	return s.queryTranscripts(ctx, `WHERE task_id = ? ORDER BY id DESC`, taskID)
}

func (s *Store) queryTranscripts(ctx context.Context, tail string, args ...any) ([]Transcript, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, source, created_at, prompt, result FROM transcripts `+tail+`;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	defer rows.Close()
	var out []Transcript
	for rows.Next() {
		var (
			t         Transcript
			taskID    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&t.EventID, &taskID, &t.Source, &createdAt, &t.Prompt, &t.Result); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		t.TaskID = taskID.String
		if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse transcript time: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcripts rows: %w", err)
	}
	return out, nil
}
