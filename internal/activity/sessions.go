package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// StartSession records a new session. Starting an id that already exists
// reactivates it instead, so replayed SessionStart hooks are harmless.
func (s *Store) StartSession(ctx context.Context, id, agent, projectRoot string) (*Session, error) {
	ctx, span := tracer.Start(ctx, "activity.StartSession")
	defer span.End()

	ts := now()
	err := s.write(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, ended_at = NULL, last_activity_at = ?
			WHERE id = ?`,
			SessionActive, ts, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Debug("session reactivated", zap.String("session_id", id))
			return nil
		}
		_, err = db.ExecContext(ctx, `
			INSERT INTO sessions (id, agent, project_root, started_at, last_activity_at, status)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, agent, projectRoot, ts, ts, SessionActive)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, id)
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// EnsureSession creates a minimal session row if none exists. Hooks can
// arrive out of order; an activity must never be dropped for lack of a
// session.
func (s *Store) EnsureSession(ctx context.Context, id, agent, projectRoot string) error {
	ts := now()
	return s.write(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (id, agent, project_root, started_at, last_activity_at, status)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			id, agent, projectRoot, ts, ts, SessionActive)
		return err
	})
}

// TouchSession bumps last_activity_at and reactivates a completed
// session that received new activity.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET last_activity_at = ?, status = ?, ended_at = NULL
			WHERE id = ?`,
			now(), SessionActive, id)
		return err
	})
}

// EndSession marks a session completed and closes its open prompt batch.
// title and summary are optional; empty strings leave the columns alone.
func (s *Store) EndSession(ctx context.Context, id, title, summary string) error {
	ctx, span := tracer.Start(ctx, "activity.EndSession")
	defer span.End()

	ts := now()
	return s.write(ctx, func(db *sqlx.DB) error {
		if _, err := db.ExecContext(ctx, `
			UPDATE prompt_batches SET status = ?, ended_at = ?
			WHERE session_id = ? AND status = ?`,
			SessionCompleted, ts, id, SessionActive); err != nil {
			return err
		}

		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, ended_at = ?, last_activity_at = ?,
			    current_prompt_batch_id = NULL,
			    title = COALESCE(NULLIF(?, ''), title),
			    summary = COALESCE(NULLIF(?, ''), summary)
			WHERE id = ?`,
			SessionCompleted, ts, ts, title, summary, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SetSessionMeta fills in title and summary, typically after the
// summarization pass.
func (s *Store) SetSessionMeta(ctx context.Context, id, title, summary string) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions
			SET title = COALESCE(NULLIF(?, ''), title),
			    summary = COALESCE(NULLIF(?, ''), summary)
			WHERE id = ?`,
			title, summary, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// DeleteSession removes a session and, via foreign keys, its batches,
// activities and observations. Buffered activities for the session are
// discarded first so a later flush cannot resurrect it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "activity.DeleteSession")
	defer span.End()

	s.bufMu.Lock()
	kept := s.buffer[:0]
	for _, a := range s.buffer {
		if a.SessionID != id {
			kept = append(kept, a)
		}
	}
	s.buffer = kept
	s.bufMu.Unlock()

	return s.write(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListSessions returns sessions newest first. limit <= 0 means all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	q := `SELECT * FROM sessions ORDER BY last_activity_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	sessions := []Session{}
	if err := s.db.SelectContext(ctx, &sessions, q, args...); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionsNeedingSummary returns completed sessions that did real work
// but have no summary yet.
func (s *Store) SessionsNeedingSummary(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	sessions := []Session{}
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = ? AND prompt_count > 0
		  AND (summary IS NULL OR summary = '')
		ORDER BY ended_at ASC LIMIT ?`,
		SessionCompleted, limit)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// StaleSessions returns active sessions idle longer than timeout.
func (s *Store) StaleSessions(ctx context.Context, timeout time.Duration) ([]Session, error) {
	cutoff := now().Add(-timeout)
	sessions := []Session{}
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = ? AND last_activity_at < ?
		ORDER BY last_activity_at ASC`,
		SessionActive, cutoff)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// RecoverStale closes out sessions abandoned without a SessionEnd hook.
// Sessions that never saw a prompt are deleted; the rest are completed
// and returned for summarization.
func (s *Store) RecoverStale(ctx context.Context, timeout time.Duration) (recovered, deleted []string, err error) {
	ctx, span := tracer.Start(ctx, "activity.RecoverStale")
	defer span.End()

	stale, err := s.StaleSessions(ctx, timeout)
	if err != nil {
		return nil, nil, err
	}

	for _, sess := range stale {
		if sess.PromptCount == 0 {
			if err := s.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return recovered, deleted, err
			}
			deleted = append(deleted, sess.ID)
			continue
		}
		if err := s.EndSession(ctx, sess.ID, "", ""); err != nil && !errors.Is(err, ErrNotFound) {
			return recovered, deleted, err
		}
		recovered = append(recovered, sess.ID)
	}

	if len(recovered)+len(deleted) > 0 {
		s.logger.Info("recovered stale sessions",
			zap.Int("completed", len(recovered)),
			zap.Int("deleted", len(deleted)),
		)
	}
	return recovered, deleted, nil
}
