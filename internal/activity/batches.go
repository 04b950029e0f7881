package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// BeginPromptBatch opens a new prompt batch for a session, completing
// any batch still open. The new batch becomes the session's current
// batch and prompt_count advances.
func (s *Store) BeginPromptBatch(ctx context.Context, sessionID, userPrompt, sourceType string) (*PromptBatch, error) {
	ctx, span := tracer.Start(ctx, "activity.BeginPromptBatch")
	defer span.End()

	if sourceType == "" {
		sourceType = SourceUser
	}

	ts := now()
	var batchID int64
	err := s.write(ctx, func(db *sqlx.DB) error {
		if _, err := db.ExecContext(ctx, `
			UPDATE prompt_batches SET status = ?, ended_at = ?
			WHERE session_id = ? AND status = ?`,
			SessionCompleted, ts, sessionID, SessionActive); err != nil {
			return err
		}

		var next int
		if err := db.GetContext(ctx, &next, `
			SELECT COALESCE(MAX(prompt_number), 0) + 1
			FROM prompt_batches WHERE session_id = ?`, sessionID); err != nil {
			return err
		}

		res, err := db.ExecContext(ctx, `
			INSERT INTO prompt_batches (session_id, prompt_number, user_prompt, started_at, status, source_type)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, next, userPrompt, ts, SessionActive, sourceType)
		if err != nil {
			return err
		}
		batchID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		_, err = db.ExecContext(ctx, `
			UPDATE sessions
			SET prompt_count = prompt_count + 1,
			    current_prompt_batch_id = ?,
			    last_activity_at = ?, status = ?, ended_at = NULL
			WHERE id = ?`,
			batchID, ts, SessionActive, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetBatch(ctx, batchID)
}

// GetBatch fetches a prompt batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (*PromptBatch, error) {
	var b PromptBatch
	err := s.db.GetContext(ctx, &b, `SELECT * FROM prompt_batches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prompt batch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CurrentBatch returns the session's open batch, or ErrNotFound when no
// prompt is in flight.
func (s *Store) CurrentBatch(ctx context.Context, sessionID string) (*PromptBatch, error) {
	var b PromptBatch
	err := s.db.GetContext(ctx, &b, `
		SELECT pb.* FROM prompt_batches pb
		JOIN sessions s ON s.current_prompt_batch_id = pb.id
		WHERE s.id = ? AND pb.status = ?`,
		sessionID, SessionActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no open batch for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBatches returns a session's batches in prompt order.
func (s *Store) ListBatches(ctx context.Context, sessionID string) ([]PromptBatch, error) {
	batches := []PromptBatch{}
	err := s.db.SelectContext(ctx, &batches, `
		SELECT * FROM prompt_batches
		WHERE session_id = ?
		ORDER BY prompt_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// SetClassification stores the intent classification for a batch.
func (s *Store) SetClassification(ctx context.Context, batchID int64, classification string) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE prompt_batches SET classification = ? WHERE id = ?`,
			classification, batchID)
		return err
	})
}

// AttachPlan records plan content (and its source file, when known) on a
// batch and resets the embedded flag so the background processor picks
// it up.
func (s *Store) AttachPlan(ctx context.Context, batchID int64, filePath, content string) error {
	ctx, span := tracer.Start(ctx, "activity.AttachPlan")
	defer span.End()

	return s.write(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE prompt_batches
			SET plan_file_path = NULLIF(?, ''), plan_content = ?, plan_embedded = 0
			WHERE id = ?`,
			filePath, content, batchID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("prompt batch %d: %w", batchID, ErrNotFound)
		}
		return nil
	})
}

// BatchesNeedingPlanEmbedding returns batches whose plan content has not
// been written to the vector store yet.
func (s *Store) BatchesNeedingPlanEmbedding(ctx context.Context, limit int) ([]PromptBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	batches := []PromptBatch{}
	err := s.db.SelectContext(ctx, &batches, `
		SELECT * FROM prompt_batches
		WHERE plan_content IS NOT NULL AND plan_content != '' AND plan_embedded = 0
		ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// ListPlans returns batches carrying plan content, newest first.
func (s *Store) ListPlans(ctx context.Context, sessionID string, limit, offset int) ([]PromptBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT * FROM prompt_batches
		WHERE plan_content IS NOT NULL AND plan_content != ''`
	args := []any{}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	batches := []PromptBatch{}
	if err := s.db.SelectContext(ctx, &batches, q, args...); err != nil {
		return nil, err
	}
	return batches, nil
}

// BatchesNeedingClassification returns completed, unclassified batches
// that ended before cutoff.
func (s *Store) BatchesNeedingClassification(ctx context.Context, cutoff time.Time, limit int) ([]PromptBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	batches := []PromptBatch{}
	err := s.db.SelectContext(ctx, &batches, `
		SELECT * FROM prompt_batches
		WHERE status = ? AND classification IS NULL AND ended_at < ?
		ORDER BY id ASC LIMIT ?`,
		SessionCompleted, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// MarkPlanEmbedded flips the embedded flag after a successful vector
// write.
func (s *Store) MarkPlanEmbedded(ctx context.Context, batchID int64) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE prompt_batches SET plan_embedded = 1 WHERE id = ?`, batchID)
		return err
	})
}

// MarkPlanUnembedded clears the embedded flag after the plan vector is
// deleted. The batch row stays; a batch with plan content and a cleared
// flag is picked up again by BatchesNeedingPlanEmbedding.
func (s *Store) MarkPlanUnembedded(ctx context.Context, batchID int64) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE prompt_batches SET plan_embedded = 0 WHERE id = ?`, batchID)
		return err
	})
}
