package activity

import (
	"context"

	"go.uber.org/zap"
)

// RecordActivity buffers one tool activity for asynchronous flushing.
// Hook handlers must return fast, so nothing touches SQLite here. When
// the buffer is full the oldest entry is dropped.
func (s *Store) RecordActivity(a Activity) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}

	s.bufMu.Lock()
	if len(s.buffer) >= activityBufferMax {
		copy(s.buffer, s.buffer[1:])
		s.buffer = s.buffer[:len(s.buffer)-1]
		s.logger.Warn("activity buffer full, dropping oldest")
	}
	s.buffer = append(s.buffer, a)
	n := len(s.buffer)
	s.bufMu.Unlock()

	if n >= flushBatchSize {
		go func() {
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("activity flush failed", zap.Error(err))
			}
		}()
	}
}

// Flush writes buffered activities to disk in groups of flushBatchSize.
// Duplicate tool_use_ids are skipped by the partial unique index, and
// batch and session counters advance only for rows actually inserted.
func (s *Store) Flush(ctx context.Context) error {
	s.bufMu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.bufMu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "activity.Flush")
	defer span.End()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for start := 0; start < len(pending); start += flushBatchSize {
		end := start + flushBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := s.flushGroup(ctx, pending[start:end]); err != nil {
			// Re-buffer what did not make it to disk.
			s.bufMu.Lock()
			s.buffer = append(pending[start:], s.buffer...)
			s.bufMu.Unlock()
			return mapSQLiteErr(err)
		}
	}
	s.invalidateStats()
	return nil
}

func (s *Store) flushGroup(ctx context.Context, group []Activity) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inserted := 0
	for _, a := range group {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO activities
				(session_id, prompt_batch_id, tool_use_id, tool_name, tool_input,
				 tool_output_summary, file_path, success, error_message, created_at)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`,
			a.SessionID, a.PromptBatchID, a.ToolUseID, a.ToolName, a.ToolInput,
			a.ToolOutputSummary, a.FilePath, a.Success, a.ErrorMessage, a.CreatedAt)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			continue // replayed hook, already recorded
		}
		inserted++

		if _, err := tx.ExecContext(ctx, `
			UPDATE prompt_batches SET activity_count = activity_count + 1
			WHERE id = ?`, a.PromptBatchID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET tool_count = tool_count + 1, last_activity_at = ?
			WHERE id = ?`, a.CreatedAt, a.SessionID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("flushed activities",
		zap.Int("buffered", len(group)),
		zap.Int("inserted", inserted),
	)
	return nil
}

// PendingActivities reports the current buffer depth.
func (s *Store) PendingActivities() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.buffer)
}

// ListActivities returns a batch's activities oldest first.
func (s *Store) ListActivities(ctx context.Context, batchID int64) ([]Activity, error) {
	acts := []Activity{}
	err := s.db.SelectContext(ctx, &acts, `
		SELECT id, session_id, prompt_batch_id,
		       COALESCE(tool_use_id, '') AS tool_use_id,
		       tool_name, tool_input,
		       COALESCE(tool_output_summary, '') AS tool_output_summary,
		       COALESCE(file_path, '') AS file_path,
		       success,
		       COALESCE(error_message, '') AS error_message,
		       created_at
		FROM activities
		WHERE prompt_batch_id = ?
		ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	return acts, nil
}

// SessionActivities returns every activity of a session oldest first,
// for summarization.
func (s *Store) SessionActivities(ctx context.Context, sessionID string) ([]Activity, error) {
	acts := []Activity{}
	err := s.db.SelectContext(ctx, &acts, `
		SELECT id, session_id, prompt_batch_id,
		       COALESCE(tool_use_id, '') AS tool_use_id,
		       tool_name, tool_input,
		       COALESCE(tool_output_summary, '') AS tool_output_summary,
		       COALESCE(file_path, '') AS file_path,
		       success,
		       COALESCE(error_message, '') AS error_message,
		       created_at
		FROM activities
		WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return acts, nil
}
