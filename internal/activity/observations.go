package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ObservationFilter narrows ListObservations. Zero values mean "any".
type ObservationFilter struct {
	SessionID  string
	Type       string
	Importance string
	Tag        string
	Archived   *bool
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// AddObservation stores a new observation and returns it with its id.
func (s *Store) AddObservation(ctx context.Context, o Observation) (*Observation, error) {
	ctx, span := tracer.Start(ctx, "activity.AddObservation")
	defer span.End()

	if o.Observation == "" {
		return nil, errors.New("observation text required")
	}
	if o.Type == "" {
		o.Type = ObsDiscovery
	}
	if o.Importance == "" {
		o.Importance = ImportanceMedium
	}
	if o.Tags == "" {
		o.Tags = "[]"
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}

	var id int64
	err := s.write(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO observations
				(session_id, prompt_batch_id, type, observation, context, tags,
				 importance, file_path, created_at, embedded, archived)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			o.SessionID, o.PromptBatchID, o.Type, o.Observation, o.Context,
			o.Tags, o.Importance, o.FilePath, o.CreatedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	o.ID = id
	return &o, nil
}

// GetObservation fetches one observation.
func (s *Store) GetObservation(ctx context.Context, id int64) (*Observation, error) {
	var o Observation
	err := s.db.GetContext(ctx, &o, obsSelect+` WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

const obsSelect = `
	SELECT id, session_id, prompt_batch_id, type, observation,
	       COALESCE(context, '') AS context, tags, importance,
	       COALESCE(file_path, '') AS file_path,
	       created_at, embedded, archived
	FROM observations`

// ListObservations returns observations newest first, filtered.
func (s *Store) ListObservations(ctx context.Context, f ObservationFilter) ([]Observation, error) {
	var conds []string
	var args []any

	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.Importance != "" {
		conds = append(conds, "importance = ?")
		args = append(args, f.Importance)
	}
	if f.Tag != "" {
		// Tags are a JSON string array; match the quoted element.
		quoted, err := json.Marshal(f.Tag)
		if err != nil {
			return nil, err
		}
		conds = append(conds, "instr(tags, ?) > 0")
		args = append(args, string(quoted))
	}
	if f.Archived != nil {
		conds = append(conds, "archived = ?")
		args = append(args, *f.Archived)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.Until.UTC())
	}

	q := obsSelect
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	obs := []Observation{}
	if err := s.db.SelectContext(ctx, &obs, q, args...); err != nil {
		return nil, err
	}
	return obs, nil
}

// ArchiveObservation hides an observation from retrieval without
// deleting it.
func (s *Store) ArchiveObservation(ctx context.Context, id int64, archived bool) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE observations SET archived = ? WHERE id = ?`, archived, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("observation %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// DeleteObservation removes an observation permanently.
func (s *Store) DeleteObservation(ctx context.Context, id int64) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM observations WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("observation %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// UnembeddedObservations returns observations not yet written to the
// vector store, oldest first.
func (s *Store) UnembeddedObservations(ctx context.Context, limit int) ([]Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	obs := []Observation{}
	err := s.db.SelectContext(ctx, &obs,
		obsSelect+` WHERE embedded = 0 AND archived = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return obs, nil
}

// MarkObservationsEmbedded flips the embedded flag after a successful
// vector write.
func (s *Store) MarkObservationsEmbedded(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(ctx, func(db *sqlx.DB) error {
		q, args, err := sqlx.In(`UPDATE observations SET embedded = 1 WHERE id IN (?)`, ids)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, q, args...)
		return err
	})
}
