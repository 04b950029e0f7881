package activity

import (
	"context"
	"strings"
)

// TextHit is one full-text match pointing back at its source row.
type TextHit struct {
	EntityType string  `db:"entity_type" json:"entity_type"`
	EntityID   int64   `db:"entity_id" json:"entity_id"`
	Content    string  `db:"content" json:"content"`
	Rank       float64 `db:"rank" json:"rank"`
}

// SearchText runs an FTS5 query over prompts, observations and tool
// output summaries, best matches first. The query is sanitized to bare
// terms so user input cannot break FTS syntax.
func (s *Store) SearchText(ctx context.Context, query string, limit int) ([]TextHit, error) {
	ctx, span := tracer.Start(ctx, "activity.SearchText")
	defer span.End()

	match := ftsQuery(query)
	if match == "" {
		return []TextHit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	hits := []TextHit{}
	err := s.db.SelectContext(ctx, &hits, `
		SELECT entity_type, entity_id, content, rank
		FROM search_index
		WHERE search_index MATCH ?
		ORDER BY rank
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// ftsQuery rewrites free text into a safe FTS5 match expression:
// each term quoted, joined with OR.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}
