package activity

import (
	"context"
	"time"
)

// StoreStats returns aggregate counts, cached briefly since the status
// endpoint polls them. Any write invalidates the cache.
func (s *Store) StoreStats(ctx context.Context) (Stats, error) {
	s.statsMu.Lock()
	if s.statsCache != nil && time.Since(s.statsAt) < statsCacheTTL {
		cached := *s.statsCache
		s.statsMu.Unlock()
		return cached, nil
	}
	s.statsMu.Unlock()

	ctx, span := tracer.Start(ctx, "activity.StoreStats")
	defer span.End()

	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE status = 'active'),
			(SELECT COUNT(*) FROM prompt_batches),
			(SELECT COUNT(*) FROM activities),
			(SELECT COUNT(*) FROM observations WHERE archived = 0),
			(SELECT COUNT(*) FROM indexed_files),
			(SELECT COALESCE(SUM(chunk_count), 0) FROM indexed_files)`)
	if err := row.Scan(
		&st.Sessions, &st.ActiveSessions, &st.PromptBatches, &st.Activities,
		&st.Observations, &st.IndexedFiles, &st.IndexedChunks,
	); err != nil {
		return Stats{}, err
	}

	s.statsMu.Lock()
	s.statsCache = &st
	s.statsAt = time.Now()
	s.statsMu.Unlock()
	return st, nil
}

func (s *Store) invalidateStats() {
	s.statsMu.Lock()
	s.statsCache = nil
	s.statsMu.Unlock()
}
