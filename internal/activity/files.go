package activity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// UpsertIndexedFile records a successful index pass for a file,
// clearing any previous error.
func (s *Store) UpsertIndexedFile(ctx context.Context, filepath, contentHash string, mtime time.Time, chunkCount int) error {
	ts := now()
	return s.write(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO indexed_files (filepath, content_hash, mtime, chunk_count, last_indexed_at, last_error)
			VALUES (?, ?, ?, ?, ?, NULL)
			ON CONFLICT (filepath) DO UPDATE SET
				content_hash = excluded.content_hash,
				mtime = excluded.mtime,
				chunk_count = excluded.chunk_count,
				last_indexed_at = excluded.last_indexed_at,
				last_error = NULL`,
			filepath, contentHash, mtime.UTC(), chunkCount, ts)
		return err
	})
}

// SetFileError records an indexing failure for a file without touching
// its last successful hash.
func (s *Store) SetFileError(ctx context.Context, filepath, errMsg string) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO indexed_files (filepath, content_hash, last_error)
			VALUES (?, '', ?)
			ON CONFLICT (filepath) DO UPDATE SET last_error = excluded.last_error`,
			filepath, errMsg)
		return err
	})
}

// GetIndexedFile fetches the index record for a file.
func (s *Store) GetIndexedFile(ctx context.Context, filepath string) (*IndexedFile, error) {
	var f IndexedFile
	err := s.db.GetContext(ctx, &f, `SELECT * FROM indexed_files WHERE filepath = ?`, filepath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("indexed file %s: %w", filepath, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListIndexedFiles returns every index record.
func (s *Store) ListIndexedFiles(ctx context.Context) ([]IndexedFile, error) {
	files := []IndexedFile{}
	if err := s.db.SelectContext(ctx, &files, `SELECT * FROM indexed_files ORDER BY filepath`); err != nil {
		return nil, err
	}
	return files, nil
}

// IndexedHashes returns filepath -> content hash for incremental
// indexing decisions.
func (s *Store) IndexedHashes(ctx context.Context) (map[string]string, error) {
	rows := []struct {
		Filepath    string `db:"filepath"`
		ContentHash string `db:"content_hash"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, `SELECT filepath, content_hash FROM indexed_files`); err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(rows))
	for _, r := range rows {
		hashes[r.Filepath] = r.ContentHash
	}
	return hashes, nil
}

// DeleteIndexedFile drops a file's index record, e.g. after deletion
// from disk.
func (s *Store) DeleteIndexedFile(ctx context.Context, filepath string) error {
	return s.write(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `DELETE FROM indexed_files WHERE filepath = ?`, filepath)
		return err
	})
}

// FilesWithErrors returns files whose last index attempt failed.
func (s *Store) FilesWithErrors(ctx context.Context) ([]IndexedFile, error) {
	files := []IndexedFile{}
	err := s.db.SelectContext(ctx, &files, `
		SELECT * FROM indexed_files
		WHERE last_error IS NOT NULL
		ORDER BY filepath`)
	if err != nil {
		return nil, err
	}
	return files, nil
}
