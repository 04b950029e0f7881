// Package activity is the relational half of the project intelligence
// store. It records sessions, prompt batches, tool activities and
// observations in a per-project SQLite database, and tracks which files
// the indexer has processed.
//
// SQLite allows one writer at a time, so every mutation goes through a
// single mutex-guarded path. Reads run concurrently under WAL.
package activity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("oakd.activity")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned when SQLite is locked past the busy timeout.
	ErrBusy = errors.New("database busy")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

const (
	// activityBufferMax caps the in-memory activity buffer. Beyond this
	// the oldest entries are dropped rather than blocking hook handling.
	activityBufferMax = 500

	// flushBatchSize bounds one INSERT group.
	flushBatchSize = 64

	// flushInterval is how often buffered activities reach disk even
	// when the batch never fills.
	flushInterval = 5 * time.Second

	statsCacheTTL = 30 * time.Second
)

// Store wraps the project SQLite database.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *zap.Logger

	// writeMu serializes all writes. SQLite rejects concurrent writers
	// and the busy handler only papers over short contention.
	writeMu sync.Mutex

	bufMu  sync.Mutex
	buffer []Activity

	statsMu    sync.Mutex
	statsCache *Stats
	statsAt    time.Time

	closed  chan struct{}
	flushed chan struct{}
	once    sync.Once
}

// Open opens (or creates) the database at path and applies pending
// migrations. The flush loop for buffered activities starts immediately.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// _time_format=sqlite stores time.Time as SQLite-native text, which
	// keeps lexicographic comparison consistent for the stale queries.
	db, err := sqlx.Open("sqlite", path+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps modernc's file locking simple; WAL still
	// allows readers alongside the writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		path:    path,
		logger:  logger,
		closed:  make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go s.flushLoop()

	logger.Info("activity store opened", zap.String("path", path))
	return s, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the current migration version.
func (s *Store) SchemaVersion() (int64, error) {
	goose.SetBaseFS(migrationsFS)
	return goose.GetDBVersion(s.db.DB)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// write runs fn under the writer lock, mapping lock contention to
// ErrBusy.
func (s *Store) write(ctx context.Context, fn func(*sqlx.DB) error) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := fn(s.db); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return mapSQLiteErr(err)
	}
	s.invalidateStats()
	return nil
}

// mapSQLiteErr folds driver lock errors into ErrBusy.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// Close flushes buffered activities and closes the database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		<-s.flushed

		if ferr := s.Flush(context.Background()); ferr != nil {
			s.logger.Warn("final activity flush failed", zap.Error(ferr))
		}
		err = s.db.Close()
		s.logger.Info("activity store closed")
	})
	return err
}

// flushLoop drains the activity buffer on a fixed cadence.
func (s *Store) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	defer close(s.flushed)

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("activity flush failed", zap.Error(err))
			}
		}
	}
}

func now() time.Time { return time.Now().UTC() }
