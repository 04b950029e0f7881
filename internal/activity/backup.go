package activity

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// backupTables lists the tables exported, parents before children so an
// import never violates a foreign key. The FTS index is rebuilt by its
// triggers and is not dumped.
var backupTables = []string{
	"sessions",
	"prompt_batches",
	"activities",
	"observations",
	"indexed_files",
}

// Export writes the store contents as SQL INSERT statements, one per
// line. The dump imports into any database at the same or newer schema
// version.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	ctx, span := tracer.Start(ctx, "activity.Export")
	defer span.End()

	if err := s.Flush(ctx); err != nil {
		return err
	}

	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "-- oakd activity export\n-- schema_version: %d\n-- exported_at: %s\n",
		version, now().Format(time.RFC3339))

	for _, table := range backupTables {
		if err := s.exportTable(ctx, bw, table); err != nil {
			return fmt.Errorf("exporting %s: %w", table, err)
		}
	}
	return bw.Flush()
}

func (s *Store) exportTable(ctx context.Context, w io.Writer, table string) error {
	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return err
		}
		lits := make([]string, len(vals))
		for i, v := range vals {
			lits[i] = sqlLiteral(v)
		}
		fmt.Fprintf(w, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ", "), strings.Join(lits, ", "))
	}
	return rows.Err()
}

// sqlLiteral renders a value as a single-line SQL literal. Newlines in
// strings are emitted as char(10) concatenations so every statement
// stays on one line.
func sqlLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		return fmt.Sprintf("%g", x)
	case bool:
		if x {
			return "1"
		}
		return "0"
	case time.Time:
		// Same text layout the driver writes, so imports scan cleanly.
		return "'" + x.UTC().Format("2006-01-02 15:04:05.999999999-07:00") + "'"
	case []byte:
		return stringLiteral(string(x))
	case string:
		return stringLiteral(x)
	default:
		return stringLiteral(fmt.Sprintf("%v", x))
	}
}

func stringLiteral(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	s = strings.ReplaceAll(s, "\r", "")
	if !strings.Contains(s, "\n") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, "\n")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + p + "'"
	}
	return "(" + strings.Join(quoted, " || char(10) || ") + ")"
}

// Import replays an Export dump into this store. Existing rows with
// colliding primary keys are left in place.
func (s *Store) Import(ctx context.Context, r io.Reader) error {
	ctx, span := tracer.Start(ctx, "activity.Import")
	defer span.End()

	return s.write(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		applied, err := importStatements(ctx, tx, r)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Info("import applied", zap.Int("statements", applied))
		return nil
	})
}

func importStatements(ctx context.Context, tx *sqlx.Tx, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	applied := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if !strings.HasPrefix(line, "INSERT INTO ") {
			return applied, fmt.Errorf("unexpected statement in dump: %.40q", line)
		}
		// Primary-key collisions keep the existing row.
		stmt := strings.Replace(line, "INSERT INTO ", "INSERT OR IGNORE INTO ", 1)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return applied, fmt.Errorf("applying dump line: %w", err)
		}
		applied++
	}
	return applied, scanner.Err()
}
