// Package audit implements the SQLite-backed audit log (EXP-2): Record.audit
// (§4.5) is a genuinely relational query -- by key, by record, ordered by
// version -- that the engine's in-memory indices are not shaped for, so this
// one concern uses database/sql the way the teacher's own pkg/mddb and
// internal/store do (internal/store/index_sqlite.go's pragma/schema idiom),
// rather than scanning chunks.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
)

// Log is an append-only, queryable audit trail of every write the Engine has
// accepted for one environment.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at path.
// path == ":memory:" is supported for tests.
func Open(ctx context.Context, path string) (*Log, error) {
	if path == "" {
		return nil, errors.New("audit: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping sqlite: %w", err)
	}

	// A single connection: an in-memory database is per-connection, and
	// even for a file-backed one there is no benefit to a pool here (every
	// write already serializes through the Engine's own locking).
	db.SetMaxOpenConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Log{db: db}, nil
}

// applyPragmas matches the teacher's own durability/speed pragma set
// (internal/store/index_sqlite.go), scaled down since this table is append
// and range-scan only.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA temp_store = MEMORY",
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: apply pragma %q: %w", stmt, err)
		}
	}

	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	const stmt = `CREATE TABLE IF NOT EXISTS audit_log (
		record INTEGER NOT NULL,
		key TEXT NOT NULL,
		version INTEGER NOT NULL,
		action TEXT NOT NULL,
		value TEXT NOT NULL
	)`

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("audit: create schema: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_audit_record ON audit_log(record, version)",
		"CREATE INDEX IF NOT EXISTS idx_audit_key ON audit_log(key, version)",
	} {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("audit: create index: %w", err)
		}
	}

	return nil
}

// Append records w in the audit log (§4.5's "mutation through append").
func (l *Log) Append(ctx context.Context, w write.Write) error {
	const stmt = `INSERT INTO audit_log (record, key, version, action, value) VALUES (?, ?, ?, ?, ?)`

	_, err := l.db.ExecContext(ctx, stmt,
		int64(w.Record), string(w.Key), int64(w.Version), w.Action.String(), w.Value.String())
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}

	return nil
}

// Entry is one rendered audit-log row (§4.5: "ordered (version,
// human-readable change)").
type Entry struct {
	Version     uint64
	Description string
}

// Query returns every audit entry matching the optional record/key filters,
// in ascending version order (§4.5: `audit(key?, record?) -> ordered
// (version, human-readable change)`). A nil record or empty key means "any".
func (l *Log) Query(ctx context.Context, record *tval.Identifier, key tval.Key) ([]Entry, error) {
	clauses := "1=1"

	args := []any{}

	if record != nil {
		clauses += " AND record = ?"
		args = append(args, int64(*record))
	}

	if key != "" {
		clauses += " AND key = ?"
		args = append(args, string(key))
	}

	stmt := fmt.Sprintf(
		`SELECT version, action, key, value FROM audit_log WHERE %s ORDER BY version ASC`, clauses)

	rows, err := l.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var (
			version      int64
			action, k, v string
		)

		if err := rows.Scan(&version, &action, &k, &v); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}

		out = append(out, Entry{
			Version:     uint64(version),
			Description: fmt.Sprintf("%s %s AS %s", action, k, v),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate rows: %w", err)
	}

	return out, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}

	return nil
}
