// Package ledger keeps a SQLite history of split and reconstruct reports.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilupskalvis/sheetsync/internal/core"
	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 1

// Ledger is the run history database.
type Ledger struct {
	db *sql.DB
}

// Run is one recorded report.
type Run struct {
	ID         int64       `json:"id"`
	RunID      string      `json:"run_id"`
	Actor      string      `json:"actor,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
	Report     core.Report `json:"report"`
}

// Query filters List. Zero values match everything.
type Query struct {
	Limit  int
	Prefix string
	RunID  string
}

// Open opens or creates the ledger at dbPath and applies the schema.
func Open(dbPath string) (*Ledger, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One writer at a time keeps concurrent Record calls from racing on the lock.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS ledger_schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	var version int
	if err := l.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM ledger_schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL,
			operation TEXT NOT NULL,
			prefix TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			success BOOLEAN NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			state TEXT NOT NULL,
			original_hash TEXT NOT NULL DEFAULT '',
			reconstructed_hash TEXT NOT NULL DEFAULT '',
			original_size INTEGER NOT NULL DEFAULT 0,
			reconstructed_size INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			chunk_count INTEGER NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_run_id ON runs(run_id);
		CREATE INDEX IF NOT EXISTS idx_runs_prefix ON runs(prefix);
		INSERT INTO ledger_schema_version (version) VALUES (1);
		`
		if _, err := l.db.Exec(schema); err != nil {
			return fmt.Errorf("migration to v1 failed: %w", err)
		}
	}

	return nil
}

// Record stores rep under runID.
func (l *Ledger) Record(ctx context.Context, runID, actor string, rep *core.Report) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, actor, recorded_at, operation, prefix, name, success, verified, state,
			original_hash, reconstructed_hash, original_size, reconstructed_size,
			failure_reason, error, chunk_count, path, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, actor, formatTime(time.Now()), string(rep.Operation), rep.Prefix, rep.Name,
		rep.Success, rep.Verified, string(rep.State),
		rep.OriginalHash, rep.ReconstructedHash, rep.OriginalSize, rep.ReconstructedSize,
		string(rep.FailureReason), rep.Error, rep.ChunkCount, rep.Path,
		formatTime(rep.StartedAt), rep.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", runID, err)
	}
	return nil
}

// List returns recorded runs, newest first.
func (l *Ledger) List(ctx context.Context, q Query) ([]*Run, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Prefix != "" {
		where = append(where, "prefix = ?")
		args = append(args, q.Prefix)
	}
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}

	query := `
		SELECT id, run_id, actor, recorded_at, operation, prefix, name, success, verified, state,
			original_hash, reconstructed_hash, original_size, reconstructed_size,
			failure_reason, error, chunk_count, path, started_at, duration_ms
		FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var (
		run                   Run
		recordedAt, startedAt string
		operation, state      string
		reason                string
	)
	rep := &run.Report
	err := rows.Scan(
		&run.ID, &run.RunID, &run.Actor, &recordedAt, &operation, &rep.Prefix, &rep.Name,
		&rep.Success, &rep.Verified, &state,
		&rep.OriginalHash, &rep.ReconstructedHash, &rep.OriginalSize, &rep.ReconstructedSize,
		&reason, &rep.Error, &rep.ChunkCount, &rep.Path, &startedAt, &rep.DurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	rep.Operation = core.Operation(operation)
	rep.State = core.State(state)
	rep.FailureReason = core.FailureReason(reason)
	if run.RecordedAt, err = parseTime(recordedAt); err != nil {
		return nil, err
	}
	if rep.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
