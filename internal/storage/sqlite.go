package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := ValidateFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: pragmas below are per-connection and writes are serialized anyway.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		// FULL fsyncs the WAL on every commit so an acknowledged write survives power loss.
		"PRAGMA synchronous = FULL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upload_records (
  run_id          TEXT PRIMARY KEY,
  status          TEXT NOT NULL,
  retryable       INTEGER NOT NULL DEFAULT 1,
  attempt_count   INTEGER NOT NULL DEFAULT 0,
  last_attempt_at TEXT,
  error_detail    TEXT,
  fingerprint     TEXT,
  created_at      TEXT NOT NULL,
  updated_at      TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS upload_attempts (
  id           TEXT PRIMARY KEY,
  run_id       TEXT NOT NULL REFERENCES upload_records(run_id) ON DELETE CASCADE,
  attempt      INTEGER NOT NULL,
  status       TEXT NOT NULL,
  error_detail TEXT,
  fingerprint  TEXT,
  recorded_at  TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS upload_records_status_idx ON upload_records(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS upload_attempts_run_idx ON upload_attempts(run_id, recorded_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
