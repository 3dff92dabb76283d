package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is the fixed-width UTC timestamp format used in every table.
// Fixed width keeps lexical ORDER BY equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := CheckLocal(path, "state database"); err != nil {
		if errors.Is(err, ErrNetworkFilesystem) {
			return nil, fmt.Errorf("%w; SQLite needs a local disk for its locks, set state.path to a local file", err)
		}
		return nil, err
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; readers page through results
	// without holding it across calls.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
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
		`CREATE TABLE IF NOT EXISTS learning_examples (
  id          TEXT PRIMARY KEY,
  session_id  TEXT,
  language    TEXT NOT NULL,
  category    TEXT NOT NULL,
  issue_id    TEXT NOT NULL,
  file        TEXT,
  original    TEXT NOT NULL,
  modified    TEXT NOT NULL,
  verdict     JSON NOT NULL,
  passed      INTEGER NOT NULL,
  score       REAL NOT NULL,
  applied     INTEGER NOT NULL,
  model_id    TEXT,
  created_at  TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS model_performance (
  model_id     TEXT PRIMARY KEY,
  accuracy     REAL NOT NULL,
  precision    REAL NOT NULL,
  recall       REAL NOT NULL,
  f1           REAL NOT NULL,
  tp           REAL NOT NULL,
  fp           REAL NOT NULL,
  fn           REAL NOT NULL,
  tn           REAL NOT NULL,
  sample_count INTEGER NOT NULL,
  updated_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS session_archive (
  id           TEXT PRIMARY KEY,
  workspace    TEXT NOT NULL,
  mode         TEXT NOT NULL,
  final_phase  TEXT NOT NULL,
  success      INTEGER NOT NULL,
  exit_code    INTEGER NOT NULL,
  started_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  last_error   TEXT,
  result       JSON NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS learning_examples_category_created_idx ON learning_examples(category, created_at);`,
		`CREATE INDEX IF NOT EXISTS learning_examples_language_category_idx ON learning_examples(language, category);`,
		`CREATE INDEX IF NOT EXISTS learning_examples_created_idx ON learning_examples(created_at);`,
		`CREATE INDEX IF NOT EXISTS session_archive_workspace_completed_idx ON session_archive(workspace, completed_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
