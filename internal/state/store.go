package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/mender/internal/storage"
)

// DefaultMaxResultBytes bounds the stored result document.
const DefaultMaxResultBytes = 1 << 20 // 1 MiB

// ErrNotFound is returned when no session has the requested id.
var ErrNotFound = errors.New("session not found")

// Record is a finished remediation session. Result holds the engine's
// result document verbatim.
type Record struct {
	SessionID   string          `json:"session_id"`
	Workspace   string          `json:"workspace"`
	Mode        string          `json:"mode"`
	FinalPhase  string          `json:"final_phase"`
	Success     bool            `json:"success"`
	ExitCode    int             `json:"exit_code"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result"`
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Workspace string
	Limit     int
}

// Store archives terminal sessions in SQLite.
type Store struct {
	db             *sql.DB
	maxResultBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:             db,
		maxResultBytes: DefaultMaxResultBytes,
	}
}

// Archive stores rec. Archiving the same session twice replaces the first
// record.
func (s *Store) Archive(ctx context.Context, rec Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	if len(rec.Result) == 0 {
		rec.Result = json.RawMessage(`{}`)
	}
	if !json.Valid(rec.Result) {
		return fmt.Errorf("result for session %q is invalid JSON", rec.SessionID)
	}
	if len(rec.Result) > s.maxResultBytes {
		return fmt.Errorf("result for session %q exceeds max size (%d bytes)", rec.SessionID, s.maxResultBytes)
	}

	var lastErr any
	if rec.LastError != "" {
		lastErr = rec.LastError
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_archive(id, workspace, mode, final_phase, success, exit_code, started_at, completed_at, last_error, result)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  workspace = excluded.workspace,
  mode = excluded.mode,
  final_phase = excluded.final_phase,
  success = excluded.success,
  exit_code = excluded.exit_code,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at,
  last_error = excluded.last_error,
  result = excluded.result;
`, rec.SessionID, rec.Workspace, rec.Mode, rec.FinalPhase, rec.Success, rec.ExitCode,
		storage.FormatTime(rec.StartedAt), storage.FormatTime(rec.CompletedAt), lastErr, string(rec.Result))
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// Get returns the archived session with id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+" WHERE id = ?;", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns archived sessions, most recently completed first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+`
WHERE (? = '' OR workspace = ?)
ORDER BY completed_at DESC, id DESC
LIMIT ?;`, f.Workspace, f.Workspace, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

const selectRecord = `
SELECT id, workspace, mode, final_phase, success, exit_code, started_at, completed_at, last_error, result
FROM session_archive`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                    Record
		startedAt, completedAt string
		lastErr                sql.NullString
		result                 string
	)
	err := row.Scan(&rec.SessionID, &rec.Workspace, &rec.Mode, &rec.FinalPhase, &rec.Success,
		&rec.ExitCode, &startedAt, &completedAt, &lastErr, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if rec.StartedAt, err = storage.ParseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at of session %s: %w", rec.SessionID, err)
	}
	if rec.CompletedAt, err = storage.ParseTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at of session %s: %w", rec.SessionID, err)
	}
	rec.LastError = lastErr.String
	if !json.Valid([]byte(result)) {
		return nil, fmt.Errorf("stored result is invalid JSON for session=%q", rec.SessionID)
	}
	rec.Result = json.RawMessage(result)
	return &rec, nil
}
