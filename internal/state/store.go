package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxErrorDetailBytes = 8 * 1024

// Store persists upload records in SQLite.
type Store struct {
	db          *sql.DB
	maxAttempts int
	now         func() time.Time

	// mu serializes read-modify-write transitions within the process.
	mu sync.Mutex
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithMaxAttempts sets the retry ceiling used by IsTerminal. Zero is unbounded.
func WithMaxAttempts(n int) StoreOption {
	return func(s *Store) { s.maxAttempts = n }
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxAttempts returns the configured retry ceiling.
func (s *Store) MaxAttempts() int { return s.maxAttempts }

// IsTerminal applies the store's retry ceiling to rec.
func (s *Store) IsTerminal(rec *Record) bool {
	return IsTerminal(rec, s.maxAttempts)
}

const recordColumns = `run_id, status, retryable, attempt_count, last_attempt_at, error_detail, fingerprint, created_at, updated_at`

// Get returns the record for runID, or (nil, nil) if none exists.
func (s *Store) Get(ctx context.Context, runID string) (*Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM upload_records WHERE run_id = ?;`, runID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read upload record: %w", ErrStorage, err)
	}
	return rec, nil
}

// Upsert applies u atomically and durably, appending a history row. Entering
// StatusInProgress counts as a new attempt. An uploaded record only accepts
// StatusUploaded again; anything else returns ErrDowngrade.
func (s *Store) Upsert(ctx context.Context, u Update) (*Record, error) {
	if u.RunID == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	if !u.Status.Valid() {
		return nil, fmt.Errorf("invalid status: %q", u.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM upload_records WHERE run_id = ?;`, u.RunID))
	if errors.Is(err, sql.ErrNoRows) {
		cur = nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: read upload record: %w", ErrStorage, err)
	}

	now := s.now().UTC()
	next := Record{
		RunID:     u.RunID,
		Status:    u.Status,
		Retryable: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cur != nil {
		if cur.Status == StatusUploaded && u.Status != StatusUploaded {
			return nil, fmt.Errorf("%w: run %s is uploaded, refused %s", ErrDowngrade, u.RunID, u.Status)
		}
		next.AttemptCount = cur.AttemptCount
		next.LastAttemptAt = cur.LastAttemptAt
		next.Fingerprint = cur.Fingerprint
		next.CreatedAt = cur.CreatedAt
	}
	if u.Status == StatusInProgress {
		next.AttemptCount++
		next.LastAttemptAt = &now
	}
	if u.Status == StatusFailed {
		next.Retryable = u.Retryable
	}
	if detail := truncate(strings.TrimSpace(u.ErrorDetail), maxErrorDetailBytes); detail != "" {
		next.ErrorDetail = &detail
	}
	if u.Fingerprint != "" {
		next.Fingerprint = u.Fingerprint
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO upload_records(`+recordColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  status = excluded.status,
  retryable = excluded.retryable,
  attempt_count = excluded.attempt_count,
  last_attempt_at = excluded.last_attempt_at,
  error_detail = excluded.error_detail,
  fingerprint = excluded.fingerprint,
  updated_at = excluded.updated_at;
`, next.RunID, next.Status, boolToInt(next.Retryable), next.AttemptCount, formatTimePtr(next.LastAttemptAt),
		next.ErrorDetail, nullString(next.Fingerprint), formatTime(next.CreatedAt), formatTime(next.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("%w: upsert upload record: %w", ErrStorage, err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO upload_attempts(id, run_id, attempt, status, error_detail, fingerprint, recorded_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), next.RunID, next.AttemptCount, next.Status, next.ErrorDetail, nullString(next.Fingerprint), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("%w: insert upload attempt: %w", ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit tx: %w", ErrStorage, err)
	}
	return &next, nil
}

// List returns records ordered by run ID, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM upload_records`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY run_id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list upload records: %w", ErrStorage, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan upload record: %w", ErrStorage, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list upload records: %w", ErrStorage, err)
	}
	return out, nil
}

// Attempts returns the transition history for runID, oldest first.
func (s *Store) Attempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, attempt, status, error_detail, fingerprint, recorded_at
FROM upload_attempts
WHERE run_id = ?
ORDER BY rowid ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: list upload attempts: %w", ErrStorage, err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a           Attempt
			status      string
			detail      sql.NullString
			fingerprint sql.NullString
			recordedAt  string
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.Attempt, &status, &detail, &fingerprint, &recordedAt); err != nil {
			return nil, fmt.Errorf("%w: scan upload attempt: %w", ErrStorage, err)
		}
		a.Status = Status(status)
		if detail.Valid {
			a.ErrorDetail = &detail.String
		}
		a.Fingerprint = fingerprint.String
		if t, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			a.RecordedAt = t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list upload attempts: %w", ErrStorage, err)
	}
	return out, nil
}

// Counts returns the number of records per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM upload_records GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("%w: count upload records: %w", ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("%w: scan counts: %w", ErrStorage, err)
		}
		out[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: count upload records: %w", ErrStorage, err)
	}
	return out, nil
}

// Delete removes a record and its history. The orchestrator never calls
// this; it backs operator cleanup.
func (s *Store) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_attempts WHERE run_id = ?;`, runID); err != nil {
		return fmt.Errorf("%w: delete upload attempts: %w", ErrStorage, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM upload_records WHERE run_id = ?;`, runID)
	if err != nil {
		return fmt.Errorf("%w: delete upload record: %w", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: delete upload record: %w", ErrStorage, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, runID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %w", ErrStorage, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec           Record
		status        string
		retryable     int
		lastAttemptAt sql.NullString
		errorDetail   sql.NullString
		fingerprint   sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := row.Scan(&rec.RunID, &status, &retryable, &rec.AttemptCount, &lastAttemptAt,
		&errorDetail, &fingerprint, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.Retryable = retryable != 0
	if lastAttemptAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastAttemptAt.String); err == nil {
			rec.LastAttemptAt = &t
		}
	}
	if errorDetail.Valid {
		rec.ErrorDetail = &errorDetail.String
	}
	rec.Fingerprint = fingerprint.String
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
