package state

import (
	"errors"
	"time"
)

type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusUploaded   Status = "uploaded"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusUploaded, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrStorage wraps every failure of the underlying database.
	ErrStorage = errors.New("state storage error")
	// ErrDowngrade is returned when an update would move an uploaded run backwards.
	ErrDowngrade = errors.New("uploaded record cannot change status")
	// ErrRecordNotFound is returned by Delete for an unknown run.
	ErrRecordNotFound = errors.New("upload record not found")
)

// Record is the durable upload state of one run.
type Record struct {
	RunID         string     `json:"run_id"`
	Status        Status     `json:"status"`
	Retryable     bool       `json:"retryable"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ErrorDetail   *string    `json:"error_detail,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Update is one requested status transition.
type Update struct {
	RunID  string
	Status Status
	// Retryable only matters for StatusFailed.
	Retryable   bool
	ErrorDetail string
	// Fingerprint, when set, replaces the stored manifest fingerprint.
	Fingerprint string
}

// Attempt is one row of a run's transition history.
type Attempt struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Attempt     int       `json:"attempt"`
	Status      Status    `json:"status"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// IsTerminal reports whether no further automatic action should be taken
// for rec. maxAttempts <= 0 means retries are unbounded.
func IsTerminal(rec *Record, maxAttempts int) bool {
	if rec == nil {
		return false
	}
	switch rec.Status {
	case StatusUploaded:
		return true
	case StatusFailed:
		if !rec.Retryable {
			return true
		}
		return maxAttempts > 0 && rec.AttemptCount >= maxAttempts
	}
	return false
}
