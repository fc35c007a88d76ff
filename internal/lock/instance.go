// Package lock keeps a second uploader from running against the same state
// database.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when another process owns the lock.
var ErrHeld = errors.New("another autoirida instance holds the lock")

// InstanceLock is an exclusive advisory lock on a file. The file carries the
// owner's PID so operators can find the running daemon.
type InstanceLock struct {
	path string
	fl   *flock.Flock
}

// PathFor returns the lock file used for the state database at dbPath.
func PathFor(dbPath string) string { return dbPath + ".lock" }

// Acquire takes the lock at path without blocking.
func Acquire(path string) (*InstanceLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		if pid := Owner(path); pid > 0 {
			return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrHeld, pid, path)
		}
		return nil, fmt.Errorf("%w (lock %s)", ErrHeld, path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return &InstanceLock{path: path, fl: fl}, nil
}

// Owner returns the PID recorded in the lock file, or 0 when unknown.
func Owner(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func (l *InstanceLock) Path() string { return l.path }

// Release drops the lock. Safe to call more than once.
func (l *InstanceLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	err := l.fl.Unlock()
	l.fl = nil
	return err
}
