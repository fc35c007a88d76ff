package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a state database placed on a network share.
var ErrNetworkFilesystem = errors.New("state database is on a network filesystem")

// errFilesystemUnknown is returned by detectors on platforms without support.
var errFilesystemUnknown = errors.New("filesystem detection is unsupported on this platform")

// NetworkFilesystemError names the share type found under a database path.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("state database %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking and durable writes. "+
		"Point state_db_path at local disk; the staging directory itself may stay on the share", e.Path, e.FSType)
}

func (e *NetworkFilesystemError) Unwrap() error { return ErrNetworkFilesystem }

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"afs":    {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// fsDetector names the filesystem holding an existing path.
type fsDetector func(path string) (string, error)

// ValidateFilesystem reports whether path can hold the state database. The
// file need not exist yet, the check runs against its closest existing
// ancestor. A path on a share yields a *NetworkFilesystemError.
func ValidateFilesystem(path string) error {
	return checkLocalFilesystem(path, detectFilesystemType)
}

func checkLocalFilesystem(path string, detect fsDetector) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("state database path is empty")
	}

	existing, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	switch {
	case errors.Is(err, errFilesystemUnknown):
		return nil
	case err != nil:
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	case isNetworkFilesystem(fsType):
		return &NetworkFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

// existingAncestor returns the absolute form of path or of its closest
// parent that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for dir := abs; ; {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
