package parser

import (
	"context"
	"errors"
)

var (
	// ErrParse marks a run package that cannot be turned into a manifest.
	ErrParse = errors.New("parse error")
	// ErrNotReady marks a run package that is still being staged.
	ErrNotReady = errors.New("run not ready")
)

// Parser parses a run directory into a Manifest.
type Parser interface {
	Name() string
	Parse(ctx context.Context, dir string) (*Manifest, error)
}

// Manifest is the set of files and metadata for one run. It is not modified
// after Parse returns.
type Manifest struct {
	RunID    string
	Path     string
	Parser   string
	Samples  []Sample
	Metadata map[string]string
	// Fingerprint is a BLAKE3 digest of the manifest's file set.
	Fingerprint string
}

// Sample is one library destined for an IRIDA project.
type Sample struct {
	Name      string
	ProjectID string
	Files     []File
}

// File is one sequence file. Path is absolute with symlinks resolved.
type File struct {
	Name string
	Path string
	Size int64
	MD5  string
}

// FileCount returns the number of files across all samples.
func (m *Manifest) FileCount() int {
	n := 0
	for _, s := range m.Samples {
		n += len(s.Files)
	}
	return n
}

// Projects returns the distinct project IDs in sample order.
func (m *Manifest) Projects() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range m.Samples {
		if _, ok := seen[s.ProjectID]; ok {
			continue
		}
		seen[s.ProjectID] = struct{}{}
		out = append(out, s.ProjectID)
	}
	return out
}
