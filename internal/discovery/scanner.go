// Package discovery finds run packages under the staging root.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/mattjoyce/autoirida/internal/parser"
)

// Run is one discovered, parsed run package.
type Run struct {
	ID       string
	Manifest *parser.Manifest
}

// Candidate is a run directory that passed the cheap checks and has not
// been parsed yet.
type Candidate struct {
	ID   string
	Path string
}

// SkipFunc reports whether a candidate should be passed over without
// parsing. Parsing hashes every sequence file, so callers use it to drop
// runs they already know the outcome of.
type SkipFunc func(Candidate) bool

// Scanner walks the immediate subdirectories of a root and parses each with
// the configured strategy. It keeps no state between scans.
type Scanner struct {
	parser    parser.Parser
	logger    *slog.Logger
	idPattern *regexp.Regexp
}

// Option customises a Scanner.
type Option func(*Scanner)

// WithIDPattern restricts candidates to directory names matching re.
func WithIDPattern(re *regexp.Regexp) Option {
	return func(s *Scanner) { s.idPattern = re }
}

// New creates a Scanner using p.
func New(p parser.Parser, logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		parser: p,
		logger: logger.With("component", "discovery"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan lazily yields every ready, parseable run under root in name order.
// Runs that fail to parse are logged and skipped. A non-nil skip is
// consulted before each parse.
func (s *Scanner) Scan(ctx context.Context, root string, skip SkipFunc) iter.Seq[Run] {
	return func(yield func(Run) bool) {
		entries, err := os.ReadDir(root)
		if err != nil {
			s.logger.Error("failed to list upload directory", "dir", root, "error", err)
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			run, ok := s.inspect(ctx, root, entry, skip)
			if !ok {
				continue
			}
			if !yield(run) {
				return
			}
		}
	}
}

func (s *Scanner) inspect(ctx context.Context, root string, entry os.DirEntry, skip SkipFunc) (Run, bool) {
	id := entry.Name()
	path := filepath.Join(root, id)

	isDir, err := isDirectory(path, entry)
	if err != nil {
		s.logger.Warn("failed to stat candidate", "path", path, "error", err)
		return Run{}, false
	}
	if !isDir {
		return Run{}, false
	}
	if s.idPattern != nil && !s.idPattern.MatchString(id) {
		s.logger.Debug("directory skipped", "path", path, "reason", "run_id_pattern")
		return Run{}, false
	}
	if skip != nil && skip(Candidate{ID: id, Path: path}) {
		return Run{}, false
	}

	manifest, err := s.parser.Parse(ctx, path)
	switch {
	case err == nil:
	case errors.Is(err, parser.ErrNotReady):
		s.logger.Debug("run not ready", "run_id", id, "path", path, "reason", err.Error())
		return Run{}, false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Run{}, false
	default:
		s.logger.Warn("failed to parse run", "run_id", id, "path", path, "parser", s.parser.Name(), "error", err)
		return Run{}, false
	}

	manifest.RunID = id
	s.logger.Debug("run discovered", "run_id", id, "path", path, "samples", len(manifest.Samples))
	return Run{ID: id, Manifest: manifest}, true
}

// isDirectory follows symlinks so staged runs may be linked in.
func isDirectory(path string, entry os.DirEntry) (bool, error) {
	if entry.IsDir() {
		return true, nil
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("follow symlink: %w", err)
	}
	return info.IsDir(), nil
}
