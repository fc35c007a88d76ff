// Package exclusion loads the operator-maintained list of run IDs that must
// never be uploaded.
package exclusion

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattjoyce/autoirida/internal/config"
)

// Set is an immutable set of excluded run IDs.
type Set struct {
	ids map[string]struct{}
}

// New builds a Set from ids. Blank entries are dropped.
func New(ids ...string) Set {
	s := Set{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// Contains reports whether id is excluded.
func (s Set) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of distinct excluded IDs.
func (s Set) Len() int { return len(s.ids) }

// RejectedLine is a list entry that cannot be a run ID.
type RejectedLine struct {
	Line int
	Text string
}

// Read parses one identifier per line from path. Surrounding whitespace,
// blank lines and lines starting with '#' are ignored. Lines with inner
// whitespace are dropped and returned. An empty path yields an empty set.
func Read(path string) (Set, []RejectedLine, error) {
	if strings.TrimSpace(path) == "" {
		return New(), nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Set{}, nil, fmt.Errorf("%w: open exclusion list: %v", config.ErrConfig, err)
	}
	defer f.Close()

	var (
		ids      []string
		rejected []RejectedLine
	)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.ContainsAny(line, " \t") {
			rejected = append(rejected, RejectedLine{Line: lineNo, Text: line})
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Set{}, nil, fmt.Errorf("%w: exclusion list %s line %d too long", config.ErrConfig, path, lineNo+1)
		}
		return Set{}, nil, fmt.Errorf("%w: read exclusion list: %v", config.ErrConfig, err)
	}
	return New(ids...), rejected, nil
}

// Load is Read with every dropped line logged as a warning.
func Load(path string, logger *slog.Logger) (Set, error) {
	set, rejected, err := Read(path)
	if err != nil {
		return Set{}, err
	}
	if len(rejected) > 0 {
		if logger == nil {
			logger = slog.Default()
		}
		for _, r := range rejected {
			logger.Warn("ignoring exclusion list entry with whitespace", "path", path, "line", r.Line, "entry", r.Text)
		}
	}
	return set, nil
}

// Loader adapts Load to the orchestrator's per-tick reload.
type Loader struct {
	Path   string
	Logger *slog.Logger
}

// Load reloads the exclusion list from disk.
func (l Loader) Load() (Set, error) {
	return Load(l.Path, l.Logger)
}
