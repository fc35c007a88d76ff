package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/autoirida/internal/discovery"
	"github.com/mattjoyce/autoirida/internal/exclusion"
	"github.com/mattjoyce/autoirida/internal/parser"
	"github.com/mattjoyce/autoirida/internal/state"
	"github.com/mattjoyce/autoirida/internal/storage"
)

// syncBuffer is a bytes.Buffer safe to share between the loop goroutine and
// the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestSlogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	handler := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), buf
}

func openTestStore(t *testing.T, opts ...state.StoreOption) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return state.NewStore(db, opts...)
}

func testRun(t *testing.T, id string) discovery.Run {
	t.Helper()
	return discovery.Run{
		ID: id,
		Manifest: &parser.Manifest{
			RunID:       id,
			Path:        t.TempDir(),
			Parser:      "directory",
			Samples:     []parser.Sample{{Name: "S1", ProjectID: "1"}},
			Fingerprint: "fp-" + id,
		},
	}
}

// staticDiscoverer yields the same runs on every scan. parses counts the
// runs that got past skip, standing in for manifest parsing.
type staticDiscoverer struct {
	runs   []discovery.Run
	scans  atomic.Int32
	parses atomic.Int32
}

func (d *staticDiscoverer) Scan(ctx context.Context, root string, skip discovery.SkipFunc) iter.Seq[discovery.Run] {
	d.scans.Add(1)
	return func(yield func(discovery.Run) bool) {
		for _, r := range d.runs {
			if ctx.Err() != nil {
				return
			}
			if skip != nil && skip(discovery.Candidate{ID: r.ID, Path: r.Manifest.Path}) {
				continue
			}
			d.parses.Add(1)
			if !yield(r) {
				return
			}
		}
	}
}

type staticExclusions struct {
	set exclusion.Set
	err error
}

func (s staticExclusions) Load() (exclusion.Set, error) { return s.set, s.err }

// manifestFor matches a *parser.Manifest by run ID.
type manifestFor string

func (m manifestFor) Matches(x any) bool {
	mf, ok := x.(*parser.Manifest)
	return ok && mf.RunID == string(m)
}

func (m manifestFor) String() string { return fmt.Sprintf("manifest for %s", string(m)) }

var _ gomock.Matcher = manifestFor("")
