package orchestrator

import (
	"context"
	"iter"

	"github.com/mattjoyce/autoirida/internal/discovery"
	"github.com/mattjoyce/autoirida/internal/exclusion"
	"github.com/mattjoyce/autoirida/internal/irida"
	"github.com/mattjoyce/autoirida/internal/parser"
	"github.com/mattjoyce/autoirida/internal/state"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/mattjoyce/autoirida/internal/orchestrator Discoverer,ExclusionLoader,StateStore,Uploader

// Discoverer lists the candidate runs under a staging root. Candidates for
// which skip returns true are not parsed or yielded.
type Discoverer interface {
	Scan(ctx context.Context, root string, skip discovery.SkipFunc) iter.Seq[discovery.Run]
}

// ExclusionLoader produces the current exclusion set.
type ExclusionLoader interface {
	Load() (exclusion.Set, error)
}

// StateStore is the durable upload state the orchestrator reads and writes.
type StateStore interface {
	Get(ctx context.Context, runID string) (*state.Record, error)
	Upsert(ctx context.Context, u state.Update) (*state.Record, error)
	List(ctx context.Context, statuses ...state.Status) ([]*state.Record, error)
	IsTerminal(rec *state.Record) bool
}

// Uploader transfers runs to IRIDA.
type Uploader interface {
	Authenticate(ctx context.Context) (*irida.Session, error)
	Upload(ctx context.Context, sess *irida.Session, m *parser.Manifest) (irida.Result, error)
}
