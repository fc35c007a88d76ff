package api

import (
	"time"

	"github.com/mattjoyce/autoirida/internal/events"
	"github.com/mattjoyce/autoirida/internal/orchestrator"
	"github.com/mattjoyce/autoirida/internal/state"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string                   `json:"status"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Authenticated bool                     `json:"authenticated"`
	Ticks         int                      `json:"ticks"`
	LastTick      *orchestrator.TickReport `json:"last_tick,omitempty"`
	Counts        map[state.Status]int     `json:"counts,omitempty"`
	LoopStartedAt *time.Time               `json:"loop_started_at,omitempty"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs []*state.Record `json:"runs"`
}

// RunResponse is returned by GET /runs/{runID}.
type RunResponse struct {
	Record   *state.Record   `json:"record"`
	Attempts []state.Attempt `json:"attempts"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	LastID int64          `json:"last_id"`
}
