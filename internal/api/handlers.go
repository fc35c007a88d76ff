package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/autoirida/internal/state"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.loop != nil {
		st := s.loop.Status()
		resp.Authenticated = st.Authenticated
		resp.Ticks = st.Ticks
		resp.LastTick = st.LastTick
		if !st.StartedAt.IsZero() {
			resp.LoopStartedAt = &st.StartedAt
		}
		if st.LastTick != nil && st.LastTick.StoreUnavailable() {
			resp.Status = "degraded"
		}
	}

	counts, err := s.records.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to count upload records", "error", err)
		resp.Status = "degraded"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Counts = counts
	s.writeJSON(w, http.StatusOK, resp)
}

// handleListRuns handles GET /runs with an optional comma separated
// ?status= filter.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var statuses []state.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := state.Status(strings.TrimSpace(part))
			if !st.Valid() {
				s.writeError(w, http.StatusBadRequest, "unknown status: "+string(st))
				return
			}
			statuses = append(statuses, st)
		}
	}

	recs, err := s.records.List(r.Context(), statuses...)
	if err != nil {
		s.logger.Error("failed to list upload records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list upload records")
		return
	}
	if recs == nil {
		recs = []*state.Record{}
	}
	s.writeJSON(w, http.StatusOK, RunsResponse{Runs: recs})
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rec, err := s.records.Get(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to read upload record", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read upload record")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	attempts, err := s.records.Attempts(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to read upload attempts", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read upload attempts")
		return
	}
	if attempts == nil {
		attempts = []state.Attempt{}
	}
	s.writeJSON(w, http.StatusOK, RunResponse{Record: rec, Attempts: attempts})
}

// handleEvents handles GET /events?since=N, returning buffered events
// newer than N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{
		Events: s.events.SnapshotSince(since),
		LastID: s.events.LastID(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
