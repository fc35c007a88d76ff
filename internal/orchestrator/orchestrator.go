// Package orchestrator drives the upload poll loop: every tick it discovers
// staged runs, filters them through the exclusion set and the upload state
// store, and pushes the eligible ones to IRIDA one at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mattjoyce/autoirida/internal/discovery"
	"github.com/mattjoyce/autoirida/internal/events"
	"github.com/mattjoyce/autoirida/internal/exclusion"
	"github.com/mattjoyce/autoirida/internal/irida"
	"github.com/mattjoyce/autoirida/internal/log"
	"github.com/mattjoyce/autoirida/internal/parser"
	"github.com/mattjoyce/autoirida/internal/state"
)

const (
	defaultScanInterval   = time.Hour
	defaultAuthBackoffMin = time.Second
	defaultAuthBackoffMax = 5 * time.Minute

	interruptedDetail = "interrupted before confirmation"

	// finalWriteTimeout bounds the store write that records a run cut short
	// by shutdown.
	finalWriteTimeout = 5 * time.Second
)

// Config controls the poll loop.
type Config struct {
	RunsDir          string
	ScanInterval     time.Duration
	CompletionMarker bool
	AuthBackoffMin   time.Duration
	AuthBackoffMax   time.Duration
}

// TickContext is the per-tick state handed to Tick.
type TickContext struct {
	Exclusions exclusion.Set
	Session    *irida.Session
	StartedAt  time.Time
}

// TickReport counts what one tick did.
type TickReport struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Discovered  int           `json:"discovered"`
	Excluded    int           `json:"excluded"`
	Skipped     int           `json:"skipped"`
	Uploaded    int           `json:"uploaded"`
	AlreadyHeld int           `json:"already_held"`
	Failed      int           `json:"failed"`
	StoreOps    int           `json:"store_ops"`
	StoreErrors int           `json:"store_errors"`
	Aborted     string        `json:"aborted,omitempty"`
}

// StoreUnavailable reports whether every store operation of the tick failed.
func (r TickReport) StoreUnavailable() bool {
	return r.StoreOps > 0 && r.StoreErrors == r.StoreOps
}

// Status is a point-in-time view of the loop for status clients.
type Status struct {
	StartedAt     time.Time   `json:"started_at"`
	Authenticated bool        `json:"authenticated"`
	Ticks         int         `json:"ticks"`
	LastTick      *TickReport `json:"last_tick,omitempty"`
}

// Orchestrator owns the poll loop.
type Orchestrator struct {
	cfg        Config
	discoverer Discoverer
	exclusions ExclusionLoader
	store      StateStore
	uploader   Uploader
	events     *events.Hub
	logger     *slog.Logger
	now        func() time.Time

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	statusMu sync.RWMutex
	status   Status
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEvents publishes loop activity to hub.
func WithEvents(hub *events.Hub) Option {
	return func(o *Orchestrator) {
		if hub != nil {
			o.events = hub
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an Orchestrator. Zero durations in cfg take their defaults.
func New(cfg Config, d Discoverer, ex ExclusionLoader, store StateStore, up Uploader, opts ...Option) *Orchestrator {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.AuthBackoffMin <= 0 {
		cfg.AuthBackoffMin = defaultAuthBackoffMin
	}
	if cfg.AuthBackoffMax < cfg.AuthBackoffMin {
		cfg.AuthBackoffMax = max(defaultAuthBackoffMax, cfg.AuthBackoffMin)
	}

	o := &Orchestrator{
		cfg:        cfg,
		discoverer: d,
		exclusions: ex,
		store:      store,
		uploader:   up,
		logger:     slog.Default(),
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.events == nil {
		o.events = events.NewHub(256)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Events returns the hub the orchestrator publishes to.
func (o *Orchestrator) Events() *events.Hub { return o.events }

// Status returns a copy of the loop status.
func (o *Orchestrator) Status() Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	st := o.status
	if st.LastTick != nil {
		last := *st.LastTick
		st.LastTick = &last
	}
	return st
}

// Run recovers interrupted uploads, authenticates and then ticks until ctx
// is cancelled. It returns an error only when authentication cannot succeed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.statusMu.Lock()
	o.status.StartedAt = o.now().UTC()
	o.statusMu.Unlock()

	o.logger.Info("starting upload loop", "runs_dir", o.cfg.RunsDir, "scan_interval", o.cfg.ScanInterval.String())

	if _, err := o.Recover(ctx); err != nil {
		o.logger.Error("crash recovery failed, continuing", "error", err)
	}

	sess, err := o.authenticate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			o.logger.Info("upload loop stopped before authenticating")
			return nil
		}
		return err
	}
	o.statusMu.Lock()
	o.status.Authenticated = true
	o.statusMu.Unlock()

	o.runTick(ctx, sess)

	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.runTick(ctx, sess)
		case <-ctx.Done():
			o.logger.Info("upload loop stopped")
			return nil
		}
	}
}

// Recover moves records left in_progress by a previous process to failed
// (retryable) so the next tick re-attempts them.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stuck, err := o.store.List(ctx, state.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("list in-progress records: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	o.logger.Warn("found uploads interrupted by a previous shutdown", "count", len(stuck))

	recovered := 0
	var errs []error
	for _, rec := range stuck {
		_, err := o.store.Upsert(ctx, state.Update{
			RunID:       rec.RunID,
			Status:      state.StatusFailed,
			Retryable:   true,
			ErrorDetail: interruptedDetail,
		})
		if err != nil {
			o.logger.Error("failed to recover interrupted upload", "run_id", rec.RunID, "error", err)
			errs = append(errs, err)
			continue
		}
		recovered++
		o.logger.Info("marked interrupted upload for retry", "run_id", rec.RunID, "attempt_count", rec.AttemptCount)
		o.events.Publish(events.RunRecovered, map[string]any{
			"run_id":        rec.RunID,
			"attempt_count": rec.AttemptCount,
		})
	}
	return recovered, errors.Join(errs...)
}

// authenticate retries transient failures with capped exponential backoff.
func (o *Orchestrator) authenticate(ctx context.Context) (*irida.Session, error) {
	delay := o.cfg.AuthBackoffMin
	for {
		sess, err := o.uploader.Authenticate(ctx)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !irida.IsTransient(err) {
			return nil, fmt.Errorf("authenticate with irida: %w", err)
		}

		o.logger.Warn("irida authentication failed, retrying", "error", err, "retry_in", delay.String())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, o.cfg.AuthBackoffMax)
	}
}

// runTick reloads the exclusion set and runs one tick. A tick without a
// readable exclusion list is skipped so no excluded run is ever uploaded.
func (o *Orchestrator) runTick(ctx context.Context, sess *irida.Session) {
	if ctx.Err() != nil {
		return
	}
	started := o.now()

	set, err := o.exclusions.Load()
	if err != nil {
		o.logger.Error("failed to load exclusion list, skipping tick", "error", err)
		report := TickReport{StartedAt: started.UTC(), Aborted: "exclusion list unavailable"}
		o.finishTick(report)
		return
	}

	o.Tick(ctx, TickContext{Exclusions: set, Session: sess, StartedAt: started})
}

// Tick processes every discovered run once, sequentially. Per-run failures
// are recorded and never stop the tick.
func (o *Orchestrator) Tick(ctx context.Context, tc TickContext) TickReport {
	if tc.StartedAt.IsZero() {
		tc.StartedAt = o.now()
	}
	report := TickReport{StartedAt: tc.StartedAt.UTC()}

	o.logger.Debug("tick started", "excluded_ids", tc.Exclusions.Len())
	o.events.Publish(events.TickStarted, map[string]any{"at": report.StartedAt})

	// Runs whose outcome is already known are screened out before the
	// discoverer parses them. screened carries the record read for the
	// ones that go on to be parsed.
	screened := make(map[string]*state.Record)
	skip := func(c discovery.Candidate) bool {
		if ctx.Err() != nil {
			return true
		}
		report.Discovered++
		rec, pass := o.screen(ctx, tc, c, &report)
		if pass {
			screened[c.ID] = rec
		}
		return !pass
	}

	for run := range o.discoverer.Scan(ctx, o.cfg.RunsDir, skip) {
		if ctx.Err() != nil {
			report.Aborted = "shutdown"
			break
		}
		rec, ok := screened[run.ID]
		if !ok {
			report.Discovered++
			var pass bool
			if rec, pass = o.screen(ctx, tc, discovery.Candidate{ID: run.ID, Path: run.Manifest.Path}, &report); !pass {
				continue
			}
		}
		delete(screened, run.ID)
		if stop := o.processRun(ctx, tc, run, rec, &report); stop {
			break
		}
	}
	if report.Aborted == "" && ctx.Err() != nil {
		report.Aborted = "shutdown"
	}

	report.Duration = o.now().Sub(tc.StartedAt)
	if report.StoreUnavailable() {
		o.logger.Error("state store unavailable", "failed_ops", report.StoreErrors)
	}
	o.finishTick(report)
	return report
}

func (o *Orchestrator) finishTick(report TickReport) {
	o.statusMu.Lock()
	o.status.Ticks++
	o.status.LastTick = &report
	o.statusMu.Unlock()

	o.logger.Info("tick completed",
		"discovered", report.Discovered,
		"excluded", report.Excluded,
		"skipped", report.Skipped,
		"uploaded", report.Uploaded,
		"failed", report.Failed,
		"store_errors", report.StoreErrors,
		"aborted", report.Aborted,
		"duration", report.Duration.String(),
	)
	o.events.Publish(events.TickCompleted, report)
}

// screen decides from the run ID, its directory and its record whether a
// run needs an upload attempt. It returns the record and true when it does.
func (o *Orchestrator) screen(ctx context.Context, tc TickContext, c discovery.Candidate, report *TickReport) (*state.Record, bool) {
	logger := log.WithRun(o.logger, c.ID)

	if tc.Exclusions.Contains(c.ID) {
		report.Excluded++
		logger.Debug("run excluded")
		o.skipped(c.ID, "excluded")
		return nil, false
	}

	report.StoreOps++
	rec, err := o.store.Get(ctx, c.ID)
	if err != nil {
		report.StoreErrors++
		logger.Error("failed to read upload record", "error", err)
		return nil, false
	}
	if rec == nil && o.cfg.CompletionMarker && hasCompletionMarker(c.Path) {
		o.adoptMarker(ctx, c, report, logger)
		return nil, false
	}
	if o.store.IsTerminal(rec) {
		report.Skipped++
		logger.Debug("run already terminal", "status", rec.Status, "attempt_count", rec.AttemptCount)
		o.skipped(c.ID, string(rec.Status))
		return nil, false
	}
	return rec, true
}

// processRun drives one screened run through the state machine. It returns
// true when the rest of the tick should be abandoned.
func (o *Orchestrator) processRun(ctx context.Context, tc TickContext, run discovery.Run, prev *state.Record, report *TickReport) bool {
	logger := log.WithRun(o.logger, run.ID)

	if !o.claim(run.ID) {
		report.Skipped++
		logger.Warn("upload already in flight, skipping")
		o.skipped(run.ID, "in_flight")
		return false
	}
	defer o.release(run.ID)

	if prev != nil {
		logger.Debug("retrying run", "status", prev.Status, "attempt_count", prev.AttemptCount)
	}

	report.StoreOps++
	rec, err := o.store.Upsert(ctx, state.Update{
		RunID:       run.ID,
		Status:      state.StatusInProgress,
		Fingerprint: run.Manifest.Fingerprint,
	})
	if err != nil {
		if errors.Is(err, state.ErrDowngrade) {
			report.Skipped++
			logger.Info("run was uploaded meanwhile, skipping")
			return false
		}
		report.StoreErrors++
		logger.Error("failed to mark upload in progress", "error", err)
		return false
	}

	logger.Info("uploading run",
		"attempt", rec.AttemptCount,
		"samples", len(run.Manifest.Samples),
		"files", run.Manifest.FileCount(),
		"projects", run.Manifest.Projects(),
	)
	o.events.Publish(events.RunUploading, map[string]any{"run_id": run.ID, "attempt": rec.AttemptCount})

	res, err := o.upload(ctx, tc.Session, run.Manifest)
	if err == nil {
		o.recordSuccess(ctx, run, res, report, logger)
		return false
	}
	return o.recordFailure(ctx, run, err, report, logger)
}

func (o *Orchestrator) recordSuccess(ctx context.Context, run discovery.Run, res irida.Result, report *TickReport, logger *slog.Logger) {
	wctx, cancel := finalContext(ctx)
	defer cancel()

	report.StoreOps++
	if _, err := o.store.Upsert(wctx, state.Update{
		RunID:       run.ID,
		Status:      state.StatusUploaded,
		Fingerprint: run.Manifest.Fingerprint,
	}); err != nil {
		// The record stays in_progress. Recovery or the next tick
		// re-sends and the server reports the run as already held.
		report.StoreErrors++
		logger.Error("upload confirmed but not recorded", "error", err)
		return
	}

	report.Uploaded++
	if res.AlreadyExists {
		report.AlreadyHeld++
	}
	logger.Info("run uploaded",
		"irida_run", res.RunIdentifier,
		"already_on_server", res.AlreadyExists,
		"files_uploaded", res.FilesUploaded,
		"files_skipped", res.FilesSkipped,
	)
	o.events.Publish(events.RunUploaded, map[string]any{
		"run_id":            run.ID,
		"irida_run":         res.RunIdentifier,
		"already_on_server": res.AlreadyExists,
	})

	if o.cfg.CompletionMarker {
		if err := writeCompletionMarker(run.Manifest, res, o.now()); err != nil {
			logger.Warn("failed to write completion marker", "error", err)
		}
	}
}

// adoptMarker records a run that carries a completion marker but has no
// record, which happens when the state database was replaced. The
// fingerprint comes from the marker so the run is never parsed.
func (o *Orchestrator) adoptMarker(ctx context.Context, c discovery.Candidate, report *TickReport, logger *slog.Logger) {
	fingerprint, err := readMarkerFingerprint(c.Path)
	if err != nil {
		logger.Warn("completion marker unreadable, recording without fingerprint", "error", err)
	}
	report.StoreOps++
	if _, err := o.store.Upsert(ctx, state.Update{
		RunID:       c.ID,
		Status:      state.StatusUploaded,
		ErrorDetail: "recorded from existing " + CompletionMarkerName,
		Fingerprint: fingerprint,
	}); err != nil {
		report.StoreErrors++
		logger.Error("failed to record run from completion marker", "error", err)
		return
	}
	report.Skipped++
	logger.Info("completion marker found, recorded run as uploaded")
	o.skipped(c.ID, "completion_marker")
}

// recordFailure stores a failed attempt. Authentication failures and
// shutdown abandon the rest of the tick.
func (o *Orchestrator) recordFailure(ctx context.Context, run discovery.Run, uploadErr error, report *TickReport, logger *slog.Logger) bool {
	interrupted := ctx.Err() != nil
	authFailed := errors.Is(uploadErr, irida.ErrAuth)
	retryable := interrupted || authFailed || !irida.IsPermanent(uploadErr)

	detail := uploadErr.Error()
	if interrupted {
		detail = interruptedDetail + ": " + detail
	}

	wctx, cancel := finalContext(ctx)
	defer cancel()

	report.Failed++
	report.StoreOps++
	if _, err := o.store.Upsert(wctx, state.Update{
		RunID:       run.ID,
		Status:      state.StatusFailed,
		Retryable:   retryable,
		ErrorDetail: detail,
	}); err != nil {
		report.StoreErrors++
		logger.Error("failed to record upload failure", "error", err, "upload_error", uploadErr)
	}

	level := slog.LevelWarn
	if !retryable {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "upload failed", "error", uploadErr, "retryable", retryable)
	o.events.Publish(events.RunFailed, map[string]any{
		"run_id":    run.ID,
		"retryable": retryable,
		"error":     detail,
	})

	switch {
	case interrupted:
		report.Aborted = "shutdown"
		return true
	case authFailed:
		report.Aborted = "authentication failed"
		return true
	}
	return false
}

// upload calls the uploader, turning a panic into a transient failure.
func (o *Orchestrator) upload(ctx context.Context, sess *irida.Session, m *parser.Manifest) (res irida.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("upload panicked", "run_id", m.RunID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: upload panicked: %v", irida.ErrTransient, r)
		}
	}()
	return o.uploader.Upload(ctx, sess, m)
}

// finalContext keeps outcome writes alive when shutdown cancelled ctx
// mid-upload.
func finalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
}

func (o *Orchestrator) skipped(runID, reason string) {
	o.events.Publish(events.RunSkipped, map[string]any{"run_id": runID, "reason": reason})
}

func (o *Orchestrator) claim(runID string) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, busy := o.inflight[runID]; busy {
		return false
	}
	o.inflight[runID] = struct{}{}
	return true
}

func (o *Orchestrator) release(runID string) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, runID)
}
