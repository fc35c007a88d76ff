// Package api serves a read-only HTTP view of the uploader: health, upload
// records and recent loop events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/autoirida/internal/events"
	"github.com/mattjoyce/autoirida/internal/orchestrator"
	"github.com/mattjoyce/autoirida/internal/state"
)

// RecordReader is the read side of the upload state store.
type RecordReader interface {
	List(ctx context.Context, statuses ...state.Status) ([]*state.Record, error)
	Get(ctx context.Context, runID string) (*state.Record, error)
	Attempts(ctx context.Context, runID string) ([]state.Attempt, error)
	Counts(ctx context.Context) (map[state.Status]int, error)
}

// LoopStatus reports on the poll loop.
type LoopStatus interface {
	Status() orchestrator.Status
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token, when set, is required as a bearer token on everything but /healthz.
	Token string
}

// Server is the status HTTP server.
type Server struct {
	config    Config
	records   RecordReader
	loop      LoopStatus
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a Server. hub may be nil, in which case the event endpoints
// return nothing.
func New(config Config, records RecordReader, loop LoopStatus, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		records:   records,
		loop:      loop,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String(), "auth", s.config.Token != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/events", s.handleEvents)
		r.Get("/events/stream", s.handleEventStream)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
