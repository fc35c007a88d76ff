package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/autoirida/internal/events"
	"github.com/mattjoyce/autoirida/internal/orchestrator"
	"github.com/mattjoyce/autoirida/internal/state"
	"github.com/mattjoyce/autoirida/internal/storage"
)

type fakeLoop struct{ status orchestrator.Status }

func (f fakeLoop) Status() orchestrator.Status { return f.status }

type brokenRecords struct{}

func (brokenRecords) List(context.Context, ...state.Status) ([]*state.Record, error) {
	return nil, state.ErrStorage
}
func (brokenRecords) Get(context.Context, string) (*state.Record, error) { return nil, state.ErrStorage }
func (brokenRecords) Attempts(context.Context, string) ([]state.Attempt, error) {
	return nil, state.ErrStorage
}
func (brokenRecords) Counts(context.Context) (map[state.Status]int, error) {
	return nil, state.ErrStorage
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func seededStore(t *testing.T) *state.Store {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := state.NewStore(db)

	for _, u := range []state.Update{
		{RunID: "run-123", Status: state.StatusInProgress},
		{RunID: "run-123", Status: state.StatusUploaded},
		{RunID: "run-456", Status: state.StatusInProgress},
		{RunID: "run-456", Status: state.StatusFailed, Retryable: true, ErrorDetail: "503"},
	} {
		_, err := store.Upsert(ctx, u)
		require.NoError(t, err)
	}
	return store
}

func newTestServer(t *testing.T, cfg Config, records RecordReader, hub *events.Hub) *Server {
	t.Helper()
	loop := fakeLoop{status: orchestrator.Status{
		StartedAt:     time.Now().Add(-time.Minute),
		Authenticated: true,
		Ticks:         3,
		LastTick:      &orchestrator.TickReport{Discovered: 2, Uploaded: 1},
	}}
	return New(cfg, records, loop, hub, testLogger())
}

func doRequest(t *testing.T, h http.Handler, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	s := newTestServer(t, Config{Token: "secret"}, seededStore(t), nil)

	rec := doRequest(t, s.Handler(), "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Authenticated)
	assert.Equal(t, 3, resp.Ticks)
	assert.Equal(t, 1, resp.Counts[state.StatusUploaded])
	assert.Equal(t, 1, resp.Counts[state.StatusFailed])
	require.NotNil(t, resp.LastTick)
	assert.Equal(t, 2, resp.LastTick.Discovered)
}

func TestHealthzDegradedWhenStoreFails(t *testing.T) {
	s := newTestServer(t, Config{}, brokenRecords{}, nil)

	rec := doRequest(t, s.Handler(), "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, Config{Token: "secret"}, seededStore(t), nil)
	h := s.Handler()

	for _, path := range []string{"/runs", "/runs/run-123", "/events"} {
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, path, "").Code, path)
		assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, path, "wrong").Code, path)
		assert.Equal(t, http.StatusOK, doRequest(t, h, path, "secret").Code, path)
	}
}

func TestNoTokenConfiguredLeavesRoutesOpen(t *testing.T) {
	s := newTestServer(t, Config{}, seededStore(t), nil)
	assert.Equal(t, http.StatusOK, doRequest(t, s.Handler(), "/runs", "").Code)
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t, Config{}, seededStore(t), nil)
	h := s.Handler()

	var all RunsResponse
	rec := doRequest(t, h, "/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all.Runs, 2)
	assert.Equal(t, "run-123", all.Runs[0].RunID)

	var failed RunsResponse
	rec = doRequest(t, h, "/runs?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	require.Len(t, failed.Runs, 1)
	assert.Equal(t, "run-456", failed.Runs[0].RunID)

	rec = doRequest(t, h, "/runs?status=new", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"runs":[]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, "/runs?status=done", "").Code)
}

func TestListRunsStoreFailure(t *testing.T) {
	s := newTestServer(t, Config{}, brokenRecords{}, nil)
	assert.Equal(t, http.StatusInternalServerError, doRequest(t, s.Handler(), "/runs", "").Code)
}

func TestGetRun(t *testing.T) {
	s := newTestServer(t, Config{}, seededStore(t), nil)
	h := s.Handler()

	rec := doRequest(t, h, "/runs/run-456", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, state.StatusFailed, resp.Record.Status)
	require.NotNil(t, resp.Record.ErrorDetail)
	assert.Equal(t, "503", *resp.Record.ErrorDetail)
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, state.StatusInProgress, resp.Attempts[0].Status)

	assert.Equal(t, http.StatusNotFound, doRequest(t, h, "/runs/run-999", "").Code)
}

func TestEventsSince(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.TickStarted, nil)
	hub.Publish(events.RunUploaded, map[string]string{"run_id": "run-123"})
	hub.Publish(events.TickCompleted, nil)
	s := newTestServer(t, Config{}, seededStore(t), hub)
	h := s.Handler()

	var resp EventsResponse
	rec := doRequest(t, h, "/events?since=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, events.RunUploaded, resp.Events[0].Type)
	assert.JSONEq(t, `{"run_id":"run-123"}`, string(resp.Events[0].Data))
	assert.Equal(t, int64(3), resp.LastID)

	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, "/events?since=-4", "").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(t, h, "/events?since=abc", "").Code)
}

func TestEventStream(t *testing.T) {
	hub := events.NewHub(8)
	hub.Publish(events.TickStarted, nil)
	s := newTestServer(t, Config{}, seededStore(t), hub)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() []string {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return lines
			}
			lines = append(lines, line)
		}
	}

	assert.Equal(t, []string{"id: 1", "event: tick.started", "data: {}"}, readEvent())

	hub.Publish(events.RunFailed, map[string]string{"run_id": "run-9"})
	assert.Equal(t, []string{"id: 2", "event: run.failed", `data: {"run_id":"run-9"}`}, readEvent())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, Config{}, seededStore(t), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartRejectsBadListenAddress(t *testing.T) {
	s := newTestServer(t, Config{Listen: "not-an-address"}, seededStore(t), nil)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
