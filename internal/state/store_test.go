package state

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/autoirida/internal/storage"
)

func openTestStore(t *testing.T, opts ...StoreOption) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "autoirida.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, opts...), dbPath
}

func TestStoreGetMissingReturnsNil(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	rec, err := s.Get(context.Background(), "run-123")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStoreInProgressCountsAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := openTestStore(t)

	rec, err := s.Upsert(ctx, Update{RunID: "run-1", Status: StatusInProgress, Fingerprint: "abc"})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.NotNil(t, rec.LastAttemptAt)

	_, err = s.Upsert(ctx, Update{RunID: "run-1", Status: StatusFailed, Retryable: true, ErrorDetail: "503"})
	require.NoError(t, err)

	rec, err = s.Upsert(ctx, Update{RunID: "run-1", Status: StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AttemptCount)
	assert.Equal(t, "abc", rec.Fingerprint, "fingerprint preserved when not supplied")
	assert.Nil(t, rec.ErrorDetail, "error detail cleared on new attempt")

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestStoreFailedRecordsRetryability(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := openTestStore(t)

	_, err := s.Upsert(ctx, Update{RunID: "run-1", Status: StatusInProgress})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Update{RunID: "run-1", Status: StatusFailed, Retryable: false, ErrorDetail: "400 bad project"})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.False(t, rec.Retryable)
	require.NotNil(t, rec.ErrorDetail)
	assert.Equal(t, "400 bad project", *rec.ErrorDetail)
	assert.True(t, s.IsTerminal(rec))
}

func TestStoreRefusesDowngradeOfUploaded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := openTestStore(t)

	_, err := s.Upsert(ctx, Update{RunID: "run-1", Status: StatusInProgress})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Update{RunID: "run-1", Status: StatusUploaded})
	require.NoError(t, err)

	for _, st := range []Status{StatusInProgress, StatusFailed, StatusNew} {
		_, err = s.Upsert(ctx, Update{RunID: "run-1", Status: st})
		assert.ErrorIs(t, err, ErrDowngrade, "status %s", st)
	}

	rec, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestStoreRejectsInvalidStatus(t *testing.T) {
	t.Parallel()

	s, _ := openTestStore(t)
	_, err := s.Upsert(context.Background(), Update{RunID: "run-1", Status: "skipped"})
	assert.Error(t, err)
}

func TestStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "autoirida.db")

	db, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	_, err = NewStore(db).Upsert(ctx, Update{RunID: "run-1", Status: StatusInProgress})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rec, err := NewStore(db).Get(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusInProgress, rec.Status, "interrupted attempt must not read back as uploaded")
}

func TestStoreConcurrentUpserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := openTestStore(t)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Upsert(ctx, Update{RunID: "run-1", Status: StatusInProgress})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, n, rec.AttemptCount)

	attempts, err := s.Attempts(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, attempts, n)
}

func TestStoreListCountsAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := openTestStore(t)

	for _, u := range []Update{
		{RunID: "run-b", Status: StatusInProgress},
		{RunID: "run-a", Status: StatusInProgress},
		{RunID: "run-a", Status: StatusUploaded},
		{RunID: "run-c", Status: StatusInProgress},
		{RunID: "run-c", Status: StatusFailed, Retryable: true},
	} {
		_, err := s.Upsert(ctx, u)
		require.NoError(t, err)
	}

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-a", all[0].RunID)

	inFlight, err := s.List(ctx, StatusInProgress)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, "run-b", inFlight[0].RunID)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusInProgress: 1, StatusUploaded: 1, StatusFailed: 1}, counts)

	attempts, err := s.Attempts(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, StatusInProgress, attempts[0].Status)
	assert.Equal(t, StatusUploaded, attempts[1].Status)

	require.NoError(t, s.Delete(ctx, "run-a"))
	rec, err := s.Get(ctx, "run-a")
	require.NoError(t, err)
	assert.Nil(t, rec)
	attempts, err = s.Attempts(ctx, "run-a")
	require.NoError(t, err)
	assert.Empty(t, attempts)

	assert.ErrorIs(t, s.Delete(ctx, "run-a"), ErrRecordNotFound)
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		rec         *Record
		maxAttempts int
		want        bool
	}{
		{"absent", nil, 0, false},
		{"in progress", &Record{Status: StatusInProgress, AttemptCount: 9}, 3, false},
		{"uploaded", &Record{Status: StatusUploaded}, 0, true},
		{"retryable unbounded", &Record{Status: StatusFailed, Retryable: true, AttemptCount: 100}, 0, false},
		{"retryable under limit", &Record{Status: StatusFailed, Retryable: true, AttemptCount: 2}, 3, false},
		{"retryable at limit", &Record{Status: StatusFailed, Retryable: true, AttemptCount: 3}, 3, true},
		{"permanent", &Record{Status: StatusFailed, Retryable: false, AttemptCount: 1}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTerminal(tc.rec, tc.maxAttempts))
		})
	}
}
