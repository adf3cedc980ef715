package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-backup/internal/sync"
)

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nested", "history.db")

	s, err := Open(context.Background(), path, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, path
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func report(service string, started time.Time) *sync.ServiceReport {
	return &sync.ServiceReport{
		Service:    service,
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Sync:       sync.SyncStats{Downloaded: 3, Skipped: 10, Bytes: 4096},
	}
}

func TestOpen_AppliesMigrations(t *testing.T) {
	_, path := newTestStore(t)

	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM goose_db_version WHERE version_id > 0").Scan(&n))
	assert.Positive(t, n)

	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&n))
	assert.Zero(t, n)
}

func TestOpen_Reopen(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.RecordRun(context.Background(), report(sync.ServiceDrive, base)))
	require.NoError(t, s.Close())

	s2, err := Open(context.Background(), path, testLogger(t))
	require.NoError(t, err)
	defer s2.Close()

	runs, err := s2.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRecordRun_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	drive := report(sync.ServiceDrive, base)
	drive.Sync.Failed = 2
	drive.Sync.Failures = []sync.Failure{
		{Path: "/b/Drive/a.txt", Error: "boom"},
		{Path: "/b/Drive/b.txt", Error: "bang"},
	}

	photos := report(sync.ServicePhotos, base.Add(time.Minute))
	photos.Albums = &sync.AlbumStats{Albums: 4, Linked: 7, Pending: 1, Pruned: 2}

	failed := report(sync.ServiceDrive, base.Add(2*time.Minute))
	failed.Err = errors.New("sync: fetching drive root: forbidden")

	for _, r := range []*sync.ServiceReport{drive, photos, failed} {
		require.NoError(t, s.RecordRun(ctx, r))
	}

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.Equal(t, sync.StatusFailed, runs[0].Status)
	assert.Equal(t, "sync: fetching drive root: forbidden", runs[0].Error)

	assert.Equal(t, sync.ServicePhotos, runs[1].Service)
	assert.Equal(t, sync.StatusOK, runs[1].Status)
	require.NotNil(t, runs[1].Albums)
	assert.Equal(t, sync.AlbumStats{Albums: 4, Linked: 7, Pending: 1, Pruned: 2}, *runs[1].Albums)

	got := runs[2]
	assert.Equal(t, sync.StatusPartial, got.Status)
	assert.Nil(t, got.Albums)
	assert.True(t, got.StartedAt.Equal(base))
	assert.Equal(t, 90*time.Second, got.Duration())
	assert.Equal(t, 3, got.Stats.Downloaded)
	assert.Equal(t, 10, got.Stats.Skipped)
	assert.Equal(t, 2, got.Stats.Failed)
	assert.Equal(t, int64(4096), got.Stats.Bytes)

	failures, err := s.Failures(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, drive.Sync.Failures, failures)
}

func TestRecent_Limit(t *testing.T) {
	s, _ := newTestStore(t)

	for i := range 5 {
		require.NoError(t, s.RecordRun(context.Background(), report(sync.ServiceDrive, base.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := s.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.Equal(base.Add(4*time.Hour)))
}

func TestRecordRun_PrunesOldRuns(t *testing.T) {
	s, _ := newTestStore(t)
	s.keep = 2
	ctx := context.Background()

	first := report(sync.ServiceDrive, base)
	first.Sync.Failures = []sync.Failure{{Path: "p", Error: "e"}}
	require.NoError(t, s.RecordRun(ctx, first))

	oldest, err := s.Recent(ctx, 1)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordRun(ctx, report(sync.ServiceDrive, base.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	failures, err := s.Failures(ctx, oldest[0].ID)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestRecordRun_CanceledContext(t *testing.T) {
	s, _ := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.RecordRun(ctx, report(sync.ServiceDrive, base)))
}
