package sync

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	stdsync "sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestQueue starts a queue that is closed when the test ends.
func newTestQueue(t *testing.T, workers int) *TransferQueue {
	t.Helper()

	q := NewTransferQueue(context.Background(), workers, testLogger(t))
	t.Cleanup(q.Close)

	return q
}

// noAuth is an Authenticator that always succeeds.
type noAuth struct{}

func (noAuth) Reauthenticate(context.Context) error { return nil }

// mockAuth counts Reauthenticate calls and delegates to authFn when set.
type mockAuth struct {
	mu     stdsync.Mutex
	calls  int
	authFn func(ctx context.Context) error
}

func (m *mockAuth) Reauthenticate(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.authFn != nil {
		return m.authFn(ctx)
	}

	return nil
}

func (m *mockAuth) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// streamOf returns an openFunc-compatible reader over data.
func streamOf(data string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(data)))
}

// writeLocal creates a file in fs with the given content and mtime.
func writeLocal(t *testing.T, fs afero.Fs, path, content string, mtime time.Time) {
	t.Helper()

	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o600))
	require.NoError(t, fs.Chtimes(path, mtime, mtime))
}

// photoRecord builds a master record as CloudKit returns it.
func photoRecord(id, filename string, modified time.Time) icloud.Record {
	return icloud.Record{
		RecordName: id,
		RecordType: "CPLMaster",
		Fields: map[string]icloud.Field{
			"filenameEnc":    {Type: "STRING", Value: jsonString(b64(filename))},
			"resOriginalRes": {Type: "ASSETID", Value: []byte(`{"downloadURL":"https://cvws.example/` + id + `/${f}","size":5}`)},
		},
		Modified: &icloud.Timestamp{Timestamp: modified.UnixMilli()},
	}
}

// assetRecord builds an asset (non-master) record, which lacks file fields.
func assetRecord(id string) icloud.Record {
	return icloud.Record{RecordName: id, RecordType: "CPLAsset", Fields: map[string]icloud.Field{}}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func jsonString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}
