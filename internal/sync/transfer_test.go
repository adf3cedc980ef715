package sync

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingReader returns some data, then an error.
type failingReader struct {
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, errors.New("connection reset")
	}

	r.sent = true

	return copy(p, "partial"), nil
}

func (r *failingReader) Close() error { return nil }

func TestFetchToFile_WritesContentAndMtime(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := time.Date(2023, 7, 4, 9, 30, 15, 250_000_000, time.UTC)

	n, err := fetchToFile(context.Background(), fs, func(context.Context) (io.ReadCloser, error) {
		return streamOf("hello"), nil
	}, "/root/dir/file.txt", mtime, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	data, err := afero.ReadFile(fs, "/root/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	fi, err := fs.Stat("/root/dir/file.txt")
	require.NoError(t, err)
	assert.True(t, fi.ModTime().Equal(mtime), "mtime must match exactly")

	exists, err := afero.Exists(fs, "/root/dir/file.txt"+partialSuffix)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFetchToFile_OpenFailureLeavesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := fetchToFile(context.Background(), fs, func(context.Context) (io.ReadCloser, error) {
		return nil, errors.New("denied")
	}, "/r/file.txt", time.Now(), nil)

	require.Error(t, err)

	exists, _ := afero.Exists(fs, "/r/file.txt")
	assert.False(t, exists)

	exists, _ = afero.Exists(fs, "/r/file.txt"+partialSuffix)
	assert.False(t, exists)
}

func TestFetchToFile_CopyFailureKeepsExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	writeLocal(t, fs, "/r/file.txt", "old content", old)

	_, err := fetchToFile(context.Background(), fs, func(context.Context) (io.ReadCloser, error) {
		return &failingReader{}, nil
	}, "/r/file.txt", time.Now(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	data, err := afero.ReadFile(fs, "/r/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "old content", string(data))

	exists, _ := afero.Exists(fs, "/r/file.txt"+partialSuffix)
	assert.False(t, exists, "partial file must be removed")
}

func TestFetchToFile_ZeroMtimeLeavesCurrentTime(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := fetchToFile(context.Background(), fs, func(context.Context) (io.ReadCloser, error) {
		return streamOf("x"), nil
	}, "/r/f", time.Time{}, nil)
	require.NoError(t, err)

	fi, err := fs.Stat("/r/f")
	require.NoError(t, err)
	assert.False(t, fi.ModTime().IsZero())
}

func TestUpToDate(t *testing.T) {
	fs := afero.NewMemMapFs()
	mtime := time.Date(2024, 2, 2, 2, 2, 2, 2_000_000, time.UTC)
	writeLocal(t, fs, "/r/f", "x", mtime)
	require.NoError(t, fs.MkdirAll("/r/dir", 0o700))

	assert.True(t, upToDate(fs, "/r/f", mtime))
	assert.True(t, upToDate(fs, "/r/f", mtime.In(time.FixedZone("x", 3600))), "time zone does not matter")
	assert.False(t, upToDate(fs, "/r/f", mtime.Add(time.Millisecond)))
	assert.False(t, upToDate(fs, "/r/missing", mtime))
	assert.False(t, upToDate(fs, "/r/dir", mtime))
	assert.False(t, upToDate(fs, "/r/f", time.Time{}))
}
