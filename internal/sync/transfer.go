package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const (
	dirPerms  = 0o700
	filePerms = 0o600

	partialSuffix = ".partial"
)

// openFunc opens a remote content stream.
type openFunc func(ctx context.Context) (io.ReadCloser, error)

// fetchToFile streams remote content to dest with .partial safety: the
// stream is written to dest.partial, its mtime set to the remote value and
// the partial renamed over dest. On any failure the partial is removed and
// dest is left untouched. Returns the number of bytes written.
func fetchToFile(
	ctx context.Context, fs afero.Fs, open openFunc, dest string, mtime time.Time, limiter *BandwidthLimiter,
) (int64, error) {
	if err := fs.MkdirAll(filepath.Dir(dest), dirPerms); err != nil {
		return 0, fmt.Errorf("creating parent dir for %s: %w", dest, err)
	}

	rc, err := open(ctx)
	if err != nil {
		return 0, fmt.Errorf("opening stream: %w", err)
	}
	defer rc.Close()

	partial := dest + partialSuffix

	f, err := fs.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerms)
	if err != nil {
		return 0, fmt.Errorf("creating partial file %s: %w", partial, err)
	}

	n, copyErr := io.Copy(f, wrapReader(limiter, ctx, rc))
	closeErr := f.Close()

	if copyErr != nil {
		_ = fs.Remove(partial)
		return n, fmt.Errorf("writing %s: %w", partial, copyErr)
	}

	if closeErr != nil {
		_ = fs.Remove(partial)
		return n, fmt.Errorf("closing %s: %w", partial, closeErr)
	}

	if !mtime.IsZero() {
		if err := fs.Chtimes(partial, mtime, mtime); err != nil {
			_ = fs.Remove(partial)
			return n, fmt.Errorf("setting mtime on %s: %w", partial, err)
		}
	}

	if err := fs.Rename(partial, dest); err != nil {
		_ = fs.Remove(partial)
		return n, fmt.Errorf("renaming partial to %s: %w", dest, err)
	}

	return n, nil
}

// upToDate reports whether a local file exists at path with exactly the
// given modification time. A zero remote time never matches.
func upToDate(fs afero.Fs, path string, mtime time.Time) bool {
	if mtime.IsZero() {
		return false
	}

	fi, err := fs.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}

	return fi.ModTime().Equal(mtime)
}
