package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

// Photo library defaults.
const (
	DefaultPageSize      = 100
	DefaultMaxPageErrors = 10
	DefaultPrimaryAlbum  = "All Photos"
)

// PhotoLibrary is the remote photo collection consumed by PhotosSyncer and
// AlbumReconciler.
type PhotoLibrary interface {
	QueryPage(ctx context.Context, offset, limit int) ([]icloud.Record, error)
	Albums(ctx context.Context) (map[string]icloud.Album, error)
	AlbumMembers(ctx context.Context, album icloud.Album) ([]icloud.Record, error)
	OpenAsset(ctx context.Context, url, filename string) (io.ReadCloser, error)
}

// PhotosConfig configures PhotosSyncer and AlbumReconciler.
type PhotosConfig struct {
	// PrimaryAlbum names the directory holding every photo.
	PrimaryAlbum string
	// PageSize is the offset step L; each page requests 2L records since
	// the collection interleaves asset and master records.
	PageSize int
	// MaxPageErrors stops paging after this many consecutive failed page
	// requests. Zero means never stop.
	MaxPageErrors int
}

func (c PhotosConfig) withDefaults() PhotosConfig {
	if c.PrimaryAlbum == "" {
		c.PrimaryAlbum = DefaultPrimaryAlbum
	}

	if c.PageSize < 1 {
		c.PageSize = DefaultPageSize
	}

	if c.MaxPageErrors < 0 {
		c.MaxPageErrors = 0
	}

	return c
}

// PhotosSyncer mirrors the primary photo collection into
// <root>/<PrimaryAlbum>/ under content-addressed names. Pages are fetched
// one at a time; downloads run on the queue.
type PhotosSyncer struct {
	library PhotoLibrary
	guard   *SessionGuard
	queue   *TransferQueue
	fs      afero.Fs
	limiter *BandwidthLimiter
	logger  *slog.Logger
	cfg     PhotosConfig
}

// NewPhotosSyncer creates a PhotosSyncer.
func NewPhotosSyncer(
	library PhotoLibrary, guard *SessionGuard, queue *TransferQueue,
	fs afero.Fs, limiter *BandwidthLimiter, logger *slog.Logger, cfg PhotosConfig,
) *PhotosSyncer {
	return &PhotosSyncer{
		library: library,
		guard:   guard,
		queue:   queue,
		fs:      fs,
		limiter: limiter,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

// Sync pages through the collection until an empty page and downloads
// every record whose local copy is missing or stale. It returns when all
// downloads it started have finished.
func (s *PhotosSyncer) Sync(ctx context.Context, localRoot string) (SyncStats, error) {
	c := &counters{}
	primaryDir := filepath.Join(localRoot, localName(s.cfg.PrimaryAlbum))

	if err := s.fs.MkdirAll(primaryDir, dirPerms); err != nil {
		return c.snapshot(), fmt.Errorf("sync: creating %s: %w", primaryDir, err)
	}

	group := s.queue.Group()
	err := s.page(ctx, group, c, primaryDir)
	group.Wait()

	stats := c.snapshot()
	s.logger.Info("photos sync complete",
		slog.Int("downloaded", stats.Downloaded),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Int("invalid", stats.Invalid),
		slog.Int("failed_pages", stats.FailedPages),
	)

	return stats, err
}

func (s *PhotosSyncer) page(ctx context.Context, group *TaskGroup, c *counters, primaryDir string) error {
	limit := 2 * s.cfg.PageSize
	seen := make(map[string]struct{})
	consecutiveErrs := 0

	for offset := 0; ; offset += s.cfg.PageSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync: photos paging canceled: %w", err)
		}

		recs, err := guardValue(ctx, s.guard, func(ctx context.Context) ([]icloud.Record, error) {
			return s.library.QueryPage(ctx, offset, limit)
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("sync: photos paging canceled: %w", ctx.Err())
			}

			c.failedPages.Add(1)
			consecutiveErrs++

			s.logger.Error("photo page request failed",
				slog.Int("offset", offset),
				slog.String("error", err.Error()),
			)

			if s.cfg.MaxPageErrors > 0 && consecutiveErrs >= s.cfg.MaxPageErrors {
				return fmt.Errorf("sync: giving up after %d consecutive page failures: %w", consecutiveErrs, err)
			}

			continue
		}

		consecutiveErrs = 0

		if len(recs) == 0 {
			return nil
		}

		for i := range recs {
			s.handleRecord(group, c, primaryDir, &recs[i], seen)
		}
	}
}

func (s *PhotosSyncer) handleRecord(
	group *TaskGroup, c *counters, primaryDir string, raw *icloud.Record, seen map[string]struct{},
) {
	if raw.RecordType == recordTypeAsset {
		return
	}

	rec, err := parsePhotoRecord(raw)
	if err != nil {
		var incomplete *IncompleteRecordError
		if errors.As(err, &incomplete) {
			c.invalid.Add(1)
			s.logger.Debug("skipping incomplete record", slog.String("error", err.Error()))
		}

		return
	}

	if _, dup := seen[rec.RecordID]; dup {
		return
	}

	seen[rec.RecordID] = struct{}{}

	dest := filepath.Join(primaryDir, rec.LocalName())
	if upToDate(s.fs, dest, rec.Modified) {
		c.skipped.Add(1)
		return
	}

	group.Submit(Task{Path: dest, Run: func(ctx context.Context) error {
		open := func(ctx context.Context) (io.ReadCloser, error) {
			return guardValue(ctx, s.guard, func(ctx context.Context) (io.ReadCloser, error) {
				return s.library.OpenAsset(ctx, rec.DownloadURL, rec.FileName)
			})
		}

		n, err := fetchToFile(ctx, s.fs, open, dest, rec.Modified, s.limiter)
		if err != nil {
			c.recordFailure(dest, err)
			return err
		}

		c.recordDownload(n)
		s.logger.Debug("downloaded",
			slog.String("path", dest),
			slog.String("file", rec.FileName),
			slog.Int64("bytes", n),
		)

		return nil
	}})
}
