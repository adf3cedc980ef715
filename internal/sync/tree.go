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

var errNameCollision = errors.New("sync: another drive item maps to the same local path")

// DriveService is the remote file tree consumed by TreeSyncer.
type DriveService interface {
	RootNode(ctx context.Context) (*icloud.Node, error)
	Node(ctx context.Context, id string) (*icloud.Node, error)
	OpenFile(ctx context.Context, item icloud.Item) (io.ReadCloser, error)
}

// TreeSyncer mirrors the Drive folder tree into a local directory. Folder
// listings and file downloads both run as queue tasks, so the walk fans out
// across the queue's workers.
type TreeSyncer struct {
	drive   DriveService
	guard   *SessionGuard
	queue   *TransferQueue
	fs      afero.Fs
	limiter *BandwidthLimiter
	logger  *slog.Logger
}

// NewTreeSyncer creates a TreeSyncer.
func NewTreeSyncer(
	drive DriveService, guard *SessionGuard, queue *TransferQueue,
	fs afero.Fs, limiter *BandwidthLimiter, logger *slog.Logger,
) *TreeSyncer {
	return &TreeSyncer{drive: drive, guard: guard, queue: queue, fs: fs, limiter: limiter, logger: logger}
}

// Sync mirrors the whole Drive into localRoot and returns when every
// traversal and transfer it started has finished. Only a failure to list
// the root or create localRoot is returned as an error; everything else is
// counted in the stats.
func (s *TreeSyncer) Sync(ctx context.Context, localRoot string) (SyncStats, error) {
	c := &counters{}

	root, err := guardValue(ctx, s.guard, s.drive.RootNode)
	if err != nil {
		return c.snapshot(), fmt.Errorf("sync: fetching drive root: %w", err)
	}

	if err := s.fs.MkdirAll(localRoot, dirPerms); err != nil {
		return c.snapshot(), fmt.Errorf("sync: creating %s: %w", localRoot, err)
	}

	group := s.queue.Group()
	s.syncFolder(ctx, group, c, root, localRoot)
	group.Wait()

	stats := c.snapshot()
	s.logger.Info("drive sync complete",
		slog.Int("downloaded", stats.Downloaded),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", stats.Failed),
		slog.Int("failed_folders", stats.FailedFolders),
	)

	return stats, nil
}

// syncFolder schedules work for every child of node. It never blocks on the
// work it schedules. Of several children mapping to the same local path only
// the first listed is synced; the others are counted as failed.
func (s *TreeSyncer) syncFolder(ctx context.Context, group *TaskGroup, c *counters, node *icloud.Node, localDir string) {
	claimed := make(map[string]string, len(node.Items))

	for i := range node.Items {
		item := node.Items[i]

		if item.Name == "" {
			s.logger.Warn("skipping unnamed drive item", slog.String("id", item.ID))
			continue
		}

		var dest string

		switch {
		case item.Type == icloud.ItemFile:
			dest = filepath.Join(localDir, driveFileName(&item))
		case item.Type.IsContainer():
			dest = filepath.Join(localDir, localName(item.Name))
		}

		if owner, dup := claimed[dest]; dup && dest != "" {
			s.logger.Warn("skipping drive item whose local path is taken",
				slog.String("path", dest),
				slog.String("id", item.ID),
				slog.String("taken_by", owner),
			)
			c.recordFailure(dest, fmt.Errorf("%w: %s", errNameCollision, item.ID))

			continue
		}

		claimed[dest] = item.ID

		switch {
		case item.Type == icloud.ItemFile:
			s.scheduleFile(group, c, item, dest)
		case item.Type.IsContainer():
			dir := dest
			group.Submit(Task{Path: dir, Run: func(ctx context.Context) error {
				return s.syncChild(ctx, group, c, item, dir)
			}})
		default:
			s.logger.Debug("skipping drive item of unknown type",
				slog.String("name", item.Name),
				slog.String("type", string(item.Type)),
			)
		}
	}
}

func (s *TreeSyncer) scheduleFile(group *TaskGroup, c *counters, item icloud.Item, dest string) {
	if item.ModifiedAt.IsZero() {
		s.logger.Warn("drive file has no modification time, downloading", slog.String("path", dest))
	} else if upToDate(s.fs, dest, item.ModifiedAt) {
		c.skipped.Add(1)
		return
	}

	group.Submit(Task{Path: dest, Run: func(ctx context.Context) error {
		open := func(ctx context.Context) (io.ReadCloser, error) {
			return guardValue(ctx, s.guard, func(ctx context.Context) (io.ReadCloser, error) {
				return s.drive.OpenFile(ctx, item)
			})
		}

		n, err := fetchToFile(ctx, s.fs, open, dest, item.ModifiedAt, s.limiter)
		if err != nil {
			c.recordFailure(dest, err)
			return err
		}

		c.recordDownload(n)
		s.logger.Debug("downloaded", slog.String("path", dest), slog.Int64("bytes", n))

		return nil
	}})
}

// syncChild fetches one child folder and continues the walk below it. A
// failed fetch skips the subtree.
func (s *TreeSyncer) syncChild(ctx context.Context, group *TaskGroup, c *counters, item icloud.Item, dir string) error {
	node, err := guardValue(ctx, s.guard, func(ctx context.Context) (*icloud.Node, error) {
		return s.drive.Node(ctx, item.ID)
	})
	if err != nil {
		err = fmt.Errorf("fetching folder, skipping subtree: %w", err)
		c.recordFolderFailure(dir, err)

		return err
	}

	if err := s.fs.MkdirAll(dir, dirPerms); err != nil {
		err = fmt.Errorf("creating folder, skipping subtree: %w", err)
		c.recordFolderFailure(dir, err)

		return err
	}

	s.syncFolder(ctx, group, c, node, dir)

	return nil
}
