package sync

import (
	stdsync "sync"
	"sync/atomic"
	"time"
)

// maxRecordedFailures caps the per-run failure list. The Failed counter
// stays exact regardless of the cap.
const maxRecordedFailures = 100

// Service names.
const (
	ServiceDrive  = "drive"
	ServicePhotos = "photos"
)

// Run statuses recorded in history.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Failure is one failed transfer or traversal.
type Failure struct {
	Path  string
	Error string
}

// SyncStats summarizes one syncer run.
type SyncStats struct {
	Downloaded    int
	Skipped       int
	Failed        int
	Invalid       int
	FailedFolders int
	FailedPages   int
	Bytes         int64
	Failures      []Failure
}

// AlbumStats summarizes one album reconciliation.
type AlbumStats struct {
	Albums  int
	Linked  int
	Present int
	Pending int
	Pruned  int
	Failed  int
}

// ServiceReport is the outcome of one service in one run.
type ServiceReport struct {
	Service    string
	StartedAt  time.Time
	FinishedAt time.Time
	Sync       SyncStats
	Albums     *AlbumStats
	Err        error
}

// Duration returns how long the service ran.
func (r *ServiceReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Status classifies the run: failed when the service could not run at all,
// partial when individual items failed, ok otherwise.
func (r *ServiceReport) Status() string {
	switch {
	case r.Err != nil:
		return StatusFailed
	case r.Sync.Failed > 0 || r.Sync.FailedFolders > 0 || r.Sync.FailedPages > 0:
		return StatusPartial
	case r.Albums != nil && r.Albums.Failed > 0:
		return StatusPartial
	default:
		return StatusOK
	}
}

// counters accumulates SyncStats from concurrent tasks.
type counters struct {
	downloaded    atomic.Int64
	skipped       atomic.Int64
	failed        atomic.Int64
	invalid       atomic.Int64
	failedFolders atomic.Int64
	failedPages   atomic.Int64
	bytes         atomic.Int64

	mu       stdsync.Mutex
	failures []Failure
}

func (c *counters) recordDownload(n int64) {
	c.downloaded.Add(1)
	c.bytes.Add(n)
}

func (c *counters) recordFailure(path string, err error) {
	c.failed.Add(1)
	c.addFailure(path, err)
}

func (c *counters) recordFolderFailure(path string, err error) {
	c.failedFolders.Add(1)
	c.addFailure(path, err)
}

func (c *counters) addFailure(path string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.failures) < maxRecordedFailures {
		c.failures = append(c.failures, Failure{Path: path, Error: err.Error()})
	}
}

func (c *counters) snapshot() SyncStats {
	c.mu.Lock()
	failures := append([]Failure(nil), c.failures...)
	c.mu.Unlock()

	return SyncStats{
		Downloaded:    int(c.downloaded.Load()),
		Skipped:       int(c.skipped.Load()),
		Failed:        int(c.failed.Load()),
		Invalid:       int(c.invalid.Load()),
		FailedFolders: int(c.failedFolders.Load()),
		FailedPages:   int(c.failedPages.Load()),
		Bytes:         c.bytes.Load(),
		Failures:      failures,
	}
}
