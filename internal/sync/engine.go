package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Top-level directories under the backup root.
const (
	DriveDir  = "Drive"
	PhotosDir = "Photos"
)

// Recorder persists run reports.
type Recorder interface {
	RecordRun(ctx context.Context, report *ServiceReport) error
}

// EngineConfig holds the collaborators and settings of an Engine. Drive and
// Photos may be nil when the corresponding service is never requested.
type EngineConfig struct {
	Drive  DriveService
	Photos PhotoLibrary
	Auth   Authenticator

	FS        afero.Fs
	BackupDir string

	Concurrency int
	Limiter     *BandwidthLimiter

	PhotosConfig PhotosConfig
	// Albums enables album reconciliation after the photos sync.
	Albums bool
	Linker Linker

	// Recorder is optional.
	Recorder Recorder
	Logger   *slog.Logger
}

// Engine runs backups of the selected services. One SessionGuard spans the
// engine's lifetime; each run gets its own TransferQueue shared by the
// services it runs.
type Engine struct {
	cfg   EngineConfig
	guard *SessionGuard
	now   func() time.Time
}

// NewEngine creates an Engine, filling unset settings with defaults.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.Linker == nil {
		cfg.Linker = &SymlinkLinker{fs: cfg.FS}
	}

	cfg.PhotosConfig = cfg.PhotosConfig.withDefaults()

	return &Engine{
		cfg:   cfg,
		guard: NewSessionGuard(cfg.Auth, cfg.Logger),
		now:   time.Now,
	}
}

// Reauths returns the number of mid-run reauthentications so far.
func (e *Engine) Reauths() int {
	return e.guard.Reauths()
}

// RunOnce backs up the given services concurrently and returns one report
// per service, in the order requested. A failing or panicking service never
// affects the others.
func (e *Engine) RunOnce(ctx context.Context, services []string) []*ServiceReport {
	queue := NewTransferQueue(ctx, e.cfg.Concurrency, e.cfg.Logger)
	defer queue.Close()

	reports := make([]*ServiceReport, len(services))

	var g errgroup.Group

	for i, svc := range services {
		g.Go(func() error {
			reports[i] = e.runService(ctx, queue, svc)
			return nil
		})
	}

	_ = g.Wait()

	qs := queue.Stats()
	e.cfg.Logger.Debug("transfer queue drained",
		slog.Int("succeeded", qs.Succeeded),
		slog.Int("failed", qs.Failed),
		slog.Int("peak", qs.Peak),
	)

	return reports
}

func (e *Engine) runService(ctx context.Context, queue *TransferQueue, svc string) (report *ServiceReport) {
	report = &ServiceReport{Service: svc, StartedAt: e.now()}
	logger := e.cfg.Logger.With(slog.String("service", svc))

	defer func() {
		if r := recover(); r != nil {
			report.Err = fmt.Errorf("panic in %s backup: %v", svc, r)
		}

		report.FinishedAt = e.now()
		e.finish(ctx, logger, report)
	}()

	switch svc {
	case ServiceDrive:
		e.runDrive(ctx, queue, logger, report)
	case ServicePhotos:
		e.runPhotos(ctx, queue, logger, report)
	default:
		report.Err = fmt.Errorf("sync: unknown service %q", svc)
	}

	return report
}

func (e *Engine) runDrive(ctx context.Context, queue *TransferQueue, logger *slog.Logger, report *ServiceReport) {
	if e.cfg.Drive == nil {
		report.Err = fmt.Errorf("sync: drive service not configured")
		return
	}

	ts := NewTreeSyncer(e.cfg.Drive, e.guard, queue, e.cfg.FS, e.cfg.Limiter, logger)
	report.Sync, report.Err = ts.Sync(ctx, filepath.Join(e.cfg.BackupDir, DriveDir))
}

func (e *Engine) runPhotos(ctx context.Context, queue *TransferQueue, logger *slog.Logger, report *ServiceReport) {
	if e.cfg.Photos == nil {
		report.Err = fmt.Errorf("sync: photo library not configured")
		return
	}

	root := filepath.Join(e.cfg.BackupDir, PhotosDir)

	ps := NewPhotosSyncer(e.cfg.Photos, e.guard, queue, e.cfg.FS, e.cfg.Limiter, logger, e.cfg.PhotosConfig)
	report.Sync, report.Err = ps.Sync(ctx, root)

	if !e.cfg.Albums || ctx.Err() != nil {
		return
	}

	ar := NewAlbumReconciler(e.cfg.Photos, e.guard, e.cfg.FS, e.cfg.Linker, logger, e.cfg.PhotosConfig)

	stats, err := ar.Reconcile(ctx, root)
	if err != nil {
		logger.Error("album reconciliation skipped", slog.String("error", err.Error()))
		stats.Failed++
	}

	report.Albums = &stats
}

// finish logs the outcome and hands the report to the recorder. Recording
// uses a context that survives cancellation so interrupted runs are kept.
func (e *Engine) finish(ctx context.Context, logger *slog.Logger, report *ServiceReport) {
	attrs := []any{
		slog.String("status", report.Status()),
		slog.Int("downloaded", report.Sync.Downloaded),
		slog.Int("skipped", report.Sync.Skipped),
		slog.Int("failed", report.Sync.Failed),
		slog.Duration("duration", report.Duration()),
	}

	if report.Err != nil {
		logger.Error("backup failed", append(attrs, slog.String("error", report.Err.Error()))...)
	} else {
		logger.Info("backup finished", attrs...)
	}

	if e.cfg.Recorder == nil {
		return
	}

	if err := e.cfg.Recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
		logger.Warn("could not record run", slog.String("error", err.Error()))
	}
}
