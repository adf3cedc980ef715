// Package history persists one row per service run in a SQLite database so
// that "status" can show what recent backups did.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/icloud-backup/internal/sync"
)

// maxRuns bounds the table; older runs are deleted after each insert.
const maxRuns = 1000

const dirPerms = 0o700

const (
	sqlInsertRun = `INSERT INTO runs
		(service, status, started_at, finished_at, downloaded, skipped, failed,
		 invalid, failed_folders, failed_pages, bytes, albums, albums_linked,
		 albums_pending, albums_pruned, albums_failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlInsertFailure = `INSERT INTO run_failures (run_id, path, error) VALUES (?, ?, ?)`

	sqlPruneRuns = `DELETE FROM runs WHERE id NOT IN
		(SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT ?)`

	sqlRecentRuns = `SELECT id, service, status, started_at, finished_at, downloaded,
		skipped, failed, invalid, failed_folders, failed_pages, bytes, albums,
		albums_linked, albums_pending, albums_pruned, albums_failed, error
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`

	sqlRunFailures = `SELECT path, error FROM run_failures WHERE run_id = ? ORDER BY rowid`
)

// Run is one recorded service run.
type Run struct {
	ID         int64
	Service    string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Stats      sync.SyncStats
	Albums     *sync.AlbumStats
	Error      string
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the run history database. It implements sync.Recorder.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	keep   int
}

// Open opens (creating if needed) the history database at path and applies
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return nil, fmt.Errorf("history: creating directory for %s: %w", path, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: opening database %s: %w", path, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("history database ready", slog.String("path", path))

	return &Store{db: db, logger: logger, keep: maxRuns}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRun stores a service report with its recorded failures and trims
// the table to the most recent runs.
func (s *Store) RecordRun(ctx context.Context, report *sync.ServiceReport) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: beginning transaction: %w", err)
	}

	defer func() {
		if err != nil {
			err = errors.Join(err, rollback(tx))
		}
	}()

	errText := ""
	if report.Err != nil {
		errText = report.Err.Error()
	}

	st := report.Sync
	albums := albumColumns(report.Albums)

	res, err := tx.ExecContext(ctx, sqlInsertRun,
		report.Service, report.Status(),
		report.StartedAt.UnixNano(), report.FinishedAt.UnixNano(),
		st.Downloaded, st.Skipped, st.Failed, st.Invalid, st.FailedFolders, st.FailedPages, st.Bytes,
		albums[0], albums[1], albums[2], albums[3], albums[4],
		errText,
	)
	if err != nil {
		return fmt.Errorf("history: inserting run: %w", err)
	}

	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("history: reading run id: %w", err)
	}

	for _, f := range st.Failures {
		if _, err = tx.ExecContext(ctx, sqlInsertFailure, runID, f.Path, f.Error); err != nil {
			return fmt.Errorf("history: inserting failure: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx, sqlPruneRuns, s.keep); err != nil {
		return fmt.Errorf("history: pruning runs: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("history: committing run: %w", err)
	}

	s.logger.Debug("recorded run",
		slog.Int64("id", runID),
		slog.String("service", report.Service),
		slog.String("status", report.Status()),
	)

	return nil
}

func rollback(tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("history: rolling back: %w", err)
	}

	return nil
}

// albumColumns flattens album stats into nullable columns.
func albumColumns(a *sync.AlbumStats) [5]sql.NullInt64 {
	if a == nil {
		return [5]sql.NullInt64{}
	}

	v := func(n int) sql.NullInt64 { return sql.NullInt64{Int64: int64(n), Valid: true} }

	return [5]sql.NullInt64{v(a.Albums), v(a.Linked), v(a.Pending), v(a.Pruned), v(a.Failed)}
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("history: querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run

	for rows.Next() {
		var (
			r                 Run
			started, finished int64
			albums            [5]sql.NullInt64
		)

		if err := rows.Scan(&r.ID, &r.Service, &r.Status, &started, &finished,
			&r.Stats.Downloaded, &r.Stats.Skipped, &r.Stats.Failed, &r.Stats.Invalid,
			&r.Stats.FailedFolders, &r.Stats.FailedPages, &r.Stats.Bytes,
			&albums[0], &albums[1], &albums[2], &albums[3], &albums[4], &r.Error,
		); err != nil {
			return nil, fmt.Errorf("history: scanning run: %w", err)
		}

		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)

		if albums[0].Valid {
			r.Albums = &sync.AlbumStats{
				Albums:  int(albums[0].Int64),
				Linked:  int(albums[1].Int64),
				Pending: int(albums[2].Int64),
				Pruned:  int(albums[3].Int64),
				Failed:  int(albums[4].Int64),
			}
		}

		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating runs: %w", err)
	}

	return runs, nil
}

// Failures returns the recorded failures of a run.
func (s *Store) Failures(ctx context.Context, runID int64) ([]sync.Failure, error) {
	rows, err := s.db.QueryContext(ctx, sqlRunFailures, runID)
	if err != nil {
		return nil, fmt.Errorf("history: querying failures: %w", err)
	}
	defer rows.Close()

	var out []sync.Failure

	for rows.Next() {
		var f sync.Failure
		if err := rows.Scan(&f.Path, &f.Error); err != nil {
			return nil, fmt.Errorf("history: scanning failure: %w", err)
		}

		out = append(out, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating failures: %w", err)
	}

	return out, nil
}
