package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-backup/internal/history"
)

const defaultStatusLimit = 10

func newStatusCmd() *cobra.Command {
	var (
		limit    int
		failures bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent backup runs",
		Long: `List the most recent backup runs recorded in <filepath>/.credentials/history.db,
newest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, limit, failures, asJSON)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", defaultStatusLimit, "number of runs to show")
	cmd.Flags().BoolVar(&failures, "failures", false, "list the failed items of each run shown")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")

	return cmd
}

func runStatus(cmd *cobra.Command, limit int, failures, asJSON bool) error {
	cc := mustCLIContext(cmd.Context())

	if err := cc.Cfg.RequireBackupDir(); err != nil {
		return err
	}

	if limit < 1 {
		return fmt.Errorf("--limit must be at least 1, got %d", limit)
	}

	out := cmd.OutOrStdout()

	// Opening would create the database; a directory never backed up has none.
	if _, err := os.Stat(cc.Cfg.HistoryPath()); errors.Is(err, fs.ErrNotExist) {
		if asJSON {
			return writeJSON(out, []statusRun{})
		}

		fmt.Fprintln(out, "No backups recorded yet.")

		return nil
	}

	ctx := cmd.Context()

	store, err := history.Open(ctx, cc.Cfg.HistoryPath(), cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}

	views := make([]statusRun, 0, len(runs))

	for i := range runs {
		v := newStatusRun(&runs[i])

		if failures && runs[i].Stats.Failed+runs[i].Stats.FailedFolders+runs[i].Stats.FailedPages > 0 {
			fl, err := store.Failures(ctx, runs[i].ID)
			if err != nil {
				return err
			}

			for _, f := range fl {
				v.Failures = append(v.Failures, statusFailure{Path: f.Path, Error: f.Error})
			}
		}

		views = append(views, v)
	}

	if asJSON {
		return writeJSON(out, views)
	}

	printStatusText(out, views, time.Now())

	return nil
}

// statusRun is the display form of one recorded run.
type statusRun struct {
	ID         int64           `json:"id"`
	Service    string          `json:"service"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Downloaded int             `json:"downloaded"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Bytes      int64           `json:"bytes"`
	Albums     *int            `json:"albums,omitempty"`
	Error      string          `json:"error,omitempty"`
	Failures   []statusFailure `json:"failures,omitempty"`
}

type statusFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

func newStatusRun(r *history.Run) statusRun {
	v := statusRun{
		ID:         r.ID,
		Service:    r.Service,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Downloaded: r.Stats.Downloaded,
		Skipped:    r.Stats.Skipped,
		Failed:     r.Stats.Failed + r.Stats.FailedFolders + r.Stats.FailedPages,
		Bytes:      r.Stats.Bytes,
		Error:      r.Error,
	}

	if r.Albums != nil {
		n := r.Albums.Albums
		v.Albums = &n
	}

	return v
}

func printStatusText(w io.Writer, runs []statusRun, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No backups recorded yet.")
		return
	}

	headers := []string{"STARTED", "SERVICE", "STATUS", "DOWNLOADED", "SIZE", "SKIPPED", "FAILED", "DURATION"}
	rows := make([][]string, 0, len(runs))

	for i := range runs {
		r := &runs[i]
		rows = append(rows, []string{
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			serviceLabel(r.Service),
			r.Status,
			humanize.Comma(int64(r.Downloaded)),
			humanize.Bytes(uint64(max(r.Bytes, 0))),
			humanize.Comma(int64(r.Skipped)),
			humanize.Comma(int64(r.Failed)),
			formatDuration(r.FinishedAt.Sub(r.StartedAt)),
		})
	}

	printTable(w, headers, rows)

	for i := range runs {
		r := &runs[i]
		if r.Error == "" && len(r.Failures) == 0 {
			continue
		}

		fmt.Fprintf(w, "\nRun %d (%s, %s):\n", r.ID, serviceLabel(r.Service), r.StartedAt.Format(time.DateTime))

		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}

		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s: %s\n", f.Path, f.Error)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}

	return nil
}
