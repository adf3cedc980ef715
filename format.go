package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tonimelisma/icloud-backup/internal/sync"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// serviceLabel returns the display name of a service.
func serviceLabel(svc string) string {
	switch svc {
	case sync.ServiceDrive:
		return "Drive"
	case sync.ServicePhotos:
		return "Photos"
	default:
		return svc
	}
}

// printRunSummary writes one line per service report, followed by the
// failed items.
func printRunSummary(w io.Writer, reports []*sync.ServiceReport) {
	for _, r := range reports {
		fmt.Fprintf(w, "%-7s %s\n", serviceLabel(r.Service)+":", formatReport(r))
	}

	for _, r := range reports {
		if len(r.Sync.Failures) == 0 {
			continue
		}

		fmt.Fprintf(w, "\n%s failures:\n", serviceLabel(r.Service))

		for _, f := range r.Sync.Failures {
			fmt.Fprintf(w, "  %s: %s\n", f.Path, f.Error)
		}
	}
}

// formatReport renders a report as a single summary line.
func formatReport(r *sync.ServiceReport) string {
	if r.Err != nil {
		return fmt.Sprintf("failed after %s: %v", formatDuration(r.Duration()), r.Err)
	}

	s := r.Sync

	parts := []string{
		fmt.Sprintf("%s downloaded (%s)", humanize.Comma(int64(s.Downloaded)), humanize.Bytes(uint64(max(s.Bytes, 0)))),
		humanize.Comma(int64(s.Skipped)) + " up to date",
		humanize.Comma(int64(s.Failed)) + " failed",
	}

	if s.Invalid > 0 {
		parts = append(parts, humanize.Comma(int64(s.Invalid))+" invalid")
	}

	if s.FailedFolders > 0 {
		parts = append(parts, fmt.Sprintf("%d folders unreadable", s.FailedFolders))
	}

	if s.FailedPages > 0 {
		parts = append(parts, fmt.Sprintf("%d pages unreadable", s.FailedPages))
	}

	line := strings.Join(parts, ", ") + " in " + formatDuration(r.Duration())

	if a := r.Albums; a != nil {
		line += fmt.Sprintf("; %d albums (%d linked, %d pending, %d pruned",
			a.Albums, a.Linked, a.Pending, a.Pruned)

		if a.Failed > 0 {
			line += fmt.Sprintf(", %d failed", a.Failed)
		}

		line += ")"
	}

	return line
}

// formatDuration rounds d for display.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row without trailing spaces.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
