package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. It powers "config show". The password is never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	if r.ConfigPath != "" {
		ew.printf("# Effective configuration (config file %s)\n\n", r.ConfigPath)
	} else {
		ew.printf("# Effective configuration (no config file)\n\n")
	}

	ew.printf("username   = %q\n", r.Username)
	ew.printf("backup_dir = %q\n", r.BackupDir)
	ew.printf("services   = [%s]\n", joinQuoted(r.Services))
	ew.printf("password   = %s\n\n", passwordState(r.Password))

	ew.printf("[transfers]\n")
	ew.printf("  concurrency     = %d\n", r.Transfers.Concurrency)
	ew.printf("  bandwidth_limit = %q\n\n", r.Transfers.BandwidthLimit)

	ew.printf("[photos]\n")
	ew.printf("  primary_album   = %q\n", r.Photos.PrimaryAlbum)
	ew.printf("  page_size       = %d\n", r.Photos.PageSize)
	ew.printf("  album_links     = %q\n", r.Photos.AlbumLinks)
	ew.printf("  albums          = %t\n", r.Photos.Albums)
	ew.printf("  max_page_errors = %d\n\n", r.Photos.MaxPageErrors)

	renderLoggingSection(ew, &r.Logging)
	renderNetworkSection(ew, &r.Network)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func passwordState(p string) string {
	if p == "" {
		return "# not set"
	}

	return "# set (hidden)"
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file           = %q\n", l.LogFile)
	}

	ew.printf("  log_format         = %q\n", l.LogFormat)
	ew.printf("  log_retention_days = %d\n", l.LogRetentionDays)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, n *NetworkConfig) {
	ew.printf("[network]\n")
	ew.printf("  connect_timeout = %q\n", n.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", n.DataTimeout)

	if n.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", n.UserAgent)
	}
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
