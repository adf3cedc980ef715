package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Validation range constants.
const (
	minConcurrency    = 1
	maxConcurrency    = 128
	minPageSize       = 1
	maxPageSize       = 500
	minLogRetention   = 1
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 5 * time.Second
)

var validServices = map[string]bool{
	"drive":  true,
	"photos": true,
}

var validAlbumLinks = map[string]bool{
	"symlink":  true,
	"hardlink": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// Validate checks all configuration values and returns every error found,
// joined, so a user can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServices(cfg.Services)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validatePhotos(&cfg.Photos)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved checks a fully resolved configuration. Services may have
// been replaced by a flag, and the backup directory must be absolute after
// expansion.
func ValidateResolved(r *Resolved) error {
	var errs []error

	errs = append(errs, validateServices(r.Services)...)

	if r.BackupDir != "" && !filepath.IsAbs(r.BackupDir) {
		errs = append(errs, fmt.Errorf("backup_dir: must be absolute after expansion, got %q", r.BackupDir))
	}

	return errors.Join(errs...)
}

func validateServices(services []string) []error {
	if len(services) == 0 {
		return []error{errors.New("services: at least one of drive, photos is required")}
	}

	var errs []error

	seen := make(map[string]bool, len(services))

	for _, s := range services {
		switch {
		case !validServices[s]:
			errs = append(errs, fmt.Errorf("services: must be drive or photos, got %q", s))
		case seen[s]:
			errs = append(errs, fmt.Errorf("services: %q listed twice", s))
		}

		seen[s] = true
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.Concurrency < minConcurrency || t.Concurrency > maxConcurrency {
		errs = append(errs, fmt.Errorf("concurrency: must be between %d and %d, got %d",
			minConcurrency, maxConcurrency, t.Concurrency))
	}

	if _, err := ParseRate(t.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	return errs
}

func validatePhotos(p *PhotosConfig) []error {
	var errs []error

	switch {
	case strings.TrimSpace(p.PrimaryAlbum) == "":
		errs = append(errs, errors.New("primary_album: must not be empty"))
	case strings.ContainsAny(p.PrimaryAlbum, `/\`):
		errs = append(errs, fmt.Errorf("primary_album: must not contain path separators, got %q", p.PrimaryAlbum))
	}

	if p.PageSize < minPageSize || p.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("page_size: must be between %d and %d, got %d",
			minPageSize, maxPageSize, p.PageSize))
	}

	if !validAlbumLinks[p.AlbumLinks] {
		errs = append(errs, fmt.Errorf("album_links: must be symlink or hardlink, got %q", p.AlbumLinks))
	}

	if p.MaxPageErrors < 0 {
		errs = append(errs, fmt.Errorf("max_page_errors: must be >= 0, got %d", p.MaxPageErrors))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
