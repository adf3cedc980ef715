// Package config implements TOML configuration loading, validation, and
// path resolution for icloud-backup. Values resolve through a four-layer
// override chain: defaults -> config file -> environment -> CLI flags.
package config

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/tonimelisma/icloud-backup/internal/sessionfile"
)

// ErrMissingRequired is returned when a setting needed by the command is not
// provided by any layer.
var ErrMissingRequired = errors.New("config: missing required setting")

// credentialsDirName holds the session file and run history under the
// backup directory.
const credentialsDirName = ".credentials"

const historyFileName = "history.db"

// Config is the top-level configuration structure parsed from a TOML file.
// The password is deliberately absent: it comes from a flag, the
// environment, or a prompt.
type Config struct {
	Username  string          `toml:"username"`
	BackupDir string          `toml:"backup_dir"`
	Services  []string        `toml:"services"`
	Transfers TransfersConfig `toml:"transfers"`
	Photos    PhotosConfig    `toml:"photos"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// TransfersConfig controls the worker pool and the download rate.
type TransfersConfig struct {
	Concurrency    int    `toml:"concurrency"`
	BandwidthLimit string `toml:"bandwidth_limit"`
}

// PhotosConfig controls the photo library backup.
type PhotosConfig struct {
	PrimaryAlbum  string `toml:"primary_album"`
	PageSize      int    `toml:"page_size"`
	AlbumLinks    string `toml:"album_links"`
	Albums        bool   `toml:"albums"`
	MaxPageErrors int    `toml:"max_page_errors"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// NetworkConfig controls HTTP client timeouts and the user agent.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// Timeouts returns the parsed connect and data timeouts. Values that fail to
// parse fall back to the defaults; Validate reports them earlier.
func (n NetworkConfig) Timeouts() (connect, data time.Duration) {
	return durationOr(n.ConnectTimeout, defaultConnectTimeout), durationOr(n.DataTimeout, defaultDataTimeout)
}

func durationOr(s, fallback string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish "not
// specified" (nil) from "explicitly set to the zero value"; a nil Services
// slice means the flag was not given.
type CLIOverrides struct {
	ConfigPath string
	Username   *string
	Password   *string
	BackupDir  *string
	Services   []string
}

// Resolved is the effective configuration for one invocation, after all
// four layers have been applied.
type Resolved struct {
	Config

	Password   string
	ConfigPath string
}

// CredentialsDir is the directory holding the session file and history.
func (r *Resolved) CredentialsDir() string {
	return filepath.Join(r.BackupDir, credentialsDirName)
}

// SessionPath is the session file location.
func (r *Resolved) SessionPath() string {
	return sessionfile.Path(r.CredentialsDir())
}

// HistoryPath is the run history database location.
func (r *Resolved) HistoryPath() string {
	return filepath.Join(r.CredentialsDir(), historyFileName)
}

// RequireBackupDir checks only the backup directory, for commands that
// never sign in.
func (r *Resolved) RequireBackupDir() error {
	if r.BackupDir == "" {
		return missing("backup directory", "--filepath", EnvFilepath)
	}

	return nil
}

// Require checks that the settings a command needs are present. The backup
// directory and username are always required; the password only when
// withPassword is set.
func (r *Resolved) Require(withPassword bool) error {
	var errs []error

	if r.BackupDir == "" {
		errs = append(errs, missing("backup directory", "--filepath", EnvFilepath))
	}

	if r.Username == "" {
		errs = append(errs, missing("username", "--username", EnvUsername))
	}

	if withPassword && r.Password == "" {
		errs = append(errs, missing("password", "--password", EnvPassword))
	}

	return errors.Join(errs...)
}

func missing(what, flag, env string) error {
	return &missingError{what: what, flag: flag, env: env}
}

type missingError struct {
	what, flag, env string
}

func (e *missingError) Error() string {
	return e.what + " is required (" + e.flag + " or " + e.env + ")"
}

func (e *missingError) Unwrap() error {
	return ErrMissingRequired
}
