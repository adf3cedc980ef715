package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	r := &Resolved{Config: *cfg, ConfigPath: cfgPath}

	if env.Username != "" {
		r.Username = env.Username
	}

	if env.Password != "" {
		r.Password = env.Password
	}

	if env.BackupDir != "" {
		r.BackupDir = env.BackupDir
	}

	if cli.Username != nil {
		r.Username = *cli.Username
	}

	if cli.Password != nil {
		r.Password = *cli.Password
	}

	if cli.BackupDir != nil {
		r.BackupDir = *cli.BackupDir
	}

	if cli.Services != nil {
		r.Services = normalizeServices(cli.Services)
	}

	if r.BackupDir != "" {
		if r.BackupDir, err = expandPath(r.BackupDir); err != nil {
			return nil, err
		}
	}

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return r, nil
}

// normalizeServices splits comma-separated entries so that both
// "-s drive,photos" and "-s drive -s photos" work.
func normalizeServices(in []string) []string {
	out := make([]string, 0, len(in))

	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}

// expandPath expands a leading "~/" and makes the path absolute.
func expandPath(path string) (string, error) {
	abs, err := filepath.Abs(expandTilde(path))
	if err != nil {
		return "", fmt.Errorf("config: resolving %s: %w", path, err)
	}

	return abs, nil
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
