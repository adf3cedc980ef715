// Package testutil provides shared environment helpers for E2E tests. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables read by the E2E suite.
const (
	EnvTestUsername    = "ICLOUD_BACKUP_TEST_USERNAME"
	EnvAllowedAccounts = "ICLOUD_BACKUP_ALLOWED_TEST_ACCOUNTS"
)

// SessionFileName is the saved session inside a credentials directory.
const SessionFileName = "session.json"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// TestUsername returns the Apple ID the suite runs as, exiting the process
// when it is unset or missing from the allowlist. The allowlist guards
// against pointing the suite at a personal account by accident.
func TestUsername() string {
	username := os.Getenv(EnvTestUsername)
	if username == "" {
		fatalf("%s not set", EnvTestUsername)
	}

	allowlist := os.Getenv(EnvAllowedAccounts)
	if allowlist == "" {
		fatalf("%s not set (example: %s=backup-test@icloud.com)", EnvAllowedAccounts, EnvAllowedAccounts)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.EqualFold(strings.TrimSpace(a), username) {
			return username
		}
	}

	fatalf("%s=%q is not in %s=%q", EnvTestUsername, username, EnvAllowedAccounts, allowlist)

	return ""
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// InstallSession copies .testdata/session.json from the module root into
// <backupDir>/.credentials so the CLI can reuse a session created with
// "icloud-backup login" instead of prompting for a two-factor code.
func InstallSession(moduleRoot, backupDir string) {
	src := filepath.Join(moduleRoot, ".testdata", SessionFileName)

	data, err := os.ReadFile(src)
	if err != nil {
		fatalf("cannot read %s: %v (run \"icloud-backup login -f .testdata/backup\" and copy the session file)", src, err)
	}

	credDir := filepath.Join(backupDir, ".credentials")
	if err := os.MkdirAll(credDir, 0o700); err != nil {
		fatalf("creating %s: %v", credDir, err)
	}

	if err := os.WriteFile(filepath.Join(credDir, SessionFileName), data, 0o600); err != nil {
		fatalf("writing session: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	os.Exit(1)
}
