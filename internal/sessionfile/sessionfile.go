// Package sessionfile handles reading and writing the iCloud session file.
// The file stores the Apple ID session and trust tokens, the cookies set by
// the iCloud endpoints and the per-account webservice URLs, so a trusted
// device can re-establish a session without a new two-factor code.
// This is a leaf package with no dependency on the client.
package sessionfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FilePerms restricts session files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credentials directory.
const DirPerms = 0o700

// FileName is the session file name inside the credentials directory.
const FileName = "session.json"

// Cookie is the persisted subset of an HTTP cookie.
type Cookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain,omitempty"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitzero"`
}

// Expired reports whether the cookie has an expiry in the past.
func (c *Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// State is the on-disk format for session files.
type State struct {
	ClientID       string            `json:"client_id"`
	SessionToken   string            `json:"session_token,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Scnt           string            `json:"scnt,omitempty"`
	TrustToken     string            `json:"trust_token,omitempty"`
	AccountCountry string            `json:"account_country,omitempty"`
	DSID           string            `json:"dsid,omitempty"`
	FullName       string            `json:"full_name,omitempty"`
	Webservices    map[string]string `json:"webservices,omitempty"`
	Cookies        []Cookie          `json:"cookies,omitempty"`
}

// Path returns the session file path inside credentialsDir.
func Path(credentialsDir string) string {
	return filepath.Join(credentialsDir, FileName)
}

// Load reads a saved session file from disk.
// Returns (nil, nil) if the file does not exist.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("sessionfile: reading %s: %w", path, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("sessionfile: decoding %s: %w", path, err)
	}

	if st.ClientID == "" {
		return nil, fmt.Errorf("sessionfile: %s missing client_id (re-login required)", path)
	}

	return &st, nil
}

// Save writes a session file to disk atomically (write-to-temp + rename)
// with 0600 permissions. Never logs token values.
func Save(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("sessionfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessionfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sessionfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the session file. Returns nil if it does not exist.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sessionfile: removing %s: %w", path, err)
	}

	return nil
}
