package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const (
	lockFileName  = "backup.lock"
	lockFilePerms = 0o600
	lockDirPerms  = 0o700
)

// lockBackupDir takes an exclusive flock on path and writes the current PID
// into it. It fails immediately when another run holds the lock. The
// returned function releases the lock and removes the file.
func lockBackupDir(path string) (unlock func(), err error) {
	if err := os.MkdirAll(filepath.Dir(path), lockDirPerms); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePerms)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another backup into this directory is already running (could not lock %s)", path)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()

		return nil, fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()

		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}
