//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/icloud-backup/testutil"
)

var (
	binaryPath string
	moduleRoot string
	username   string
)

func TestMain(m *testing.M) {
	moduleRoot = testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(moduleRoot, ".env"))
	username = testutil.TestUsername()

	tmpDir, err := os.MkdirTemp("", "icloud-backup-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "icloud-backup")

	cmd := exec.Command("go", "build", "-o", binaryPath, ".")
	cmd.Dir = moduleRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "building binary: %v\n", err)
		os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// runCLI runs the binary with an isolated config home and returns stdout,
// stderr and the exit code.
func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+t.TempDir(),
		"ICLOUD_BACKUP_CONFIG=",
		"ICLOUD_BACKUP_PASSWORD=",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		t.Fatalf("running %v: %v", args, err)
	}

	return stdout.String(), stderr.String(), code
}

var downloadedRe = regexp.MustCompile(`(?m)^(Drive|Photos):\s+([\d,]+) downloaded`)

// downloadedCounts extracts the per-service download counts from a run
// summary.
func downloadedCounts(t *testing.T, summary string) map[string]int {
	t.Helper()

	counts := make(map[string]int)

	for _, m := range downloadedRe.FindAllStringSubmatch(summary, -1) {
		n, err := strconv.Atoi(strings.ReplaceAll(m[2], ",", ""))
		require.NoError(t, err)

		counts[m[1]] = n
	}

	return counts
}

func TestE2E_BackupIsIncremental(t *testing.T) {
	backupDir := t.TempDir()
	testutil.InstallSession(moduleRoot, backupDir)

	args := []string{"-u", username, "-f", backupDir, "-s", "drive,photos"}

	_, stderr, code := runCLI(t, args...)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "Authenticated as")

	first := downloadedCounts(t, stderr)
	require.Contains(t, first, "Drive")
	require.Contains(t, first, "Photos")

	assert.DirExists(t, filepath.Join(backupDir, "Drive"))
	assert.DirExists(t, filepath.Join(backupDir, "Photos", "All Photos"))

	_, stderr, code = runCLI(t, args...)
	require.Equal(t, 0, code, stderr)

	second := downloadedCounts(t, stderr)
	assert.Equal(t, 0, second["Drive"], "second drive run should download nothing")
	assert.Equal(t, 0, second["Photos"], "second photos run should download nothing")

	t.Run("status", func(t *testing.T) {
		stdout, stderr, code := runCLI(t, "status", "-f", backupDir, "--json")
		require.Equal(t, 0, code, stderr)

		var runs []map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &runs))
		assert.Len(t, runs, 4)
	})
}

func TestE2E_MissingSessionWithoutTerminal(t *testing.T) {
	_, stderr, code := runCLI(t, "-u", username, "-f", t.TempDir())

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "not logged in")
}

func TestE2E_ConfigShowHidesPassword(t *testing.T) {
	stdout, stderr, code := runCLI(t, "config", "show", "-u", username, "-p", "not-a-real-password", "-f", t.TempDir())
	require.Equal(t, 0, code, stderr)

	assert.Contains(t, stdout, username)
	assert.NotContains(t, stdout, "not-a-real-password")
}
