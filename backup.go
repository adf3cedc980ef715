package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-backup/internal/config"
	"github.com/tonimelisma/icloud-backup/internal/history"
	"github.com/tonimelisma/icloud-backup/internal/icloud"
	"github.com/tonimelisma/icloud-backup/internal/sync"
)

// errTransferFailures marks a finished run that left failed items behind.
// It is only returned with --strict and maps to exit status 2.
var errTransferFailures = errors.New("backup finished with failures")

func runBackup(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Cfg

	if err := cfg.Require(false); err != nil {
		return err
	}

	unlock, err := lockBackupDir(filepath.Join(cfg.CredentialsDir(), lockFileName))
	if err != nil {
		return err
	}
	defer unlock()

	ctx := shutdownContext(cmd.Context(), cc.Logger, backupOp(cfg.Services))

	client, err := signIn(ctx, cc)
	if err != nil {
		return err
	}

	limiter, err := sync.NewBandwidthLimiter(cfg.Transfers.BandwidthLimit, cc.Logger)
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()

	linker, err := sync.NewLinker(cfg.Photos.AlbumLinks, fs)
	if err != nil {
		return err
	}

	engineCfg := sync.EngineConfig{
		Drive:       client,
		Photos:      client,
		Auth:        client,
		FS:          fs,
		BackupDir:   cfg.BackupDir,
		Concurrency: cfg.Transfers.Concurrency,
		Limiter:     limiter,
		PhotosConfig: sync.PhotosConfig{
			PrimaryAlbum:  cfg.Photos.PrimaryAlbum,
			PageSize:      cfg.Photos.PageSize,
			MaxPageErrors: cfg.Photos.MaxPageErrors,
		},
		Albums: cfg.Photos.Albums,
		Linker: linker,
		Logger: cc.Logger,
	}

	// A history failure never blocks the backup itself.
	store, err := history.Open(ctx, cfg.HistoryPath(), cc.Logger)
	if err != nil {
		cc.Logger.Warn("run history unavailable", slog.String("error", err.Error()))
	} else {
		defer store.Close()
		engineCfg.Recorder = store
	}

	engine := sync.NewEngine(engineCfg)
	reports := engine.RunOnce(ctx, cfg.Services)

	if !cc.Flags.Quiet {
		printRunSummary(cmd.ErrOrStderr(), reports)
	}

	if n := engine.Reauths(); n > 0 {
		cc.Logger.Info("session renewed during run", slog.Int("reauths", n))
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	if cc.Flags.Strict && hasFailures(reports) {
		return errTransferFailures
	}

	return nil
}

// hasFailures reports whether any service failed outright or left failed
// items behind.
func hasFailures(reports []*sync.ServiceReport) bool {
	for _, r := range reports {
		if r.Status() != sync.StatusOK {
			return true
		}
	}

	return false
}

// signIn builds an authenticated client. When no password is configured and
// the saved session cannot be reused, the password is read from the
// terminal.
func signIn(ctx context.Context, cc *CLIContext) (*icloud.Client, error) {
	password := cc.Cfg.Password

	client, err := newICloudClient(cc, password)
	if err != nil {
		return nil, err
	}

	err = client.Authenticate(ctx)
	if errors.Is(err, icloud.ErrNotLoggedIn) && password == "" && stdinIsTerminal() {
		if password, err = promptPassword(cc.Cfg.Username); err != nil {
			return nil, err
		}

		if client, err = newICloudClient(cc, password); err != nil {
			return nil, err
		}

		err = client.Authenticate(ctx)
	}

	if err != nil {
		return nil, fmt.Errorf("signing in as %s: %w", cc.Cfg.Username, err)
	}

	name := client.Account().FullName
	if name == "" {
		name = cc.Cfg.Username
	}

	cc.Statusf("Authenticated as %s\n", name)

	return client, nil
}

func newICloudClient(cc *CLIContext, password string) (*icloud.Client, error) {
	return icloud.NewClient(icloud.Options{
		Username:    cc.Cfg.Username,
		Password:    password,
		SessionPath: cc.Cfg.SessionPath(),
		Prompter:    codePrompter(),
		HTTPClient:  newHTTPClient(&cc.Cfg.Network),
		Logger:      cc.Logger,
		UserAgent:   cc.Cfg.Network.UserAgent,
	})
}

// newHTTPClient applies the connect timeout to dialing and the TLS
// handshake, and the data timeout to waiting for response headers. There is
// no overall deadline since large downloads can run for a long time.
func newHTTPClient(nc *config.NetworkConfig) *http.Client {
	connect, data := nc.Timeouts()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: data}).DialContext
	transport.TLSHandshakeTimeout = connect
	transport.ResponseHeaderTimeout = data

	return &http.Client{Transport: transport}
}
