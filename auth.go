package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-backup/internal/sessionfile"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the session",
		Long: `Sign in to iCloud and save the session under <filepath>/.credentials.

A saved session that is still valid is reused. Otherwise the password is
read from --password, the environment or the terminal, and a two-factor code
is requested when Apple asks for one.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := cc.Cfg.Require(false); err != nil {
		return err
	}

	unlock, err := lockBackupDir(filepath.Join(cc.Cfg.CredentialsDir(), lockFileName))
	if err != nil {
		return err
	}
	defer unlock()

	ctx := shutdownContext(cmd.Context(), cc.Logger, "sign-in")

	if _, err := signIn(ctx, cc); err != nil {
		return err
	}

	cc.Statusf("Session saved to %s\n", cc.Cfg.SessionPath())

	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and delete the saved session file",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := cc.Cfg.RequireBackupDir(); err != nil {
		return err
	}

	path := cc.Cfg.SessionPath()

	st, err := sessionfile.Load(path)
	if err != nil {
		cc.Logger.Warn("saved session unreadable, removing it", slog.String("error", err.Error()))

		if rmErr := sessionfile.Remove(path); rmErr != nil {
			return rmErr
		}

		cc.Statusf("Removed %s\n", path)

		return nil
	}

	if st == nil {
		cc.Statusf("Not logged in.\n")

		return nil
	}

	client, err := newICloudClient(cc, "")
	if err != nil {
		return err
	}

	if err := client.Logout(cmd.Context()); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	cc.Statusf("Logged out. Removed %s\n", path)

	return nil
}
