package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-backup/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// rootFlags holds the persistent flags shared by every command.
type rootFlags struct {
	ConfigPath string
	Username   string
	Password   string
	BackupDir  string
	Services   []string
	Verbose    bool
	Quiet      bool
	Strict     bool
}

// CLIContext carries what PersistentPreRunE resolved to the command that
// runs.
type CLIContext struct {
	Flags  *rootFlags
	Cfg    *config.Resolved
	Logger *slog.Logger

	// logCloser closes the rotating log file, if any.
	logCloser io.Closer
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by PersistentPreRunE.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the root command with all subcommands registered. The
// root command itself runs a backup.
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "icloud-backup",
		Short: "Back up iCloud Drive and iCloud Photos to a local directory",
		Long: `Incrementally mirror iCloud Drive and iCloud Photos into a local directory.

Files are downloaded only when their modification time differs from the
local copy. Photos are stored once under "Photos/All Photos" and albums are
built as links into that directory.`,
		Version: version,
		Args:    cobra.NoArgs,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupCLIContext(cmd, flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return closeCLIContext(cmd)
		},
		RunE: runBackup,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVarP(&flags.Username, "username", "u", "", "Apple ID (env "+config.EnvUsername+")")
	pf.StringVarP(&flags.Password, "password", "p", "", "Apple ID password (env "+config.EnvPassword+")")
	pf.StringVarP(&flags.BackupDir, "filepath", "f", "", "backup directory (env "+config.EnvFilepath+")")
	pf.StringSliceVarP(&flags.Services, "services", "s", nil, "services to back up: drive, photos")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "only log errors and suppress status output")

	cmd.Flags().BoolVar(&flags.Strict, "strict", false, "exit with status 2 when any item failed")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// setupCLIContext resolves the configuration from the four-layer override
// chain, builds the logger, and stores both in the command context.
func setupCLIContext(cmd *cobra.Command, flags *rootFlags) error {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only flags the user actually passed override lower layers.
	pf := cmd.Flags()
	if pf.Changed("username") {
		cli.Username = &flags.Username
	}

	if pf.Changed("password") {
		cli.Password = &flags.Password
	}

	if pf.Changed("filepath") {
		cli.BackupDir = &flags.BackupDir
	}

	if pf.Changed("services") {
		cli.Services = flags.Services
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return err
	}

	logger, closer, err := buildLogger(&resolved.Logging, flags, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	cc := &CLIContext{Flags: flags, Cfg: resolved, Logger: logger, logCloser: closer}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	logger.Debug("configuration resolved",
		slog.String("config_path", resolved.ConfigPath),
		slog.String("backup_dir", resolved.BackupDir),
		slog.Any("services", resolved.Services),
	)

	return nil
}

func closeCLIContext(cmd *cobra.Command) error {
	cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext)
	if !ok || cc.logCloser == nil {
		return nil
	}

	if err := cc.logCloser.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}

	return nil
}
