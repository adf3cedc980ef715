package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/icloud-backup/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after all overrides",
		Long: `Print the configuration that a backup would use, after applying the config
file, environment variables and command-line flags. The password is never
printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return config.RenderEffective(cc.Cfg, cmd.OutOrStdout())
		},
	})

	return cmd
}
