package main

import (
	"fmt"

	"github.com/cuongbtq/neptis/internal/config"
	"github.com/spf13/cobra"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loadDotEnv()

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (data=%s repo=%s engine=%s)\n",
			configPath, cfg.Storage.DataPath, cfg.Storage.RepoPath, cfg.Engine.Binary)
		return nil
	},
}
