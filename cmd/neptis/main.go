package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "neptis",
	Short:         "Per-user storage volumes with snapshot backups",
	Long:          "neptis provisions loopback-image volumes per user, serves their files over HTTP and runs restic backups and restores against them.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	defaultConfigPath := os.Getenv("NEPTIS_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/config.yaml"
	}

	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, gitCommit)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.AddCommand(serveCmd, checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
