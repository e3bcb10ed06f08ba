// Package cli implements the sw1nn-pkg-repod commands.
package cli

import (
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/config"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sw1nn-pkg-repod",
		Short: "Self-hosted pacman package repository server",
		Long: `sw1nn-pkg-repod serves Arch Linux package repositories over HTTP:
chunked package uploads, pacman-compatible database generation, version
retention and optional GPG-signed databases.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to TOML config file")
	rootCmd.PersistentFlags().String("data-path", "", "Override the configured data directory")

	// Add subcommands
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewImportCmd())
	rootCmd.AddCommand(NewRebuildCmd())

	return rootCmd
}

// loadConfig builds the effective configuration from the config file,
// the environment and command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataPath, _ := cmd.Flags().GetString("data-path"); dataPath != "" {
		abs, err := filepath.Abs(dataPath)
		if err != nil {
			return nil, models.WrapError(models.ErrConfig, err, "invalid data path")
		}
		cfg.DataPath = abs
	}
	return cfg, nil
}
