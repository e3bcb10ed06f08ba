// Package ctl implements the sw1nn-pkg-ctl operator commands.
package ctl

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/client"
)

const (
	envServerURL = "SW1NN_REPO_URL"
	envToken     = "SW1NN_REPO_TOKEN"

	defaultServerURL = "http://127.0.0.1:3000"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sw1nn-pkg-ctl",
		Short: "Operator client for the sw1nn package repository",
		Long: `sw1nn-pkg-ctl manages packages on a sw1nn-pkg-repod server:
chunked uploads, listing, deletion and version retention.

The server URL comes from --server or $SW1NN_REPO_URL; the bearer token
from --token or $SW1NN_REPO_TOKEN.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().String("server", "", "Server URL")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for mutating operations")

	rootCmd.AddCommand(NewUploadCmd())
	rootCmd.AddCommand(NewReplaceCmd())
	rootCmd.AddCommand(NewListCmd())
	rootCmd.AddCommand(NewDeleteCmd())
	rootCmd.AddCommand(NewCleanupCmd())

	return rootCmd
}

// newClient resolves connection settings from flags and environment
func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = os.Getenv(envServerURL)
	}
	if server == "" {
		server = defaultServerURL
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv(envToken)
	}
	return client.New(server, token)
}
