package ctl

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewDeleteCmd creates the delete command
func NewDeleteCmd() *cobra.Command {
	var (
		ver  string
		repo string
		arch string
	)

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a package, one version, or a version range",
		Long: `Without --version the whole package is removed. --version takes an
exact version like "1.2.0-1" or a range like "^1.0.0"; ranges are
checked against the pkgver part.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			c := newClient(cmd)
			out := cmd.OutOrStdout()

			if ver == "" {
				if err := c.Delete(cmd.Context(), name, repo, arch, ""); err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %s\n", name)
				return nil
			}

			res, err := c.DeleteVersions(cmd.Context(), name, []string{ver}, repo, arch)
			if err != nil {
				return err
			}
			if res.DeletedCount == 0 {
				fmt.Fprintf(out, "No versions of %s match %s\n", name, ver)
				return nil
			}
			fmt.Fprintf(out, "Deleted %d version(s) of %s: %s\n",
				res.DeletedCount, name, strings.Join(res.DeletedVersions, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&ver, "version", "", "Exact version or range to delete")
	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Repo (server default when empty)")
	cmd.Flags().StringVarP(&arch, "arch", "a", "", "Restrict to one architecture")

	return cmd
}

// NewCleanupCmd creates the cleanup command
func NewCleanupCmd() *cobra.Command {
	var (
		pattern string
		repo    string
		arch    string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run version retention on the server",
		Long: `Asks the server to apply its retention policy to every package whose
name matches the glob pattern, keeping the newest versions and deleting
the rest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			res, err := c.Cleanup(cmd.Context(), pattern, repo, arch)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Processed %d package(s), deleted %d version(s)\n",
				res.PackagesProcessed, res.VersionsDeleted)
			for _, d := range res.Details {
				fmt.Fprintf(out, "  %s: %s\n", d.Name, strings.Join(d.DeletedVersions, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&pattern, "pattern", "p", "*", "Glob pattern on package names")
	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Repo (server default when empty)")
	cmd.Flags().StringVarP(&arch, "arch", "a", "", "Restrict to one architecture")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON instead of a summary")

	return cmd
}
