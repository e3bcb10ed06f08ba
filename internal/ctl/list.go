package ctl

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/version"
)

// NewListCmd creates the list command
func NewListCmd() *cobra.Command {
	var (
		name    string
		repo    string
		arch    string
		sortBy  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			pkgs, err := c.List(cmd.Context(), name, repo, arch)
			if err != nil {
				return err
			}
			if err := sortPackages(pkgs, sortBy); err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), pkgs)
			}
			return printPackages(cmd.OutOrStdout(), pkgs)
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Filter by package name")
	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Filter by repo")
	cmd.Flags().StringVarP(&arch, "arch", "a", "", "Filter by architecture")
	cmd.Flags().StringVar(&sortBy, "sort", "name", "Sort order: name, version, size or date")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON instead of a table")

	return cmd
}

func sortPackages(pkgs []*models.Package, by string) error {
	switch by {
	case "name", "":
		sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	case "version":
		sort.SliceStable(pkgs, func(i, j int) bool {
			if pkgs[i].Name != pkgs[j].Name {
				return pkgs[i].Name < pkgs[j].Name
			}
			return version.Compare(pkgs[i].Version, pkgs[j].Version) > 0
		})
	case "size":
		sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i].Size > pkgs[j].Size })
	case "date":
		sort.SliceStable(pkgs, func(i, j int) bool { return pkgs[i].CreatedAt.After(pkgs[j].CreatedAt) })
	default:
		return fmt.Errorf("unknown sort order %q", by)
	}
	return nil
}
