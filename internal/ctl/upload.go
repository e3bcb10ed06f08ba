package ctl

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/client"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/pacman"
)

// NewUploadCmd creates the upload command
func NewUploadCmd() *cobra.Command {
	var (
		repo      string
		arch      string
		sigPath   string
		chunkSize int64
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "upload <package.pkg.tar.zst>",
		Short: "Upload a package archive",
		Long: `Uploads a package through the chunked flow: the file is split into
chunks, each verified against the server's MD5 receipt, then assembled
and published server-side.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(cmd)
			pkg, err := c.Upload(cmd.Context(), args[0], client.UploadOptions{
				Repo:          repo,
				Arch:          arch,
				ChunkSize:     chunkSize,
				SignaturePath: sigPath,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), pkg)
			}
			return printPackage(cmd.OutOrStdout(), pkg)
		},
	}

	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Target repo (server default when empty)")
	cmd.Flags().StringVarP(&arch, "arch", "a", "", "Architecture hint (authoritative value comes from .PKGINFO)")
	cmd.Flags().StringVar(&sigPath, "sig", "", "Detached signature file to upload alongside")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Chunk size in bytes (server default when 0)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the stored package as JSON")

	return cmd
}

// NewReplaceCmd creates the replace command
func NewReplaceCmd() *cobra.Command {
	var (
		repo      string
		sigPath   string
		chunkSize int64
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "replace <package.pkg.tar.zst>",
		Short: "Replace a published package with a rebuilt archive",
		Long: `Deletes any existing record with the same name, version and
architecture, then uploads the given archive. The identity is read out
of the archive's .PKGINFO, not its filename.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := pacman.ExtractPkgInfoFile(args[0])
			if err != nil {
				return err
			}

			c := newClient(cmd)
			err = c.Delete(cmd.Context(), info.PkgName, repo, info.Arch, info.PkgVer)
			switch {
			case err == nil:
				logrus.Infof("Deleted existing %s %s", info.PkgName, info.PkgVer)
			case models.IsKind(err, models.ErrNotFound):
				logrus.Debugf("No existing %s %s to delete", info.PkgName, info.PkgVer)
			default:
				return err
			}

			pkg, err := c.Upload(cmd.Context(), args[0], client.UploadOptions{
				Repo:          repo,
				Arch:          info.Arch,
				ChunkSize:     chunkSize,
				SignaturePath: sigPath,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), pkg)
			}
			return printPackage(cmd.OutOrStdout(), pkg)
		},
	}

	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Target repo (server default when empty)")
	cmd.Flags().StringVar(&sigPath, "sig", "", "Detached signature file to upload alongside")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Chunk size in bytes (server default when 0)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the stored package as JSON")

	return cmd
}
