package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/pacman"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/signer"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/storage"
)

// NewRebuildCmd creates the rebuild command
func NewRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild [repo [arch]]",
		Short: "Regenerate repository databases offline",
		Long: `Rebuilds pacman databases straight from the stored packages, without
a running server. With no arguments every database on disk is rebuilt;
a repo or repo+arch narrows the scope.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := storage.New(cfg.DataPath)
			if err != nil {
				return err
			}

			var dbSigner signer.Signer
			if cfg.SigningEnabled() {
				dbSigner, err = signer.NewGPGSigner(cfg.Signing.KeyPath, cfg.Signing.Passphrase)
				if err != nil {
					return err
				}
			}
			gen := pacman.NewGenerator(store, dbSigner)

			var repos []string
			if len(args) > 0 {
				repos = []string{args[0]}
			} else if repos, err = store.ListRepos(); err != nil {
				return err
			}

			for _, repo := range repos {
				var archs []string
				if len(args) > 1 {
					archs = []string{args[1]}
				} else if archs, err = store.ListArchs(repo); err != nil {
					return err
				}
				for _, arch := range archs {
					if arch == "any" {
						continue
					}
					key := models.RepoArchKey{Repo: repo, Arch: arch}
					if err := gen.Generate(cmd.Context(), key); err != nil {
						return err
					}
					logrus.Infof("Rebuilt %s", key)
				}
			}
			return nil
		},
	}
}
