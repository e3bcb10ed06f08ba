package cli

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/config"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/pacman"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/scanner"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/signer"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/storage"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/utils"
)

// NewImportCmd creates the import command
func NewImportCmd() *cobra.Command {
	var (
		repo string
		move bool
	)

	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import package archives from a directory",
		Long: `Walks a directory for pacman package archives, reads their .PKGINFO
and publishes them into the repository, then rebuilds the affected
databases. Archives already present are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if repo == "" {
				repo = cfg.DefaultRepo
			}
			return runImport(cmd.Context(), cfg, args[0], repo, move)
		},
	}

	cmd.Flags().StringVarP(&repo, "repo", "r", "", "Target repo (config default when empty)")
	cmd.Flags().BoolVar(&move, "move", false, "Move archives instead of copying them")

	return cmd
}

func runImport(ctx context.Context, cfg *config.Config, dir, repo string, move bool) error {
	store, err := storage.New(cfg.DataPath)
	if err != nil {
		return err
	}

	sc := scanner.NewFileSystemScanner()
	scanned, err := sc.Scan(ctx, dir)
	if err != nil {
		return err
	}
	if len(scanned) == 0 {
		logrus.Warn("No package archives found")
		return nil
	}
	logrus.Infof("Importing %d package archives into %s", len(scanned), repo)

	var (
		mu       sync.Mutex
		imported int
		skipped  int
		touched  = make(map[models.RepoArchKey]bool)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, item := range scanned {
		item := item
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := pacman.ExtractPkgInfoFile(item.Path)
			if err != nil {
				logrus.WithError(err).Warnf("Skipping %s", item.Path)
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			checksums, err := utils.CalculateChecksums(item.Path)
			if err != nil {
				return models.WrapError(models.ErrIo, err, "failed to hash %s", item.Path)
			}
			pkg := &models.Package{
				Name:      info.PkgName,
				Version:   info.PkgVer,
				Arch:      info.Arch,
				Repo:      repo,
				Filename:  models.CanonicalFilename(info.PkgName, info.PkgVer, info.Arch),
				SHA256Sum: checksums.SHA256,
				Size:      checksums.Size,
				CreatedAt: time.Now().UTC(),
			}

			if move {
				err = store.StoreFromPath(pkg, item.Path)
			} else {
				err = storeCopy(store, pkg, item.Path)
			}
			if models.IsKind(err, models.ErrAlreadyExists) {
				logrus.Warnf("Skipping %s: already published", pkg.Filename)
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			if err != nil {
				return err
			}

			mu.Lock()
			imported++
			for _, a := range store.DatabaseArchs(repo, pkg.Arch, cfg.DefaultArch) {
				touched[models.RepoArchKey{Repo: repo, Arch: a}] = true
			}
			mu.Unlock()
			logrus.Debugf("Imported %s", pkg.Filename)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
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
	keys := make([]models.RepoArchKey, 0, len(touched))
	for key := range touched {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		if err := gen.Generate(ctx, key); err != nil {
			return err
		}
	}

	logrus.Infof("Imported %d package(s), skipped %d", imported, skipped)
	return nil
}

// storeCopy publishes an archive without consuming the source file
func storeCopy(store *storage.Store, pkg *models.Package, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.WrapError(models.ErrIo, err, "failed to read %s", path)
	}
	return store.Store(pkg, data)
}
