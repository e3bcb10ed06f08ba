package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/config"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/pacman"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/server"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/signer"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/storage"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/updater"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/upload"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the repository server",
		Long: `Starts the HTTP server: upload API, management API and the
pacman-facing repository tree. Databases are rebuilt on startup and kept
current as packages come and go.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	store, err := storage.New(cfg.DataPath)
	if err != nil {
		return err
	}
	logrus.WithField("data_path", cfg.DataPath).Info("Storage initialized")

	var dbSigner signer.Signer
	if cfg.SigningEnabled() {
		dbSigner, err = signer.NewGPGSigner(cfg.Signing.KeyPath, cfg.Signing.Passphrase)
		if err != nil {
			return err
		}
		logrus.Info("Database signing enabled")
	}

	gen := pacman.NewGenerator(store, dbSigner)
	actor := updater.New(gen, cfg.DBDebounce.Duration)
	actor.Start()

	engine := upload.NewEngine(store, actor, upload.Options{
		MaxPayloadSize:   cfg.MaxPayloadSize,
		DefaultChunkSize: cfg.ChunkSize,
		SessionTTL:       cfg.SessionTTL.Duration,
		DefaultRepo:      cfg.DefaultRepo,
		DefaultArch:      cfg.DefaultArch,
		AutoCleanup:      cfg.AutoCleanup,
	})
	// sessions do not survive a restart, so their staging is garbage
	if err := engine.PurgeStaging(); err != nil {
		logrus.WithError(err).Warn("Failed to purge upload staging")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.RunSweeper(ctx, cfg.CleanupInterval.Duration)

	// pick up any changes made to the data directory while we were down
	rebuildAll(store, actor)

	srv := server.New(cfg, store, engine, actor)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		actor.Shutdown()
		return err
	case <-ctx.Done():
	}

	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown incomplete")
	}
	// drains pending database rebuilds before returning
	actor.Shutdown()
	logrus.Info("Shutdown complete")
	return nil
}

// rebuildAll queues a forced rebuild of every database on disk
func rebuildAll(store *storage.Store, actor *updater.Actor) {
	repos, err := store.ListRepos()
	if err != nil {
		logrus.WithError(err).Warn("Failed to list repos for startup rebuild")
		return
	}
	for _, repo := range repos {
		archs, err := store.ListArchs(repo)
		if err != nil {
			logrus.WithError(err).WithField("repo", repo).Warn("Failed to list architectures")
			continue
		}
		for _, arch := range archs {
			if arch == "any" {
				continue
			}
			actor.ForceRebuild(models.RepoArchKey{Repo: repo, Arch: arch})
		}
	}
}
