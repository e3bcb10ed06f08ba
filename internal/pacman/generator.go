package pacman

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/signer"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/storage"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/utils"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/version"
)

// Generator builds the pacman database archives for one (repo, arch) at a
// time. It is driven by the update actor, which serializes calls per key.
type Generator struct {
	store  *storage.Store
	signer signer.Signer
}

// NewGenerator creates a database generator. The signer is optional; when
// present every generated archive gets a detached signature beside it.
func NewGenerator(store *storage.Store, s signer.Signer) *Generator {
	return &Generator{store: store, signer: s}
}

type dbEntry struct {
	pkg  *models.Package
	info *models.PkgInfo
}

// Generate rebuilds <repo>.db.tar.gz and <repo>.files.tar.gz for the key
// and refreshes their aliases. The database carries only the newest
// version of each package name; "any" packages are folded in.
func (g *Generator) Generate(ctx context.Context, key models.RepoArchKey) error {
	packages, err := g.store.List(key.Repo, key.Arch)
	if err != nil {
		return fmt.Errorf("failed to list packages for %s: %w", key, err)
	}

	// Only the latest version of each name goes into the client DB
	latest := make(map[string]*models.Package)
	for _, pkg := range packages {
		cur, ok := latest[pkg.Name]
		if !ok || version.Compare(pkg.Version, cur.Version) > 0 {
			latest[pkg.Name] = pkg
		}
	}

	entries, err := g.loadEntries(ctx, latest)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].pkg.Name < entries[j].pkg.Name })

	dbDir, err := g.store.DBDir(key.Repo, key.Arch)
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(dbDir); err != nil {
		return fmt.Errorf("failed to create %s: %w", dbDir, err)
	}

	if err := g.writeArchive(entries, dbDir, key.Repo+".db", false); err != nil {
		return err
	}
	if err := g.writeArchive(entries, dbDir, key.Repo+".files", true); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"repo":     key.Repo,
		"arch":     key.Arch,
		"packages": len(entries),
	}).Info("Generated repository database")
	return nil
}

// loadEntries extracts .PKGINFO from every kept archive. Decompression is
// CPU-bound, so extraction fans out over a bounded worker group.
func (g *Generator) loadEntries(ctx context.Context, latest map[string]*models.Package) ([]dbEntry, error) {
	var mu sync.Mutex
	var entries []dbEntry

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))

	for _, pkg := range latest {
		pkg := pkg
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path, err := g.store.PackagePath(pkg.Repo, pkg.Filename)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				// Orphaned metadata: keep serving the rest of the repo
				logrus.WithFields(logrus.Fields{
					"package":  pkg.Name,
					"filename": pkg.Filename,
				}).Warn("Package archive missing, skipping")
				return nil
			}
			info, err := ExtractPkgInfoFile(path)
			if err != nil {
				return fmt.Errorf("failed to extract %s: %w", pkg.Filename, err)
			}
			mu.Lock()
			entries = append(entries, dbEntry{pkg: pkg, info: info})
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// writeArchive builds one gzip tar, replaces it atomically, refreshes the
// alias pacman fetches, and signs it when a signer is configured.
func (g *Generator) writeArchive(entries []dbEntry, dbDir, baseName string, files bool) error {
	data, err := buildArchive(entries, files)
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", baseName, err)
	}

	archivePath := filepath.Join(dbDir, baseName+".tar.gz")
	if err := renameio.WriteFile(archivePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", baseName, err)
	}
	if err := utils.ReplaceAlias(archivePath, filepath.Join(dbDir, baseName)); err != nil {
		return fmt.Errorf("failed to refresh %s alias: %w", baseName, err)
	}

	if g.signer == nil {
		return nil
	}
	signature, err := g.signer.SignDetached(data)
	if err != nil {
		return fmt.Errorf("failed to sign %s: %w", baseName, err)
	}
	if err := renameio.WriteFile(archivePath+".sig", signature, 0644); err != nil {
		return fmt.Errorf("failed to write %s signature: %w", baseName, err)
	}
	if err := utils.ReplaceAlias(archivePath+".sig", filepath.Join(dbDir, baseName+".sig")); err != nil {
		return fmt.Errorf("failed to refresh %s signature alias: %w", baseName, err)
	}
	return nil
}

// buildArchive creates the gzip-compressed tar with one entry per package
func buildArchive(entries []dbEntry, files bool) ([]byte, error) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	for _, e := range entries {
		var name string
		var body []byte
		if files {
			name = fmt.Sprintf("%s-%s/files", e.pkg.Name, e.pkg.Version)
			body = FilesBlock(e.pkg, e.info)
		} else {
			name = fmt.Sprintf("%s-%s/desc", e.pkg.Name, e.pkg.Version)
			body = DescBlock(e.pkg, e.info)
		}

		err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(body)),
		})
		if err != nil {
			return nil, err
		}
		if _, err := tw.Write(body); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}

	return utils.GzipCompress(tarBuf.Bytes())
}
