package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/utils"
)

// Store owns the on-disk package layout:
//
//	<data>/<repo>/packages/<filename>
//	<data>/<repo>/metadata/<name>.json
//	<data>/<repo>/os/<arch>/<repo>.db[.tar.gz]
//	<data>/.uploads/<upload_id>/
type Store struct {
	root string
}

// New creates a store rooted at dataPath, creating it if needed. The root
// is canonicalized once so later containment checks compare real paths.
func New(dataPath string) (*Store, error) {
	abs, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, models.WrapError(models.ErrConfig, err, "invalid data path")
	}
	if err := utils.EnsureDir(abs); err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to create data directory")
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to resolve data directory")
	}
	return &Store{root: root}, nil
}

// Root returns the canonical data root
func (s *Store) Root() string {
	return s.root
}

// Store persists archive bytes and the package record. Creation is
// exclusive: a concurrent store of the same filename loses with
// AlreadyExists and never leaves a partial file behind.
func (s *Store) Store(pkg *models.Package, data []byte) error {
	path, err := s.PackagePath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return models.WrapError(models.ErrIo, err, "failed to create package directory")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		switch {
		case os.IsExist(err):
			return models.NewError(models.ErrAlreadyExists, "package %s already exists", pkg.Filename)
		case os.IsPermission(err):
			return models.WrapError(models.ErrPermissionDenied, err, "permission denied")
		default:
			return models.WrapError(models.ErrIo, err, "failed to create package file")
		}
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return models.WrapError(models.ErrIo, err, "failed to write package file")
	}
	// The archive must be durable before the record that references it
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return models.WrapError(models.ErrIo, err, "failed to sync package file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return models.WrapError(models.ErrIo, err, "failed to close package file")
	}

	return s.writeMetadata(pkg)
}

// StoreFromPath moves a pre-assembled archive into place. Rename is
// attempted first; a cross-filesystem move degrades to copy-and-remove.
func (s *Store) StoreFromPath(pkg *models.Package, src string) error {
	path, err := s.PackagePath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return models.NewError(models.ErrAlreadyExists, "package %s already exists", pkg.Filename)
	}

	if err := utils.MoveFile(src, path); err != nil {
		if os.IsPermission(err) {
			return models.WrapError(models.ErrPermissionDenied, err, "permission denied")
		}
		return models.WrapError(models.ErrIo, err, "failed to move package file")
	}

	return s.writeMetadata(pkg)
}

func (s *Store) writeMetadata(pkg *models.Package) error {
	path, err := s.MetadataPath(pkg.Repo, pkg.MetadataKey())
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return models.WrapError(models.ErrIo, err, "failed to create metadata directory")
	}
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return models.WrapError(models.ErrIo, err, "failed to encode metadata")
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return models.WrapError(models.ErrIo, err, "failed to write metadata")
	}
	return nil
}

// Load reads one package record by its identity stem
func (s *Store) Load(repo, name string) (*models.Package, error) {
	path, err := s.MetadataPath(repo, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewError(models.ErrNotFound, "package not found")
		}
		return nil, models.WrapError(models.ErrIo, err, "failed to read metadata")
	}
	var pkg models.Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to parse metadata")
	}
	return &pkg, nil
}

// List returns the packages of a repo. With a non-empty arch the view is
// what that architecture's clients see: exact matches plus "any" packages.
// Records that fail to parse are logged and skipped, never fatal.
func (s *Store) List(repo, arch string) ([]*models.Package, error) {
	dir, err := s.securePath(repo, "metadata")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, models.WrapError(models.ErrIo, err, "failed to read metadata directory")
	}

	var packages []*models.Package
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logrus.WithError(err).WithField("record", entry.Name()).Warn("Failed to read package record")
			continue
		}
		var pkg models.Package
		if err := json.Unmarshal(data, &pkg); err != nil {
			logrus.WithError(err).WithField("record", entry.Name()).Warn("Failed to parse package record")
			continue
		}
		if arch != "" && !pkg.MatchesArch(arch) {
			continue
		}
		packages = append(packages, &pkg)
	}

	sort.Slice(packages, func(i, j int) bool {
		if packages[i].Name != packages[j].Name {
			return packages[i].Name < packages[j].Name
		}
		return packages[i].Version < packages[j].Version
	})
	return packages, nil
}

// ListAll returns every package record across all repos
func (s *Store) ListAll() ([]*models.Package, error) {
	repos, err := s.ListRepos()
	if err != nil {
		return nil, err
	}
	var packages []*models.Package
	for _, repo := range repos {
		pkgs, err := s.List(repo, "")
		if err != nil {
			return nil, err
		}
		packages = append(packages, pkgs...)
	}
	return packages, nil
}

// ListRepos returns the repo namespaces present on disk
func (s *Store) ListRepos() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to read data directory")
	}
	var repos []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		repos = append(repos, entry.Name())
	}
	sort.Strings(repos)
	return repos, nil
}

// ListArchs returns the architectures a repo has databases for
func (s *Store) ListArchs(repo string) ([]string, error) {
	dir, err := s.securePath(repo, "os")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, models.WrapError(models.ErrIo, err, "failed to read os directory")
	}
	var archs []string
	for _, entry := range entries {
		if entry.IsDir() {
			archs = append(archs, entry.Name())
		}
	}
	sort.Strings(archs)
	return archs, nil
}

// DatabaseArchs returns the concrete architectures whose databases a
// package of the given arch appears in. "any" fans out to every concrete
// arch the repo has; when none exist yet, fallback seeds the first one.
func (s *Store) DatabaseArchs(repo, arch, fallback string) []string {
	if arch != "any" {
		return []string{arch}
	}
	all, err := s.ListArchs(repo)
	if err != nil {
		logrus.WithError(err).WithField("repo", repo).Warn("Failed to list architectures")
	}
	var archs []string
	for _, a := range all {
		if a != "any" {
			archs = append(archs, a)
		}
	}
	if len(archs) == 0 {
		archs = append(archs, fallback)
	}
	return archs
}

// Delete removes a package's archive, signature and record. Already
// missing files are tolerated so a half-deleted package can be retried.
func (s *Store) Delete(pkg *models.Package) error {
	archivePath, err := s.PackagePath(pkg.Repo, pkg.Filename)
	if err != nil {
		return err
	}
	metaPath, err := s.MetadataPath(pkg.Repo, pkg.MetadataKey())
	if err != nil {
		return err
	}

	for _, path := range []string{archivePath, archivePath + ".sig", metaPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			if os.IsPermission(err) {
				return models.WrapError(models.ErrPermissionDenied, err, "permission denied")
			}
			return models.WrapError(models.ErrIo, err, "failed to delete package")
		}
	}
	return nil
}

// Exists reports whether a package archive is present
func (s *Store) Exists(repo, filename string) (bool, error) {
	path, err := s.PackagePath(repo, filename)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, models.WrapError(models.ErrIo, err, "failed to stat package")
	}
	return true, nil
}
