package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// validateComponent rejects path components that could escape the data
// root. The filesystem will happily traverse ".." for us, so it is never
// trusted to refuse these.
func validateComponent(c string) error {
	if c == "" || c == "." || c == ".." {
		return models.NewError(models.ErrInvalidPackage, "invalid path component")
	}
	if strings.ContainsAny(c, "/\\") || strings.ContainsRune(c, 0) {
		return models.NewError(models.ErrInvalidPackage, "invalid path component")
	}
	return nil
}

// securePath joins validated components under the data root and verifies
// the result still resolves inside it.
func (s *Store) securePath(components ...string) (string, error) {
	for _, c := range components {
		if err := validateComponent(c); err != nil {
			return "", err
		}
	}
	path := filepath.Join(append([]string{s.root}, components...)...)
	if err := s.ensureUnderRoot(path); err != nil {
		return "", err
	}
	return path, nil
}

// ensureUnderRoot resolves the nearest existing ancestor of path and
// checks it is inside the data root. Leaves that do not exist yet are
// judged by their structural parent.
func (s *Store) ensureUnderRoot(path string) error {
	ancestor := filepath.Dir(path)
	for {
		resolved, err := filepath.EvalSymlinks(ancestor)
		if err == nil {
			if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) {
				return models.NewError(models.ErrInvalidPackage, "invalid path component")
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return models.WrapError(models.ErrIo, err, "failed to resolve path")
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return models.NewError(models.ErrInvalidPackage, "invalid path component")
		}
		ancestor = parent
	}
}

// PackagePath returns the path of a package archive (or its signature)
func (s *Store) PackagePath(repo, filename string) (string, error) {
	return s.securePath(repo, "packages", filename)
}

// MetadataPath returns the path of a package metadata record. The name is
// the identity stem: the archive filename without its suffix.
func (s *Store) MetadataPath(repo, name string) (string, error) {
	if err := validateComponent(name); err != nil {
		return "", err
	}
	return s.securePath(repo, "metadata", name+".json")
}

// DBDir returns the directory holding the generated databases for a
// (repo, arch) pair.
func (s *Store) DBDir(repo, arch string) (string, error) {
	return s.securePath(repo, "os", arch)
}

// DBFilePath returns the path of one generated database artifact (or its
// detached signature) under the (repo, arch) database directory.
func (s *Store) DBFilePath(repo, arch, filename string) (string, error) {
	return s.securePath(repo, "os", arch, filename)
}

// UploadsRoot returns the staging area for in-flight uploads
func (s *Store) UploadsRoot() string {
	return filepath.Join(s.root, ".uploads")
}

// UploadDir returns the staging directory for one upload session. The id
// must be a UUID v4; anything else is rejected before touching the path.
func (s *Store) UploadDir(id string) (string, error) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 4 {
		return "", models.NewError(models.ErrInvalidPackage, "invalid upload id")
	}
	return s.securePath(".uploads", id)
}
