package server

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// contentTypeFor follows pacman's expectations for repo downloads
func contentTypeFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".sig"):
		return "application/pgp-signature"
	case strings.HasSuffix(filename, models.PackageSuffix):
		return "application/zstd"
	case strings.HasSuffix(filename, ".db"),
		strings.HasSuffix(filename, ".files"),
		strings.HasSuffix(filename, ".tar.gz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// isDBArtifact reports whether the filename names a generated database:
// an alias, an archive, or a signature of either.
func isDBArtifact(filename string) bool {
	base := strings.TrimSuffix(filename, ".sig")
	for _, suffix := range []string{".db", ".files", ".db.tar.gz", ".files.tar.gz"} {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

// handleRepoFile serves the pacman-facing tree: database artifacts out of
// the per-arch database directory, package archives and their signatures
// out of the repo's package directory. A package is only served under an
// architecture whose view it belongs in.
func (s *Server) handleRepoFile(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	arch := chi.URLParam(r, "arch")
	filename := chi.URLParam(r, "filename")

	var filePath string
	if isDBArtifact(filename) {
		p, err := s.store.DBFilePath(repo, arch, filename)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filePath = p
	} else {
		archiveName := strings.TrimSuffix(filename, ".sig")
		if !strings.HasSuffix(archiveName, models.PackageSuffix) {
			writeError(w, r, models.NewError(models.ErrNotFound, "file not found"))
			return
		}
		stem := strings.TrimSuffix(archiveName, models.PackageSuffix)
		pkg, err := s.store.Load(repo, stem)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !pkg.MatchesArch(arch) {
			writeError(w, r, models.NewError(models.ErrNotFound, "file not found"))
			return
		}
		p, err := s.store.PackagePath(repo, filename)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filePath = p
	}

	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		writeError(w, r, models.NewError(models.ErrNotFound, "file not found"))
		return
	}
	w.Header().Set("Content-Type", contentTypeFor(filename))
	http.ServeFile(w, r, filePath)
}
