package server

import (
	"net/http"
	"path"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/version"
)

type listResponse struct {
	Packages []*models.Package `json:"packages"`
	Count    int               `json:"count"`
}

// handleListPackages applies the name/repo/arch filters conjunctively.
// The arch filter shows the client view: "any" packages appear under
// every concrete arch.
func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, repo, arch := q.Get("name"), q.Get("repo"), q.Get("arch")

	var (
		pkgs []*models.Package
		err  error
	)
	if repo != "" {
		pkgs, err = s.store.List(repo, arch)
	} else {
		pkgs, err = s.store.ListAll()
		if err == nil && arch != "" {
			filtered := pkgs[:0]
			for _, p := range pkgs {
				if p.MatchesArch(arch) {
					filtered = append(filtered, p)
				}
			}
			pkgs = filtered
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if name != "" {
		filtered := pkgs[:0]
		for _, p := range pkgs {
			if p.Name == name {
				filtered = append(filtered, p)
			}
		}
		pkgs = filtered
	}
	if pkgs == nil {
		pkgs = []*models.Package{}
	}
	writeJSON(w, http.StatusOK, listResponse{Packages: pkgs, Count: len(pkgs)})
}

// handleDeletePackage removes every record matching name plus the
// optional repo/arch/version filters. Destructive filters match the
// record's arch field exactly; deleting an x86_64 package never takes an
// "any" package with it.
func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := r.URL.Query()
	repo := q.Get("repo")
	if repo == "" {
		repo = s.cfg.DefaultRepo
	}
	arch, ver := q.Get("arch"), q.Get("version")

	pkgs, err := s.store.List(repo, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var matched []*models.Package
	for _, p := range pkgs {
		if p.Name != name {
			continue
		}
		if arch != "" && p.Arch != arch {
			continue
		}
		if ver != "" && p.Version != ver {
			continue
		}
		matched = append(matched, p)
	}
	if len(matched) == 0 {
		writeError(w, r, models.NewError(models.ErrNotFound, "package %s not found", name))
		return
	}

	touched := newKeySet()
	for _, p := range matched {
		if err := s.store.Delete(p); err != nil {
			s.refreshDatabases(touched)
			writeError(w, r, err)
			return
		}
		touched.add(s, p.Repo, p.Arch)
		logrus.WithFields(logrus.Fields{
			"name":    p.Name,
			"version": p.Version,
			"arch":    p.Arch,
			"repo":    p.Repo,
		}).Info("Package deleted")
	}
	s.refreshDatabases(touched)
	w.WriteHeader(http.StatusNoContent)
}

type deleteVersionsRequest struct {
	Versions []string `json:"versions"`
	Repo     string   `json:"repo,omitempty"`
	Arch     string   `json:"arch,omitempty"`
}

type deleteVersionsResponse struct {
	DeletedCount    int      `json:"deleted_count"`
	DeletedVersions []string `json:"deleted_versions"`
}

// handleDeleteVersions deletes the versions of one package that match
// any of the given specs. A spec is a range expression unless it parses
// as a full version, which matches exactly.
func (s *Server) handleDeleteVersions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req deleteVersionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Versions) == 0 {
		writeError(w, r, models.NewError(models.ErrInvalidPackage, "no versions given"))
		return
	}
	repo := req.Repo
	if repo == "" {
		repo = s.cfg.DefaultRepo
	}

	pkgs, err := s.store.List(repo, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var candidates []*models.Package
	for _, p := range pkgs {
		if p.Name != name {
			continue
		}
		if req.Arch != "" && p.Arch != req.Arch {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		writeError(w, r, models.NewError(models.ErrNotFound, "package %s not found", name))
		return
	}

	touched := newKeySet()
	var deleted []string
	for _, p := range candidates {
		if !matchesAnySpec(req.Versions, p.Version) {
			continue
		}
		if err := s.store.Delete(p); err != nil {
			s.refreshDatabases(touched)
			writeError(w, r, err)
			return
		}
		deleted = append(deleted, p.Version)
		touched.add(s, p.Repo, p.Arch)
	}
	s.refreshDatabases(touched)

	sort.Strings(deleted)
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, deleteVersionsResponse{
		DeletedCount:    len(deleted),
		DeletedVersions: deleted,
	})
}

func matchesAnySpec(specs []string, ver string) bool {
	for _, spec := range specs {
		if version.MatchSpec(spec, ver) {
			return true
		}
	}
	return false
}

type cleanupRequest struct {
	Pattern string `json:"pattern,omitempty"`
	Repo    string `json:"repo,omitempty"`
	Arch    string `json:"arch,omitempty"`
}

type cleanupDetail struct {
	Name            string   `json:"name"`
	DeletedVersions []string `json:"deleted_versions"`
}

type cleanupResponse struct {
	PackagesProcessed int             `json:"packages_processed"`
	VersionsDeleted   int             `json:"versions_deleted"`
	Details           []cleanupDetail `json:"details"`
}

// handleCleanup runs version retention over every package whose name
// matches the glob pattern.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Pattern == "" {
		req.Pattern = "*"
	}
	repo := req.Repo
	if repo == "" {
		repo = s.cfg.DefaultRepo
	}
	// validate the pattern up front; path.Match only errors on syntax
	if _, err := path.Match(req.Pattern, ""); err != nil {
		writeError(w, r, models.NewError(models.ErrInvalidPackage, "invalid pattern %q", req.Pattern))
		return
	}

	pkgs, err := s.store.List(repo, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	names := make(map[string]bool)
	for _, p := range pkgs {
		if req.Arch != "" && p.Arch != req.Arch {
			continue
		}
		if ok, _ := path.Match(req.Pattern, p.Name); ok {
			names[p.Name] = true
		}
	}
	ordered := make([]string, 0, len(names))
	for n := range names {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	touched := newKeySet()
	resp := cleanupResponse{Details: []cleanupDetail{}}
	for _, n := range ordered {
		deleted, err := s.store.CleanupVersions(n, repo, req.Arch)
		if err != nil {
			s.refreshDatabases(touched)
			writeError(w, r, err)
			return
		}
		resp.PackagesProcessed++
		if len(deleted) == 0 {
			continue
		}
		detail := cleanupDetail{Name: n}
		for _, p := range deleted {
			detail.DeletedVersions = append(detail.DeletedVersions, p.Version)
			touched.add(s, p.Repo, p.Arch)
		}
		sort.Strings(detail.DeletedVersions)
		resp.VersionsDeleted += len(detail.DeletedVersions)
		resp.Details = append(resp.Details, detail)
	}
	s.refreshDatabases(touched)
	writeJSON(w, http.StatusOK, resp)
}

// handleRebuild enqueues a forced database rebuild and returns before it
// runs.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	repo, arch := chi.URLParam(r, "repo"), chi.URLParam(r, "arch")
	if _, err := s.store.DBDir(repo, arch); err != nil {
		writeError(w, r, err)
		return
	}
	s.updates.ForceRebuild(models.RepoArchKey{Repo: repo, Arch: arch})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// keySet collects the (repo, arch) databases touched by a mutation, with
// "any" packages fanned out to the concrete archs they appear in.
type keySet map[models.RepoArchKey]bool

func newKeySet() keySet {
	return make(keySet)
}

func (k keySet) add(s *Server, repo, arch string) {
	for _, a := range s.store.DatabaseArchs(repo, arch, s.cfg.DefaultArch) {
		k[models.RepoArchKey{Repo: repo, Arch: a}] = true
	}
}

func (s *Server) refreshDatabases(keys keySet) {
	if s.updates == nil {
		return
	}
	ordered := make([]models.RepoArchKey, 0, len(keys))
	for key := range keys {
		ordered = append(ordered, key)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].String() < ordered[j].String()
	})
	for _, key := range ordered {
		s.updates.RequestUpdate(key)
	}
}
