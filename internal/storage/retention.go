package storage

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/version"
)

type versioned struct {
	pkg *models.Package
	ver *version.Version
}

// SelectForDeletion decides which of a package's versions to delete. The
// input shares one name/repo/arch. Two steps: first, versions with the
// same (major, minor, patch) are deduped down to the highest pkgrel; then
// the three-slot policy keeps the newest, the newest sharing its
// (major, minor), and the newest of (major, minor-1) when current.minor
// is positive. Everything else is returned for deletion.
//
// Pure function of the input set: order does not matter, and versions
// that do not parse are logged and never deleted.
func SelectForDeletion(packages []*models.Package) []*models.Package {
	var usable []versioned
	var deletions []*models.Package

	for _, pkg := range packages {
		v, err := version.Parse(pkg.Version)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"package": pkg.Name,
				"version": pkg.Version,
			}).Warn("Unparseable version excluded from retention")
			continue
		}
		usable = append(usable, versioned{pkg: pkg, ver: v})
	}

	// Step 1: dedupe pkgrels within each (major, minor, patch)
	groups := make(map[[3]uint64][]versioned)
	for _, v := range usable {
		key := [3]uint64{v.ver.SemVer.Major(), v.ver.SemVer.Minor(), v.ver.SemVer.Patch()}
		groups[key] = append(groups[key], v)
	}

	var deduped []versioned
	for _, group := range groups {
		sortNewestFirst(group)
		deduped = append(deduped, group[0])
		for _, loser := range group[1:] {
			deletions = append(deletions, loser.pkg)
		}
	}

	if len(deduped) <= 1 {
		sortDeletions(deletions)
		return deletions
	}

	// Step 2: three retention slots over the deduped set
	sortNewestFirst(deduped)
	current := deduped[0]
	keep := map[*models.Package]bool{current.pkg: true}

	for _, v := range deduped[1:] {
		if v.ver.SemVer.Major() == current.ver.SemVer.Major() &&
			v.ver.SemVer.Minor() == current.ver.SemVer.Minor() {
			keep[v.pkg] = true
			break
		}
	}

	if current.ver.SemVer.Minor() > 0 {
		for _, v := range deduped[1:] {
			if v.ver.SemVer.Major() == current.ver.SemVer.Major() &&
				v.ver.SemVer.Minor() == current.ver.SemVer.Minor()-1 {
				keep[v.pkg] = true
				break
			}
		}
	}

	for _, v := range deduped {
		if !keep[v.pkg] {
			deletions = append(deletions, v.pkg)
		}
	}

	sortDeletions(deletions)
	return deletions
}

// sortNewestFirst orders by the (epoch, semver, pkgrel) tuple descending,
// breaking exact ties on the raw string so the result never depends on
// input order.
func sortNewestFirst(vs []versioned) {
	sort.Slice(vs, func(i, j int) bool {
		if c := vs[i].ver.Compare(vs[j].ver); c != 0 {
			return c > 0
		}
		return vs[i].pkg.Version > vs[j].pkg.Version
	})
}

func sortDeletions(pkgs []*models.Package) {
	sort.Slice(pkgs, func(i, j int) bool {
		if c := version.Compare(pkgs[i].Version, pkgs[j].Version); c != 0 {
			return c > 0
		}
		return pkgs[i].Filename < pkgs[j].Filename
	})
}

// CleanupVersions runs retention for one package name in a repo and
// deletes the losing versions. Packages retire per exact architecture:
// an "any" package competes only with other "any" builds of the name.
// With an empty arch every architecture group of the name is processed.
func (s *Store) CleanupVersions(name, repo, arch string) ([]*models.Package, error) {
	all, err := s.List(repo, "")
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*models.Package)
	for _, pkg := range all {
		if pkg.Name != name {
			continue
		}
		if arch != "" && pkg.Arch != arch {
			continue
		}
		groups[pkg.Arch] = append(groups[pkg.Arch], pkg)
	}

	var deleted []*models.Package
	for _, group := range groups {
		for _, pkg := range SelectForDeletion(group) {
			if err := s.Delete(pkg); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"package": pkg.Name,
					"version": pkg.Version,
				}).Warn("Failed to delete superseded version")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"package": pkg.Name,
				"version": pkg.Version,
				"arch":    pkg.Arch,
			}).Info("Deleted superseded version")
			deleted = append(deleted, pkg)
		}
	}
	return deleted, nil
}
