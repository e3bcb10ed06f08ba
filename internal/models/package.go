package models

import (
	"fmt"
	"time"
)

// PackageSuffix is the only archive format accepted over the upload API.
const PackageSuffix = ".pkg.tar.zst"

// Package is the persistent metadata record of an accepted archive.
// One record per accepted filename; immutable after creation.
type Package struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Arch      string    `json:"arch"`
	Repo      string    `json:"repo"`
	Filename  string    `json:"filename"`
	SHA256Sum string    `json:"sha256"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// CanonicalFilename builds the archive filename for a name/version/arch triple.
func CanonicalFilename(name, version, arch string) string {
	return fmt.Sprintf("%s-%s-%s%s", name, version, arch, PackageSuffix)
}

// MetadataKey is the identity stem the JSON record is stored under:
// the filename without the archive suffix.
func (p *Package) MetadataKey() string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.Arch)
}

// MatchesArch reports whether the package belongs in the given
// architecture's view. "any" packages appear in every concrete arch.
func (p *Package) MatchesArch(arch string) bool {
	return p.Arch == arch || p.Arch == "any"
}

// PkgInfo is the decoded .PKGINFO block of a package archive. It exists
// only in memory, between extraction and DB generation.
type PkgInfo struct {
	// Required
	PkgName string
	PkgVer  string
	Arch    string

	// Scalar optional
	PkgDesc   string
	URL       string
	BuildDate string
	Packager  string
	Size      uint64 // installed size; zero when absent or unparseable
	HasSize   bool

	// Multi-valued, in .PKGINFO order
	Licenses     []string
	Depends      []string
	OptDepends   []string
	MakeDepends  []string
	CheckDepends []string
	Conflicts    []string
	Provides     []string
	Replaces     []string
	Groups       []string
	Backup       []string
}

// RepoArchKey identifies one generated database: a (repo, arch) pair.
type RepoArchKey struct {
	Repo string
	Arch string
}

func (k RepoArchKey) String() string {
	return k.Repo + "/" + k.Arch
}
