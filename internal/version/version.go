package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a parsed Arch package version of the form [epoch:]pkgver-pkgrel,
// where pkgver is a three-component semver.
type Version struct {
	Epoch  uint64
	SemVer *semver.Version
	Rel    uint64
	Raw    string
}

// Parse decodes [epoch:]pkgver-pkgrel. The epoch defaults to 0, the pkgrel
// is split off at the last '-' and must be an unsigned integer, and the
// remaining pkgver must be a strict major.minor.patch semver.
func Parse(raw string) (*Version, error) {
	rest := raw
	var epoch uint64

	if idx := strings.Index(rest, ":"); idx >= 0 {
		e, err := strconv.ParseUint(rest[:idx], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid epoch in %q: %w", raw, err)
		}
		epoch = e
		rest = rest[idx+1:]
	}

	idx := strings.LastIndex(rest, "-")
	if idx < 0 {
		return nil, fmt.Errorf("missing pkgrel in %q", raw)
	}
	rel, err := strconv.ParseUint(rest[idx+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid pkgrel in %q: %w", raw, err)
	}

	sv, err := semver.StrictNewVersion(rest[:idx])
	if err != nil {
		return nil, fmt.Errorf("invalid pkgver in %q: %w", raw, err)
	}

	return &Version{Epoch: epoch, SemVer: sv, Rel: rel, Raw: raw}, nil
}

// Compare orders two parsed versions by (epoch, semver, pkgrel).
func (v *Version) Compare(o *Version) int {
	switch {
	case v.Epoch < o.Epoch:
		return -1
	case v.Epoch > o.Epoch:
		return 1
	}
	if c := v.SemVer.Compare(o.SemVer); c != 0 {
		return c
	}
	switch {
	case v.Rel < o.Rel:
		return -1
	case v.Rel > o.Rel:
		return 1
	}
	return 0
}

// Compare orders two raw version strings. When both parse, the (epoch,
// semver, pkgrel) tuple decides; otherwise the comparison falls back to
// byte order so the total ordering still holds.
func Compare(a, b string) int {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// MatchSpec reports whether the raw version satisfies spec. A spec that is
// itself a full Arch version matches by exact string comparison; otherwise
// it is tried as a semver range (e.g. "^1.0.0" or ">=1.0.0, <2.0.0")
// checked against the pkgver part; anything else falls back to exact
// string comparison.
func MatchSpec(spec, raw string) bool {
	if _, err := Parse(spec); err == nil {
		return spec == raw
	}
	if c, err := semver.NewConstraint(spec); err == nil {
		v, err := Parse(raw)
		if err != nil {
			return false
		}
		return c.Check(v.SemVer)
	}
	return spec == raw
}
