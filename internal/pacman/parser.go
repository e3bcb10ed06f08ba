package pacman

import (
	"archive/tar"
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// ExtractPkgInfo streams a zstd-compressed tar archive and decodes the
// .PKGINFO entry. This is the only format accepted over the upload API.
func ExtractPkgInfo(r io.Reader) (*models.PkgInfo, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, models.WrapError(models.ErrInvalidPackage, err, "failed to decompress package")
	}
	defer zr.Close()

	return pkginfoFromTar(tar.NewReader(zr))
}

// ExtractPkgInfoFile decodes .PKGINFO from a package file on disk. The
// compression is picked from the extension; legacy .pkg.tar.xz, .pkg.tar.gz
// and plain .pkg.tar archives are accepted here so local imports can ingest
// packages built before the zstd switch.
func ExtractPkgInfoFile(path string) (*models.PkgInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to open package")
	}
	defer f.Close()

	switch {
	case strings.HasSuffix(path, ".pkg.tar.zst"):
		return ExtractPkgInfo(f)
	case strings.HasSuffix(path, ".pkg.tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, models.WrapError(models.ErrInvalidPackage, err, "failed to decompress package")
		}
		return pkginfoFromTar(tar.NewReader(xr))
	case strings.HasSuffix(path, ".pkg.tar.gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, models.WrapError(models.ErrInvalidPackage, err, "failed to decompress package")
		}
		defer gr.Close()
		return pkginfoFromTar(tar.NewReader(gr))
	case strings.HasSuffix(path, ".pkg.tar"):
		return pkginfoFromTar(tar.NewReader(f))
	default:
		return nil, models.NewError(models.ErrInvalidPackage, "unsupported package format: %s", filepath.Base(path))
	}
}

// pkginfoFromTar scans tar entries for .PKGINFO and parses it
func pkginfoFromTar(tr *tar.Reader) (*models.PkgInfo, error) {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, models.WrapError(models.ErrInvalidPackage, err, "failed to read package archive")
		}

		if header.Name == ".PKGINFO" {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, models.WrapError(models.ErrInvalidPackage, err, "failed to read .PKGINFO")
			}
			return ParsePkgInfo(data)
		}
	}

	return nil, models.NewError(models.ErrInvalidPackage, ".PKGINFO not found in package")
}

// ParsePkgInfo parses the .PKGINFO key/value block. Empty lines and
// comments are skipped; each remaining line splits once on " = ".
// Scalar keys overwrite, list keys append, unknown keys are ignored.
func ParsePkgInfo(data []byte) (*models.PkgInfo, error) {
	info := &models.PkgInfo{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, " = ", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]

		switch key {
		case "pkgname":
			info.PkgName = value
		case "pkgver":
			info.PkgVer = value
		case "arch":
			info.Arch = value
		case "pkgdesc":
			info.PkgDesc = value
		case "url":
			info.URL = value
		case "builddate":
			info.BuildDate = value
		case "packager":
			info.Packager = value
		case "size":
			// Unparseable sizes leave the field absent rather than failing
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				info.Size = n
				info.HasSize = true
			}
		case "license":
			info.Licenses = append(info.Licenses, value)
		case "depend":
			info.Depends = append(info.Depends, value)
		case "optdepend":
			info.OptDepends = append(info.OptDepends, value)
		case "makedepend":
			info.MakeDepends = append(info.MakeDepends, value)
		case "checkdepend":
			info.CheckDepends = append(info.CheckDepends, value)
		case "conflict":
			info.Conflicts = append(info.Conflicts, value)
		case "provides":
			info.Provides = append(info.Provides, value)
		case "replaces":
			info.Replaces = append(info.Replaces, value)
		case "group":
			info.Groups = append(info.Groups, value)
		case "backup":
			info.Backup = append(info.Backup, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, models.WrapError(models.ErrInvalidPackage, err, "failed to read .PKGINFO")
	}

	if info.PkgName == "" || info.PkgVer == "" || info.Arch == "" {
		return nil, models.NewError(models.ErrInvalidPackage, ".PKGINFO missing required fields (pkgname, pkgver, arch)")
	}

	return info, nil
}
