package pacman

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// DescBlock renders the desc record pacman reads from the repository
// database. Section order is fixed; sections with empty values are omitted.
func DescBlock(pkg *models.Package, info *models.PkgInfo) []byte {
	var buf bytes.Buffer

	writeField := func(name, value string) {
		if value != "" {
			buf.WriteString(fmt.Sprintf("%%%s%%\n%s\n\n", name, value))
		}
	}
	writeList := func(name string, values []string) {
		if len(values) > 0 {
			writeField(name, strings.Join(values, "\n"))
		}
	}

	writeField("FILENAME", pkg.Filename)
	writeField("NAME", pkg.Name)
	writeField("VERSION", pkg.Version)
	writeField("DESC", info.PkgDesc)
	writeField("ARCH", pkg.Arch)
	writeField("BUILDDATE", info.BuildDate)
	writeField("PACKAGER", info.Packager)
	writeField("CSIZE", strconv.FormatInt(pkg.Size, 10))
	if info.HasSize {
		writeField("ISIZE", strconv.FormatUint(info.Size, 10))
	}
	writeField("SHA256SUM", pkg.SHA256Sum)
	writeField("URL", info.URL)
	writeList("LICENSE", info.Licenses)
	writeList("DEPENDS", info.Depends)
	writeList("OPTDEPENDS", info.OptDepends)
	writeList("CONFLICTS", info.Conflicts)
	writeList("PROVIDES", info.Provides)
	writeList("REPLACES", info.Replaces)
	writeList("GROUPS", info.Groups)

	return buf.Bytes()
}

// FilesBlock renders the files record: the desc block followed by a
// %FILES% section. The listing itself is not tracked, so the section
// carries only its marker.
func FilesBlock(pkg *models.Package, info *models.PkgInfo) []byte {
	var buf bytes.Buffer
	buf.Write(DescBlock(pkg, info))
	buf.WriteString("%FILES%\n\n")
	return buf.Bytes()
}
