package scanner

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// Magic bytes for the compression formats pacman packages ship in
var (
	// Zstandard (.pkg.tar.zst)
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

	// XZ (.pkg.tar.xz)
	xzMagic = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}

	// Gzip (.pkg.tar.gz)
	gzipMagic = []byte{0x1F, 0x8B}
)

// DetectFormat identifies a pacman package file. The extension must match
// the magic bytes, so a renamed or truncated file reads as unknown rather
// than being fed to the wrong decompressor. Signature files and anything
// without a .pkg.tar infix come back FormatUnknown.
func DetectFormat(path string) (Format, error) {
	basename := filepath.Base(path)
	if !strings.Contains(basename, ".pkg.tar") {
		return FormatUnknown, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	header := make([]byte, 6)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return FormatUnknown, err
	}
	header = header[:n]

	switch {
	case strings.HasSuffix(basename, ".pkg.tar.zst") && bytes.HasPrefix(header, zstdMagic):
		return FormatZstd, nil
	case strings.HasSuffix(basename, ".pkg.tar.xz") && bytes.HasPrefix(header, xzMagic):
		return FormatXz, nil
	case strings.HasSuffix(basename, ".pkg.tar.gz") && bytes.HasPrefix(header, gzipMagic):
		return FormatGzip, nil
	case strings.HasSuffix(basename, ".pkg.tar"):
		return FormatTar, nil
	}

	return FormatUnknown, nil
}
