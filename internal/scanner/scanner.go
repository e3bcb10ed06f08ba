package scanner

// Format is the compression wrapping of a pacman package archive
type Format int

const (
	FormatUnknown Format = iota
	FormatZstd
	FormatXz
	FormatGzip
	FormatTar
)

// String returns the string representation of Format
func (f Format) String() string {
	switch f {
	case FormatZstd:
		return "zstd"
	case FormatXz:
		return "xz"
	case FormatGzip:
		return "gzip"
	case FormatTar:
		return "tar"
	default:
		return "unknown"
	}
}

// ScannedPackage represents a package file found during scanning
type ScannedPackage struct {
	Path   string
	Format Format
	Size   int64
}
