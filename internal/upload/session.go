package upload

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// session is the in-memory state of one chunked upload. The authoritative
// copy lives here; metadata.json in the staging directory is a snapshot
// for operators poking at a stuck upload, not a recovery source.
type session struct {
	mu sync.Mutex

	id           string
	dir          string
	filename     string
	fileSize     int64
	chunkSize    int64
	totalChunks  int
	sha256       string
	repo         string
	arch         string
	hasSignature bool
	createdAt    time.Time
	expiresAt    time.Time
	chunks       map[int]bool
}

type sessionRecord struct {
	UploadID       string    `json:"upload_id"`
	Filename       string    `json:"filename"`
	FileSize       int64     `json:"file_size"`
	ChunkSize      int64     `json:"chunk_size"`
	TotalChunks    int       `json:"total_chunks"`
	SHA256         string    `json:"sha256,omitempty"`
	Repo           string    `json:"repo"`
	Arch           string    `json:"arch,omitempty"`
	HasSignature   bool      `json:"has_signature"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	UploadedChunks []int     `json:"uploaded_chunks"`
}

func (s *session) expired(now time.Time) bool {
	return now.After(s.expiresAt)
}

// expectedChunkSize returns the only body length chunk n may carry. Every
// chunk but the last is exactly chunkSize; the last carries the remainder.
func (s *session) expectedChunkSize(n int) int64 {
	if n < s.totalChunks {
		return s.chunkSize
	}
	if rem := s.fileSize % s.chunkSize; rem != 0 {
		return rem
	}
	return s.chunkSize
}

func (s *session) chunkPath(n int) string {
	return filepath.Join(s.dir, "chunks", chunkFileName(n))
}

func (s *session) signaturePath() string {
	return filepath.Join(s.dir, "signature.sig")
}

func (s *session) assembledPath() string {
	return filepath.Join(s.dir, "assembled.pkg.tar.zst")
}

// missingChunks lists the chunk numbers not yet received, ascending.
// Caller holds s.mu.
func (s *session) missingChunks() []int {
	var missing []int
	for n := 1; n <= s.totalChunks; n++ {
		if !s.chunks[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

// persist snapshots the session to metadata.json. Caller holds s.mu, which
// also serializes the snapshot writes themselves.
func (s *session) persist() error {
	uploaded := make([]int, 0, len(s.chunks))
	for n := range s.chunks {
		uploaded = append(uploaded, n)
	}
	sort.Ints(uploaded)

	record := sessionRecord{
		UploadID:       s.id,
		Filename:       s.filename,
		FileSize:       s.fileSize,
		ChunkSize:      s.chunkSize,
		TotalChunks:    s.totalChunks,
		SHA256:         s.sha256,
		Repo:           s.repo,
		Arch:           s.arch,
		HasSignature:   s.hasSignature,
		CreatedAt:      s.createdAt,
		ExpiresAt:      s.expiresAt,
		UploadedChunks: uploaded,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(s.dir, "metadata.json"), data, 0644)
}
