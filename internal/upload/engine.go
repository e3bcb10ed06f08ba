package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/pacman"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/storage"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/utils"
)

const (
	// DefaultChunkSize is used when the client does not pick one
	DefaultChunkSize = 1 << 20
	// DefaultSessionTTL bounds how long an idle upload may linger
	DefaultSessionTTL = 24 * time.Hour
	// DefaultMaxPayload caps the declared size of a single package
	DefaultMaxPayload = 512 << 20
	// DefaultSweepInterval is how often expired sessions are collected
	DefaultSweepInterval = time.Hour
)

// UpdateRequester receives database refresh requests after a package
// lands. Satisfied by the update actor.
type UpdateRequester interface {
	RequestUpdate(key models.RepoArchKey)
}

// Options tune the engine. Zero values fall back to the defaults above.
type Options struct {
	MaxPayloadSize   int64
	DefaultChunkSize int64
	SessionTTL       time.Duration
	DefaultRepo      string
	DefaultArch      string
	AutoCleanup      bool
}

// Engine drives chunked package uploads: staging under <data>/.uploads,
// per-chunk validation, assembly, and handoff to storage. Sessions are
// in-memory only and do not survive a restart.
type Engine struct {
	store   *storage.Store
	updates UpdateRequester
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewEngine creates an upload engine. The updater may be nil, in which
// case completed uploads do not trigger database refreshes.
func NewEngine(store *storage.Store, updates UpdateRequester, opts Options) *Engine {
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = DefaultMaxPayload
	}
	if opts.DefaultChunkSize <= 0 {
		opts.DefaultChunkSize = DefaultChunkSize
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.DefaultArch == "" {
		opts.DefaultArch = "x86_64"
	}
	return &Engine{
		store:    store,
		updates:  updates,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// InitiateRequest opens an upload session. ChunkSize zero picks the
// default; Repo empty picks the configured default repo. Arch is only a
// hint for operators: the authoritative arch comes out of .PKGINFO.
type InitiateRequest struct {
	Filename     string `json:"filename"`
	FileSize     int64  `json:"file_size"`
	ChunkSize    int64  `json:"chunk_size,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	Repo         string `json:"repo,omitempty"`
	Arch         string `json:"arch,omitempty"`
	HasSignature bool   `json:"has_signature,omitempty"`
}

// InitiateResult is returned to the client to drive the chunk loop
type InitiateResult struct {
	UploadID    string    `json:"upload_id"`
	TotalChunks int       `json:"total_chunks"`
	ChunkSize   int64     `json:"chunk_size"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChunkResult acknowledges one stored chunk
type ChunkResult struct {
	ChunkNumber int    `json:"chunk_number"`
	Received    int64  `json:"received"`
	MD5         string `json:"md5"`
}

// SignatureResult acknowledges a stored detached signature
type SignatureResult struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// AbortResult reports what an abort freed
type AbortResult struct {
	UploadID      string `json:"upload_id"`
	DeletedChunks int    `json:"deleted_chunks"`
	BytesFreed    int64  `json:"bytes_freed"`
}

func chunkFileName(n int) string {
	return fmt.Sprintf("chunk_%03d", n)
}

// Initiate validates the declared upload and allocates its staging
// directory. The size cap is enforced here, before any bytes arrive.
func (e *Engine) Initiate(req InitiateRequest) (*InitiateResult, error) {
	if !strings.HasSuffix(req.Filename, models.PackageSuffix) {
		return nil, models.NewError(models.ErrInvalidPackage, "filename must end in %s", models.PackageSuffix)
	}
	if req.FileSize <= 0 {
		return nil, models.NewError(models.ErrInvalidPackage, "file size must be positive")
	}
	if req.FileSize > e.opts.MaxPayloadSize {
		return nil, models.NewError(models.ErrPayloadTooLarge,
			"file size %d exceeds the %d byte limit", req.FileSize, e.opts.MaxPayloadSize)
	}

	chunkSize := req.ChunkSize
	switch {
	case chunkSize < 0:
		return nil, models.NewError(models.ErrInvalidPackage, "chunk size must be positive")
	case chunkSize == 0:
		chunkSize = e.opts.DefaultChunkSize
	case chunkSize > req.FileSize:
		return nil, models.NewError(models.ErrInvalidPackage, "chunk size exceeds file size")
	}

	repo := req.Repo
	if repo == "" {
		repo = e.opts.DefaultRepo
	}
	// Probe the destination path so a hostile repo or filename fails now,
	// before a staging directory exists for it.
	if _, err := e.store.PackagePath(repo, req.Filename); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir, err := e.store.UploadDir(id)
	if err != nil {
		return nil, err
	}
	if err := utils.EnsureDir(filepath.Join(dir, "chunks")); err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to create upload staging")
	}

	now := time.Now().UTC()
	sess := &session{
		id:           id,
		dir:          dir,
		filename:     req.Filename,
		fileSize:     req.FileSize,
		chunkSize:    chunkSize,
		totalChunks:  int((req.FileSize + chunkSize - 1) / chunkSize),
		sha256:       req.SHA256,
		repo:         repo,
		arch:         req.Arch,
		hasSignature: req.HasSignature,
		createdAt:    now,
		expiresAt:    now.Add(e.opts.SessionTTL),
		chunks:       make(map[int]bool),
	}
	if err := sess.persist(); err != nil {
		os.RemoveAll(dir)
		return nil, models.WrapError(models.ErrIo, err, "failed to write session metadata")
	}

	e.mu.Lock()
	e.sessions[id] = sess
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"upload_id": id,
		"filename":  req.Filename,
		"size":      req.FileSize,
		"chunks":    sess.totalChunks,
	}).Info("Upload session opened")

	return &InitiateResult{
		UploadID:    id,
		TotalChunks: sess.totalChunks,
		ChunkSize:   chunkSize,
		ExpiresAt:   sess.expiresAt,
	}, nil
}

func (e *Engine) lookup(id string) (*session, error) {
	e.mu.RLock()
	sess, ok := e.sessions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "upload session not found")
	}
	if sess.expired(time.Now()) {
		return nil, models.NewError(models.ErrNotFound, "upload session expired")
	}
	return sess, nil
}

// StoreChunk persists one chunk body. Chunks are numbered from 1; any
// chunk but the last must be exactly chunk_size long. Rewriting an
// already-received chunk is allowed.
func (e *Engine) StoreChunk(id string, n int, data []byte) (*ChunkResult, error) {
	sess, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	if n < 1 || n > sess.totalChunks {
		return nil, models.NewError(models.ErrInvalidPackage,
			"chunk number %d out of range (1-%d)", n, sess.totalChunks)
	}
	if want := sess.expectedChunkSize(n); int64(len(data)) != want {
		return nil, models.NewError(models.ErrInvalidPackage,
			"chunk %d size mismatch: expected %d bytes, got %d", n, want, len(data))
	}

	// Distinct chunk numbers write distinct files, so the write itself
	// needs no session lock.
	f, err := os.OpenFile(sess.chunkPath(n), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to create chunk file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, models.WrapError(models.ErrIo, err, "failed to write chunk")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, models.WrapError(models.ErrIo, err, "failed to sync chunk")
	}
	if err := f.Close(); err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to close chunk")
	}

	sess.mu.Lock()
	sess.chunks[n] = true
	if err := sess.persist(); err != nil {
		logrus.WithError(err).WithField("upload_id", id).Warn("Failed to snapshot session metadata")
	}
	sess.mu.Unlock()

	return &ChunkResult{
		ChunkNumber: n,
		Received:    int64(len(data)),
		MD5:         utils.MD5Hex(data),
	}, nil
}

// StoreSignature stages a detached signature to be placed next to the
// package on completion. Receiving one marks the session as signed even
// when initiate did not announce it.
func (e *Engine) StoreSignature(id string, data []byte) (*SignatureResult, error) {
	sess, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	if err := utils.WriteFile(sess.signaturePath(), data, 0644); err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to write signature")
	}

	sess.mu.Lock()
	sess.hasSignature = true
	if err := sess.persist(); err != nil {
		logrus.WithError(err).WithField("upload_id", id).Warn("Failed to snapshot session metadata")
	}
	sess.mu.Unlock()

	return &SignatureResult{
		Size:   int64(len(data)),
		SHA256: utils.SHA256Hex(data),
	}, nil
}

// Complete assembles the chunks, verifies size and checksum, reads the
// package identity out of .PKGINFO and moves the archive into storage.
// The stored record is returned. Retention and database refresh failures
// are logged but never fail a completed upload.
func (e *Engine) Complete(id string, manifest []int) (*models.Package, error) {
	sess, err := e.lookup(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	missing := sess.missingChunks()
	sess.mu.Unlock()
	if len(missing) > 0 {
		return nil, models.NewError(models.ErrInvalidPackage,
			"upload incomplete: missing chunks %v", missing)
	}
	// A nil manifest means the client made no assertion about what it
	// sent; a non-nil one must account for every chunk.
	if manifest != nil && len(manifest) != sess.totalChunks {
		return nil, models.NewError(models.ErrInvalidPackage,
			"chunk manifest incomplete: expected %d entries, got %d", sess.totalChunks, len(manifest))
	}

	assembledSize, digest, err := e.assemble(sess)
	if err != nil {
		return nil, err
	}
	if assembledSize != sess.fileSize {
		return nil, models.NewError(models.ErrInvalidPackage,
			"assembled size mismatch: expected %d bytes, got %d", sess.fileSize, assembledSize)
	}
	if sess.sha256 != "" && digest != sess.sha256 {
		return nil, models.NewError(models.ErrInvalidPackage,
			"checksum mismatch: expected %s, got %s", sess.sha256, digest)
	}

	info, err := pacman.ExtractPkgInfoFile(sess.assembledPath())
	if err != nil {
		return nil, err
	}

	pkg := &models.Package{
		Name:      info.PkgName,
		Version:   info.PkgVer,
		Arch:      info.Arch,
		Repo:      sess.repo,
		Filename:  models.CanonicalFilename(info.PkgName, info.PkgVer, info.Arch),
		SHA256Sum: digest,
		Size:      assembledSize,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.StoreFromPath(pkg, sess.assembledPath()); err != nil {
		return nil, err
	}

	if sess.hasSignature {
		if err := e.placeSignature(sess, pkg); err != nil {
			logrus.WithError(err).WithField("package", pkg.Filename).Warn("Failed to place signature")
		}
	}

	e.requestUpdates(pkg.Repo, pkg.Arch)

	if e.opts.AutoCleanup {
		deleted, err := e.store.CleanupVersions(pkg.Name, pkg.Repo, pkg.Arch)
		if err != nil {
			logrus.WithError(err).WithField("package", pkg.Name).Warn("Retention failed after upload")
		} else if len(deleted) > 0 {
			e.requestUpdates(pkg.Repo, pkg.Arch)
		}
	}

	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
	if err := os.RemoveAll(sess.dir); err != nil {
		logrus.WithError(err).WithField("upload_id", id).Warn("Failed to remove upload staging")
	}

	logrus.WithFields(logrus.Fields{
		"package": pkg.Name,
		"version": pkg.Version,
		"arch":    pkg.Arch,
		"repo":    pkg.Repo,
	}).Info("Upload completed")
	return pkg, nil
}

// assemble streams the chunks in order into assembled.pkg.tar.zst,
// hashing as it writes.
func (e *Engine) assemble(sess *session) (int64, string, error) {
	out, err := os.OpenFile(sess.assembledPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, "", models.WrapError(models.ErrIo, err, "failed to create assembled file")
	}

	hash := sha256.New()
	w := io.MultiWriter(out, hash)
	var total int64

	for n := 1; n <= sess.totalChunks; n++ {
		chunk, err := os.Open(sess.chunkPath(n))
		if err != nil {
			out.Close()
			return 0, "", models.WrapError(models.ErrIo, err, "failed to open chunk %d", n)
		}
		copied, err := io.Copy(w, chunk)
		chunk.Close()
		if err != nil {
			out.Close()
			return 0, "", models.WrapError(models.ErrIo, err, "failed to assemble chunk %d", n)
		}
		total += copied
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return 0, "", models.WrapError(models.ErrIo, err, "failed to sync assembled file")
	}
	if err := out.Close(); err != nil {
		return 0, "", models.WrapError(models.ErrIo, err, "failed to close assembled file")
	}
	return total, hex.EncodeToString(hash.Sum(nil)), nil
}

func (e *Engine) placeSignature(sess *session, pkg *models.Package) error {
	if _, err := os.Stat(sess.signaturePath()); err != nil {
		return err
	}
	dst, err := e.store.PackagePath(pkg.Repo, pkg.Filename+".sig")
	if err != nil {
		return err
	}
	return utils.CopyFile(sess.signaturePath(), dst)
}

// requestUpdates refreshes the databases a stored package appears in. An
// "any" package is folded into every concrete arch of the repo; when the
// repo has no concrete arch yet, the default arch database is seeded.
func (e *Engine) requestUpdates(repo, arch string) {
	if e.updates == nil {
		return
	}
	for _, key := range e.updateKeys(repo, arch) {
		e.updates.RequestUpdate(key)
	}
}

func (e *Engine) updateKeys(repo, arch string) []models.RepoArchKey {
	archs := e.store.DatabaseArchs(repo, arch, e.opts.DefaultArch)
	keys := make([]models.RepoArchKey, 0, len(archs))
	for _, a := range archs {
		keys = append(keys, models.RepoArchKey{Repo: repo, Arch: a})
	}
	return keys
}

// Abort drops a session and its staging directory, reporting what was
// freed.
func (e *Engine) Abort(id string) (*AbortResult, error) {
	e.mu.Lock()
	sess, ok := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "upload session not found")
	}

	result := &AbortResult{UploadID: id}
	entries, err := os.ReadDir(filepath.Join(sess.dir, "chunks"))
	if err == nil {
		for _, entry := range entries {
			if info, err := entry.Info(); err == nil {
				result.DeletedChunks++
				result.BytesFreed += info.Size()
			}
		}
	}
	for _, path := range []string{sess.signaturePath(), sess.assembledPath()} {
		if info, err := os.Stat(path); err == nil {
			result.BytesFreed += info.Size()
		}
	}

	if err := os.RemoveAll(sess.dir); err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to remove upload staging")
	}

	logrus.WithFields(logrus.Fields{
		"upload_id": id,
		"chunks":    result.DeletedChunks,
		"bytes":     result.BytesFreed,
	}).Info("Upload session aborted")
	return result, nil
}
