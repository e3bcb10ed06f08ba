package upload

import (
	"archive/tar"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/storage"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/utils"
)

type fakeUpdater struct {
	mu   sync.Mutex
	keys []models.RepoArchKey
}

func (f *fakeUpdater) RequestUpdate(key models.RepoArchKey) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
}

func (f *fakeUpdater) requested() []models.RepoArchKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RepoArchKey(nil), f.keys...)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *storage.Store, *fakeUpdater) {
	t.Helper()
	dir, err := os.MkdirTemp("", "upload-engine-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.New(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if opts.DefaultRepo == "" {
		opts.DefaultRepo = "sw1nn"
	}
	updater := &fakeUpdater{}
	return NewEngine(store, updater, opts), store, updater
}

// buildUploadArchive builds a minimal but well-formed package: a
// zstd-compressed tar whose first entry is .PKGINFO.
func buildUploadArchive(t *testing.T, name, version, arch string) []byte {
	t.Helper()
	pkginfo := fmt.Sprintf("pkgname = %s\npkgver = %s\narch = %s\n", name, version, arch)
	payload := strings.Repeat("package payload\n", 64)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, entry := range []struct{ name, body string }{
		{".PKGINFO", pkginfo},
		{"usr/bin/" + name, payload},
	} {
		err := tw.WriteHeader(&tar.Header{Name: entry.name, Mode: 0644, Size: int64(len(entry.body))})
		if err != nil {
			t.Fatalf("Failed to write tar header: %v", err)
		}
		if _, err := tw.Write([]byte(entry.body)); err != nil {
			t.Fatalf("Failed to write tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar: %v", err)
	}

	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	if err != nil {
		t.Fatalf("Failed to create zstd writer: %v", err)
	}
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		t.Fatalf("Failed to compress: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zstd writer: %v", err)
	}
	return out.Bytes()
}

// uploadInHalves initiates a two-chunk session for data and stores both
// chunks, returning the session id.
func uploadInHalves(t *testing.T, engine *Engine, data []byte, req InitiateRequest) string {
	t.Helper()
	chunkSize := (int64(len(data)) + 1) / 2
	req.FileSize = int64(len(data))
	req.ChunkSize = chunkSize

	res, err := engine.Initiate(req)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if res.TotalChunks != 2 {
		t.Fatalf("Expected 2 chunks, got %d", res.TotalChunks)
	}
	if _, err := engine.StoreChunk(res.UploadID, 1, data[:chunkSize]); err != nil {
		t.Fatalf("StoreChunk 1 failed: %v", err)
	}
	if _, err := engine.StoreChunk(res.UploadID, 2, data[chunkSize:]); err != nil {
		t.Fatalf("StoreChunk 2 failed: %v", err)
	}
	return res.UploadID
}

func TestInitiateValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{MaxPayloadSize: 4096})

	cases := []struct {
		name string
		req  InitiateRequest
		kind models.ErrorKind
	}{
		{"wrong extension", InitiateRequest{Filename: "foo.tar.gz", FileSize: 100}, models.ErrInvalidPackage},
		{"zero size", InitiateRequest{Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst"}, models.ErrInvalidPackage},
		{"over payload limit", InitiateRequest{Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst", FileSize: 8192}, models.ErrPayloadTooLarge},
		{"chunk larger than file", InitiateRequest{Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst", FileSize: 100, ChunkSize: 200}, models.ErrInvalidPackage},
		{"negative chunk", InitiateRequest{Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst", FileSize: 100, ChunkSize: -1}, models.ErrInvalidPackage},
		{"path escape in repo", InitiateRequest{Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst", FileSize: 100, Repo: ".."}, models.ErrInvalidPackage},
	}

	for _, tc := range cases {
		_, err := engine.Initiate(tc.req)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !models.IsKind(err, tc.kind) {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.kind, err)
		}
	}

	// The extension error must tell the client what is accepted
	_, err := engine.Initiate(InitiateRequest{Filename: "foo.tar.gz", FileSize: 100})
	if err == nil || !strings.Contains(err.Error(), ".pkg.tar.zst") {
		t.Errorf("Extension error should name the accepted suffix, got: %v", err)
	}
}

func TestInitiateDefaults(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{})

	res, err := engine.Initiate(InitiateRequest{
		Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize: 3*DefaultChunkSize + 100,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if res.ChunkSize != DefaultChunkSize {
		t.Errorf("Expected default chunk size, got %d", res.ChunkSize)
	}
	if res.TotalChunks != 4 {
		t.Errorf("Expected 4 chunks, got %d", res.TotalChunks)
	}
	if !res.ExpiresAt.After(time.Now()) {
		t.Errorf("Session must expire in the future, got %v", res.ExpiresAt)
	}
}

func TestChunkSizeDiscipline(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{})

	res, err := engine.Initiate(InitiateRequest{
		Filename:  "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize:  2560,
		ChunkSize: 1024,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if res.TotalChunks != 3 {
		t.Fatalf("Expected 3 chunks, got %d", res.TotalChunks)
	}

	if _, err := engine.StoreChunk(res.UploadID, 1, make([]byte, 512)); err == nil {
		t.Error("Short middle chunk must be rejected")
	} else if !strings.Contains(err.Error(), "size mismatch") {
		t.Errorf("Expected size mismatch error, got: %v", err)
	}

	if _, err := engine.StoreChunk(res.UploadID, 1, make([]byte, 1024)); err != nil {
		t.Errorf("Full middle chunk rejected: %v", err)
	}

	// Last chunk carries the 512-byte remainder, nothing else
	if _, err := engine.StoreChunk(res.UploadID, 3, make([]byte, 1024)); err == nil {
		t.Error("Oversized last chunk must be rejected")
	}
	if _, err := engine.StoreChunk(res.UploadID, 3, make([]byte, 512)); err != nil {
		t.Errorf("Correct last chunk rejected: %v", err)
	}

	for _, n := range []int{0, 4, -1} {
		_, err := engine.StoreChunk(res.UploadID, n, make([]byte, 1024))
		if err == nil || !strings.Contains(err.Error(), "out of range") {
			t.Errorf("Chunk %d: expected out of range error, got: %v", n, err)
		}
	}
}

func TestChunkReceiptCarriesMD5(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{})

	res, err := engine.Initiate(InitiateRequest{
		Filename:  "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize:  100,
		ChunkSize: 100,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	body := bytes.Repeat([]byte{0x42}, 100)
	receipt, err := engine.StoreChunk(res.UploadID, 1, body)
	if err != nil {
		t.Fatalf("StoreChunk failed: %v", err)
	}
	if receipt.MD5 != utils.MD5Hex(body) {
		t.Errorf("Receipt MD5 mismatch: %s", receipt.MD5)
	}
	if receipt.Received != 100 || receipt.ChunkNumber != 1 {
		t.Errorf("Unexpected receipt: %+v", receipt)
	}
}

func TestCompleteMissingChunk(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{})

	res, err := engine.Initiate(InitiateRequest{
		Filename:  "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize:  2048,
		ChunkSize: 1024,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := engine.StoreChunk(res.UploadID, 1, make([]byte, 1024)); err != nil {
		t.Fatalf("StoreChunk failed: %v", err)
	}

	_, err = engine.Complete(res.UploadID, []int{1, 2})
	if err == nil {
		t.Fatal("Complete must fail with a missing chunk")
	}
	if !models.IsKind(err, models.ErrInvalidPackage) {
		t.Errorf("Expected invalid package error, got %v", err)
	}
	if !strings.Contains(err.Error(), "incomplete") || !strings.Contains(err.Error(), "2") {
		t.Errorf("Error should name the missing chunk, got: %v", err)
	}
}

func TestCompleteManifestCount(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{})
	data := buildUploadArchive(t, "foo", "1.0.0-1", "x86_64")

	id := uploadInHalves(t, engine, data, InitiateRequest{
		Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst",
	})

	// A manifest that does not account for every chunk is rejected.
	_, err := engine.Complete(id, []int{1})
	if !models.IsKind(err, models.ErrInvalidPackage) {
		t.Fatalf("Expected invalid package error for short manifest, got %v", err)
	}
	if !strings.Contains(err.Error(), "manifest") {
		t.Errorf("Error should mention the manifest, got: %v", err)
	}

	// A nil manifest means no assertion and completes fine.
	pkg, err := engine.Complete(id, nil)
	if err != nil {
		t.Fatalf("Complete with nil manifest failed: %v", err)
	}
	if pkg.Name != "foo" {
		t.Errorf("Expected package foo, got %q", pkg.Name)
	}
}

func TestCompleteHappyPath(t *testing.T) {
	engine, store, updater := newTestEngine(t, Options{})
	data := buildUploadArchive(t, "foo", "1.0.0-1", "x86_64")

	id := uploadInHalves(t, engine, data, InitiateRequest{
		Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst",
		SHA256:   utils.SHA256Hex(data),
	})

	pkg, err := engine.Complete(id, []int{1, 2})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if pkg.Name != "foo" || pkg.Version != "1.0.0-1" || pkg.Arch != "x86_64" {
		t.Errorf("Unexpected package identity: %+v", pkg)
	}
	if pkg.Filename != "foo-1.0.0-1-x86_64.pkg.tar.zst" {
		t.Errorf("Unexpected canonical filename: %s", pkg.Filename)
	}
	if pkg.SHA256Sum != utils.SHA256Hex(data) {
		t.Errorf("Stored checksum mismatch: %s", pkg.SHA256Sum)
	}

	// The archive must land in storage byte-for-byte
	path, err := store.PackagePath(pkg.Repo, pkg.Filename)
	if err != nil {
		t.Fatalf("Failed to resolve package path: %v", err)
	}
	stored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read stored archive: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Error("Stored archive differs from the uploaded bytes")
	}

	// Staging and session are gone, and a database refresh was requested
	if engine.SessionCount() != 0 {
		t.Error("Session must be dropped after completion")
	}
	keys := updater.requested()
	if len(keys) == 0 || keys[0] != (models.RepoArchKey{Repo: "sw1nn", Arch: "x86_64"}) {
		t.Errorf("Expected a database update request, got %v", keys)
	}
}

func TestCompleteChecksumMismatch(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{})
	data := buildUploadArchive(t, "foo", "1.0.0-1", "x86_64")

	id := uploadInHalves(t, engine, data, InitiateRequest{
		Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst",
		SHA256:   strings.Repeat("0", 64),
	})

	_, err := engine.Complete(id, []int{1, 2})
	if err == nil {
		t.Fatal("Complete must fail on checksum mismatch")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Expected checksum mismatch error, got: %v", err)
	}
}

func TestCompleteDuplicate(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{})
	data := buildUploadArchive(t, "foo", "1.0.0-1", "x86_64")

	first := uploadInHalves(t, engine, data, InitiateRequest{Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst"})
	if _, err := engine.Complete(first, []int{1, 2}); err != nil {
		t.Fatalf("First complete failed: %v", err)
	}

	second := uploadInHalves(t, engine, data, InitiateRequest{Filename: "foo-1.0.0-1-x86_64.pkg.tar.zst"})
	_, err := engine.Complete(second, []int{1, 2})
	if err == nil {
		t.Fatal("Second complete of the same filename must conflict")
	}
	if !models.IsKind(err, models.ErrAlreadyExists) {
		t.Errorf("Expected already exists error, got %v", err)
	}
}

func TestCompleteRunsRetention(t *testing.T) {
	engine, store, updater := newTestEngine(t, Options{AutoCleanup: true})

	for _, v := range []string{"1.0.0-1", "1.0.0-2"} {
		pkg := &models.Package{
			Name: "foo", Version: v, Arch: "x86_64", Repo: "sw1nn",
			Filename: models.CanonicalFilename("foo", v, "x86_64"),
		}
		if err := store.Store(pkg, []byte("old")); err != nil {
			t.Fatalf("Failed to seed %s: %v", v, err)
		}
	}

	data := buildUploadArchive(t, "foo", "1.0.0-3", "x86_64")
	id := uploadInHalves(t, engine, data, InitiateRequest{Filename: "foo-1.0.0-3-x86_64.pkg.tar.zst"})
	if _, err := engine.Complete(id, []int{1, 2}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// The two superseded pkgrels retire; the fresh upload stays
	remaining, err := store.List("sw1nn", "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Version != "1.0.0-3" {
		t.Errorf("Expected only 1.0.0-3 to remain, got %+v", remaining)
	}

	// One refresh for the stored package, one after retention deleted
	if len(updater.requested()) < 2 {
		t.Errorf("Expected a second update request after retention, got %v", updater.requested())
	}
}

func TestSignaturePlacedNextToPackage(t *testing.T) {
	engine, store, _ := newTestEngine(t, Options{})
	data := buildUploadArchive(t, "foo", "1.0.0-1", "x86_64")
	sig := []byte("-----BEGIN PGP SIGNATURE-----\nfake\n-----END PGP SIGNATURE-----\n")

	chunkSize := (int64(len(data)) + 1) / 2
	res, err := engine.Initiate(InitiateRequest{
		Filename:  "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize:  int64(len(data)),
		ChunkSize: chunkSize,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := engine.StoreChunk(res.UploadID, 1, data[:chunkSize]); err != nil {
		t.Fatalf("StoreChunk failed: %v", err)
	}
	if _, err := engine.StoreChunk(res.UploadID, 2, data[chunkSize:]); err != nil {
		t.Fatalf("StoreChunk failed: %v", err)
	}

	sigRes, err := engine.StoreSignature(res.UploadID, sig)
	if err != nil {
		t.Fatalf("StoreSignature failed: %v", err)
	}
	if sigRes.SHA256 != utils.SHA256Hex(sig) || sigRes.Size != int64(len(sig)) {
		t.Errorf("Unexpected signature receipt: %+v", sigRes)
	}

	pkg, err := engine.Complete(res.UploadID, []int{1, 2})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	sigPath, err := store.PackagePath(pkg.Repo, pkg.Filename+".sig")
	if err != nil {
		t.Fatalf("Failed to resolve signature path: %v", err)
	}
	placed, err := os.ReadFile(sigPath)
	if err != nil {
		t.Fatalf("Signature not placed: %v", err)
	}
	if !bytes.Equal(placed, sig) {
		t.Error("Placed signature differs from the uploaded bytes")
	}
}

func TestAbortFreesStaging(t *testing.T) {
	engine, store, _ := newTestEngine(t, Options{})

	res, err := engine.Initiate(InitiateRequest{
		Filename:  "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize:  2048,
		ChunkSize: 1024,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := engine.StoreChunk(res.UploadID, 1, make([]byte, 1024)); err != nil {
		t.Fatalf("StoreChunk failed: %v", err)
	}

	result, err := engine.Abort(res.UploadID)
	if err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if result.DeletedChunks != 1 || result.BytesFreed < 1024 {
		t.Errorf("Unexpected abort result: %+v", result)
	}

	dir, err := store.UploadDir(res.UploadID)
	if err != nil {
		t.Fatalf("Failed to resolve upload dir: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Staging directory must be removed")
	}

	if _, err := engine.Abort(res.UploadID); !models.IsKind(err, models.ErrNotFound) {
		t.Errorf("Second abort should be not found, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	engine, _, _ := newTestEngine(t, Options{SessionTTL: time.Millisecond})

	res, err := engine.Initiate(InitiateRequest{
		Filename:  "foo-1.0.0-1-x86_64.pkg.tar.zst",
		FileSize:  1024,
		ChunkSize: 1024,
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	_, err = engine.StoreChunk(res.UploadID, 1, make([]byte, 1024))
	if !models.IsKind(err, models.ErrNotFound) {
		t.Errorf("Expired session should read as not found, got %v", err)
	}

	if collected := engine.SweepExpired(); collected != 1 {
		t.Errorf("Expected 1 expired session collected, got %d", collected)
	}
	if engine.SessionCount() != 0 {
		t.Error("Expired session must be removed from the map")
	}
}

func TestPurgeStaging(t *testing.T) {
	engine, store, _ := newTestEngine(t, Options{})

	stale := filepath.Join(store.UploadsRoot(), "11111111-2222-4333-8444-555555555555", "chunks")
	if err := os.MkdirAll(stale, 0755); err != nil {
		t.Fatalf("Failed to create stale staging: %v", err)
	}

	if err := engine.PurgeStaging(); err != nil {
		t.Fatalf("PurgeStaging failed: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Stale staging must be purged")
	}
}

func TestConcurrentSessionsIndependent(t *testing.T) {
	engine, store, _ := newTestEngine(t, Options{})

	dataA := buildUploadArchive(t, "alpha", "1.0.0-1", "x86_64")
	dataB := buildUploadArchive(t, "beta", "1.0.0-1", "x86_64")

	idA := uploadInHalves(t, engine, dataA, InitiateRequest{Filename: "alpha-1.0.0-1-x86_64.pkg.tar.zst"})
	idB := uploadInHalves(t, engine, dataB, InitiateRequest{Filename: "beta-1.0.0-1-x86_64.pkg.tar.zst"})

	if _, err := engine.Complete(idB, []int{1, 2}); err != nil {
		t.Fatalf("Complete B failed: %v", err)
	}
	if _, err := engine.Complete(idA, []int{1, 2}); err != nil {
		t.Fatalf("Complete A failed: %v", err)
	}

	for _, name := range []string{"alpha", "beta"} {
		filename := models.CanonicalFilename(name, "1.0.0-1", "x86_64")
		if exists, _ := store.Exists("sw1nn", filename); !exists {
			t.Errorf("Package %s missing after interleaved uploads", filename)
		}
	}
}
