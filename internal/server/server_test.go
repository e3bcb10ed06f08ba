package server

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/config"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/pacman"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/storage"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/updater"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/upload"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/utils"
)

// testEnv runs the full stack behind an httptest server: real store,
// real upload engine, real update actor with a short debounce.
type testEnv struct {
	srv   *httptest.Server
	api   *Server
	store *storage.Store
	cfg   *config.Config
	actor *updater.Actor
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir, err := os.MkdirTemp("", "server-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.DataPath = dir
	cfg.DBDebounce = config.Duration{Duration: 10 * time.Millisecond}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.New(cfg.DataPath)
	require.NoError(t, err)

	gen := pacman.NewGenerator(store, nil)
	actor := updater.New(gen, cfg.DBDebounce.Duration)
	actor.Start()
	t.Cleanup(actor.Shutdown)

	engine := upload.NewEngine(store, actor, upload.Options{
		MaxPayloadSize:   cfg.MaxPayloadSize,
		DefaultChunkSize: cfg.ChunkSize,
		SessionTTL:       cfg.SessionTTL.Duration,
		DefaultRepo:      cfg.DefaultRepo,
		DefaultArch:      cfg.DefaultArch,
		AutoCleanup:      cfg.AutoCleanup,
	})

	api := New(cfg, store, engine, actor)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, api: api, store: store, cfg: cfg, actor: actor}
}

// buildPackageArchive returns a well-formed zstd package whose .PKGINFO
// declares the given identity.
func buildPackageArchive(t *testing.T, name, version, arch string) []byte {
	t.Helper()
	pkginfo := fmt.Sprintf("pkgname = %s\npkgver = %s\narch = %s\n", name, version, arch)
	payload := bytes.Repeat([]byte("payload\n"), 128)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{".PKGINFO", []byte(pkginfo)},
		{"usr/bin/" + name, payload},
	} {
		err := tw.WriteHeader(&tar.Header{Name: entry.name, Mode: 0644, Size: int64(len(entry.body))})
		require.NoError(t, err)
		_, err = tw.Write(entry.body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	require.NoError(t, err)
	_, err = zw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return out.Bytes()
}

// seedPackage stores an archive directly, bypassing the upload flow
func seedPackage(t *testing.T, env *testEnv, name, version, arch string) *models.Package {
	t.Helper()
	data := buildPackageArchive(t, name, version, arch)
	pkg := &models.Package{
		Name:      name,
		Version:   version,
		Arch:      arch,
		Repo:      env.cfg.DefaultRepo,
		Filename:  models.CanonicalFilename(name, version, arch),
		SHA256Sum: utils.SHA256Hex(data),
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.store.Store(pkg, data))
	return pkg
}

func doJSON(t *testing.T, method, url string, payload interface{}, token string) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func postRaw(t *testing.T, url string, body []byte, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// uploadViaAPI drives the whole chunked flow over HTTP in two chunks and
// returns the stored package.
func uploadViaAPI(t *testing.T, env *testEnv, data []byte, filename, token string) models.Package {
	t.Helper()
	half := (len(data) + 1) / 2
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/upload/initiate", map[string]interface{}{
		"filename":   filename,
		"file_size":  len(data),
		"chunk_size": half,
		"sha256":     utils.SHA256Hex(data),
	}, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "initiate: %s", body)
	var ir upload.InitiateResult
	require.NoError(t, json.Unmarshal(body, &ir))
	require.Equal(t, 2, ir.TotalChunks)

	for i, chunk := range [][]byte{data[:half], data[half:]} {
		url := fmt.Sprintf("%s/api/packages/upload/%s/chunks/%d", env.srv.URL, ir.UploadID, i+1)
		resp, body := postRaw(t, url, chunk, token)
		require.Equal(t, http.StatusOK, resp.StatusCode, "chunk %d: %s", i+1, body)
		var cr upload.ChunkResult
		require.NoError(t, json.Unmarshal(body, &cr))
		assert.Equal(t, utils.MD5Hex(chunk), cr.MD5)
	}

	resp, body = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/packages/upload/%s/complete", env.srv.URL, ir.UploadID),
		map[string][]int{"chunks": {1, 2}}, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "complete: %s", body)
	var pkg models.Package
	require.NoError(t, json.Unmarshal(body, &pkg))
	return pkg
}

// fetchDatabase pulls a generated database over HTTP and returns its tar
// entries by name.
func fetchDatabase(env *testEnv, path string) (map[string]string, error) {
	resp, err := http.Get(env.srv.URL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	raw, err := utils.GzipDecompress(body)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]string)
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		entries[hdr.Name] = string(data)
	}
	return entries, nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestUploadAndFetchRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	data := buildPackageArchive(t, "foo", "1.0.0", "x86_64")

	pkg := uploadViaAPI(t, env, data, "foo-1.0.0-x86_64.pkg.tar.zst", "")
	assert.Equal(t, "foo", pkg.Name)
	assert.Equal(t, "1.0.0", pkg.Version)
	assert.Equal(t, "x86_64", pkg.Arch)
	assert.Equal(t, "foo-1.0.0-x86_64.pkg.tar.zst", pkg.Filename)

	resp, body := get(t, env.srv.URL+"/sw1nn/os/x86_64/"+pkg.Filename)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zstd", resp.Header.Get("Content-Type"))
	assert.Equal(t, data, body)

	var entries map[string]string
	waitFor(t, 3*time.Second, "database rebuild", func() bool {
		m, err := fetchDatabase(env, "/sw1nn/os/x86_64/sw1nn.db")
		if err != nil {
			return false
		}
		if _, ok := m["foo-1.0.0/desc"]; !ok {
			return false
		}
		entries = m
		return true
	})
	desc := entries["foo-1.0.0/desc"]
	assert.Contains(t, desc, "%NAME%\nfoo\n\n")
	assert.Contains(t, desc, "%VERSION%\n1.0.0\n\n")
	assert.Contains(t, desc, "%FILENAME%\nfoo-1.0.0-x86_64.pkg.tar.zst\n\n")

	resp, _ = get(t, env.srv.URL+"/sw1nn/os/x86_64/sw1nn.db")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))
}

func TestUploadCompleteMissingChunk(t *testing.T) {
	env := newTestEnv(t, nil)
	data := buildPackageArchive(t, "foo", "1.0.0-1", "x86_64")
	half := (len(data) + 1) / 2

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/upload/initiate", map[string]interface{}{
		"filename":   "foo-1.0.0-1-x86_64.pkg.tar.zst",
		"file_size":  len(data),
		"chunk_size": half,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ir upload.InitiateResult
	require.NoError(t, json.Unmarshal(body, &ir))

	resp, _ = postRaw(t, fmt.Sprintf("%s/api/packages/upload/%s/chunks/1", env.srv.URL, ir.UploadID), data[:half], "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/packages/upload/%s/complete", env.srv.URL, ir.UploadID), nil, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "incomplete")
	assert.Contains(t, string(body), "2")
}

func TestUploadDuplicateConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	data := buildPackageArchive(t, "foo", "1.0.0-1", "x86_64")
	uploadViaAPI(t, env, data, "foo-1.0.0-1-x86_64.pkg.tar.zst", "")

	half := (len(data) + 1) / 2
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/upload/initiate", map[string]interface{}{
		"filename":   "foo-1.0.0-1-x86_64.pkg.tar.zst",
		"file_size":  len(data),
		"chunk_size": half,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ir upload.InitiateResult
	require.NoError(t, json.Unmarshal(body, &ir))

	for i, chunk := range [][]byte{data[:half], data[half:]} {
		resp, _ := postRaw(t, fmt.Sprintf("%s/api/packages/upload/%s/chunks/%d", env.srv.URL, ir.UploadID, i+1), chunk, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/packages/upload/%s/complete", env.srv.URL, ir.UploadID), nil, "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "already exists")
}

func TestUploadInitiateTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/upload/initiate", map[string]interface{}{
		"filename":  "foo-1.0.0-1-x86_64.pkg.tar.zst",
		"file_size": env.cfg.MaxPayloadSize + 1,
	}, "")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, string(body), "error")
}

func TestUploadInitiateBadExtension(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/upload/initiate", map[string]interface{}{
		"filename":  "foo-1.0.0-1-x86_64.rpm",
		"file_size": 1024,
	}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), ".pkg.tar.zst")
}

func TestUploadChunkBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxPayloadSize = 1024
		cfg.ChunkSize = 512
	})
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/upload/initiate", map[string]interface{}{
		"filename":   "foo-1.0.0-1-x86_64.pkg.tar.zst",
		"file_size":  512,
		"chunk_size": 512,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ir upload.InitiateResult
	require.NoError(t, json.Unmarshal(body, &ir))

	oversized := make([]byte, 2048)
	resp, _ = postRaw(t, fmt.Sprintf("%s/api/packages/upload/%s/chunks/1", env.srv.URL, ir.UploadID), oversized, "")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUploadAbort(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/upload/initiate", map[string]interface{}{
		"filename":   "foo-1.0.0-1-x86_64.pkg.tar.zst",
		"file_size":  2048,
		"chunk_size": 1024,
	}, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ir upload.InitiateResult
	require.NoError(t, json.Unmarshal(body, &ir))

	resp, _ = postRaw(t, fmt.Sprintf("%s/api/packages/upload/%s/chunks/1", env.srv.URL, ir.UploadID), make([]byte, 1024), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/api/packages/upload/%s", env.srv.URL, ir.UploadID), nil)
	require.NoError(t, err)
	abortResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer abortResp.Body.Close()
	require.Equal(t, http.StatusOK, abortResp.StatusCode)
	var ar upload.AbortResult
	require.NoError(t, json.NewDecoder(abortResp.Body).Decode(&ar))
	assert.Equal(t, 1, ar.DeletedChunks)
	assert.GreaterOrEqual(t, ar.BytesFreed, int64(1024))

	// unknown session afterwards
	resp, _ = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/packages/upload/%s/complete", env.srv.URL, ir.UploadID), nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListPackages(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPackage(t, env, "foo", "1.0.0-1", "x86_64")
	seedPackage(t, env, "bar", "2.1.0-1", "x86_64")
	seedPackage(t, env, "baz", "0.3.0-1", "any")

	extra := buildPackageArchive(t, "qux", "1.0.0-1", "x86_64")
	require.NoError(t, env.store.Store(&models.Package{
		Name: "qux", Version: "1.0.0-1", Arch: "x86_64", Repo: "extra",
		Filename:  models.CanonicalFilename("qux", "1.0.0-1", "x86_64"),
		SHA256Sum: utils.SHA256Hex(extra), Size: int64(len(extra)), CreatedAt: time.Now().UTC(),
	}, extra))

	resp, body := get(t, env.srv.URL+"/api/packages")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all listResponse
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Equal(t, 4, all.Count)

	resp, body = get(t, env.srv.URL+"/api/packages?repo=sw1nn")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var scoped listResponse
	require.NoError(t, json.Unmarshal(body, &scoped))
	assert.Equal(t, 3, scoped.Count)

	// the x86_64 view includes "any" packages
	resp, body = get(t, env.srv.URL+"/api/packages?repo=sw1nn&arch=x86_64")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var arched listResponse
	require.NoError(t, json.Unmarshal(body, &arched))
	assert.Equal(t, 3, arched.Count)
	names := make([]string, 0, len(arched.Packages))
	for _, p := range arched.Packages {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "baz")

	resp, body = get(t, env.srv.URL+"/api/packages?name=foo")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var named listResponse
	require.NoError(t, json.Unmarshal(body, &named))
	require.Equal(t, 1, named.Count)
	assert.Equal(t, "foo", named.Packages[0].Name)
}

func TestListPackagesEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := get(t, env.srv.URL+"/api/packages")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"packages":[],"count":0}`, string(body))
}

func TestDeletePackage(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPackage(t, env, "bar", "1.0.0-1", "x86_64")
	seedPackage(t, env, "bar", "1.0.1-1", "x86_64")

	resp, _ := doJSON(t, http.MethodDelete, env.srv.URL+"/api/packages/bar?version=1.0.0-1", nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	pkgs, err := env.store.List("sw1nn", "")
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "1.0.1-1", pkgs[0].Version)

	resp, _ = doJSON(t, http.MethodDelete, env.srv.URL+"/api/packages/bar", nil, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := doJSON(t, http.MethodDelete, env.srv.URL+"/api/packages/bar", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "not found")
}

func TestDeleteVersionsRange(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPackage(t, env, "bar", "1.0.0-1", "x86_64")
	seedPackage(t, env, "bar", "1.1.0-1", "x86_64")
	seedPackage(t, env, "bar", "2.0.0-1", "x86_64")

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/bar/versions/delete",
		map[string]interface{}{"versions": []string{"^1.0.0"}}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res deleteVersionsResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 2, res.DeletedCount)
	assert.Equal(t, []string{"1.0.0-1", "1.1.0-1"}, res.DeletedVersions)

	pkgs, err := env.store.List("sw1nn", "")
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "2.0.0-1", pkgs[0].Version)
}

func TestDeleteVersionsExact(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPackage(t, env, "bar", "1.0.0-1", "x86_64")
	seedPackage(t, env, "bar", "1.0.0-2", "x86_64")

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/bar/versions/delete",
		map[string]interface{}{"versions": []string{"1.0.0-2"}}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res deleteVersionsResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 1, res.DeletedCount)
	assert.Equal(t, []string{"1.0.0-2"}, res.DeletedVersions)
}

func TestDeleteVersionsUnknownPackage(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/ghost/versions/delete",
		map[string]interface{}{"versions": []string{"^1.0.0"}}, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCleanupRetention(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, v := range []string{"1.0.0-1", "1.0.0-2", "1.1.0-1", "1.1.0-2", "2.0.0-1"} {
		seedPackage(t, env, "bar", v, "x86_64")
	}

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/cleanup",
		map[string]interface{}{"pattern": "bar"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res cleanupResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 1, res.PackagesProcessed)
	assert.Equal(t, 4, res.VersionsDeleted)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "bar", res.Details[0].Name)

	pkgs, err := env.store.List("sw1nn", "")
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "2.0.0-1", pkgs[0].Version)
}

func TestCleanupPatternValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPackage(t, env, "bar", "1.0.0-1", "x86_64")

	resp, _ := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/cleanup",
		map[string]interface{}{"pattern": "["}, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/packages/cleanup",
		map[string]interface{}{"pattern": "nomatch*"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res cleanupResponse
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 0, res.PackagesProcessed)
	assert.Equal(t, 0, res.VersionsDeleted)
}

func TestRebuildEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	seedPackage(t, env, "foo", "1.0.0-1", "x86_64")

	resp, body := doJSON(t, http.MethodPost, env.srv.URL+"/api/repos/sw1nn/os/x86_64/rebuild", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"status":"accepted"}`, string(body))

	waitFor(t, 3*time.Second, "forced rebuild", func() bool {
		m, err := fetchDatabase(env, "/sw1nn/os/x86_64/sw1nn.db")
		if err != nil {
			return false
		}
		_, ok := m["foo-1.0.0-1/desc"]
		return ok
	})
}

func TestRepoFileContentTypes(t *testing.T) {
	env := newTestEnv(t, nil)
	pkg := seedPackage(t, env, "foo", "1.0.0-1", "x86_64")

	sigPath, err := env.store.PackagePath("sw1nn", pkg.Filename+".sig")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sigPath, []byte("detached signature"), 0644))

	env.actor.ForceRebuild(models.RepoArchKey{Repo: "sw1nn", Arch: "x86_64"})
	waitFor(t, 3*time.Second, "database files", func() bool {
		_, err := fetchDatabase(env, "/sw1nn/os/x86_64/sw1nn.db")
		return err == nil
	})

	cases := []struct {
		path        string
		contentType string
	}{
		{"/sw1nn/os/x86_64/" + pkg.Filename, "application/zstd"},
		{"/sw1nn/os/x86_64/" + pkg.Filename + ".sig", "application/pgp-signature"},
		{"/sw1nn/os/x86_64/sw1nn.db", "application/gzip"},
		{"/sw1nn/os/x86_64/sw1nn.files", "application/gzip"},
		{"/sw1nn/os/x86_64/sw1nn.db.tar.gz", "application/gzip"},
	}
	for _, tc := range cases {
		resp, _ := get(t, env.srv.URL+tc.path)
		require.Equal(t, http.StatusOK, resp.StatusCode, tc.path)
		assert.Equal(t, tc.contentType, resp.Header.Get("Content-Type"), tc.path)
	}
}

func TestRepoFileArchView(t *testing.T) {
	env := newTestEnv(t, nil)
	arm := seedPackage(t, env, "qux", "1.0.0-1", "aarch64")
	anyPkg := seedPackage(t, env, "meta", "1.0.0-1", "any")

	// a package is not served under a foreign architecture
	resp, _ := get(t, env.srv.URL+"/sw1nn/os/x86_64/"+arm.Filename)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, env.srv.URL+"/sw1nn/os/aarch64/"+arm.Filename)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// "any" packages are served under every architecture
	resp, _ = get(t, env.srv.URL+"/sw1nn/os/x86_64/"+anyPkg.Filename)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, env.srv.URL+"/sw1nn/os/aarch64/"+anyPkg.Filename)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRepoFileUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := get(t, env.srv.URL+"/sw1nn/os/x86_64/readme.txt")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, env.srv.URL+"/sw1nn/os/x86_64/ghost-1.0.0-1-x86_64.pkg.tar.zst")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, env.srv.URL+"/sw1nn/os/x86_64/sw1nn.db")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
