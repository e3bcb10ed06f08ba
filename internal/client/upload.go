package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/upload"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/utils"
)

const (
	chunkAttempts = 3
	chunkBackoff  = 500 * time.Millisecond
)

// UploadOptions tune one upload. Zero values defer to the server.
type UploadOptions struct {
	Repo          string
	Arch          string
	ChunkSize     int64
	SignaturePath string
}

// Upload sends a package through the chunked flow: initiate, chunks in
// order with per-chunk MD5 verification, optional detached signature,
// complete. The session is aborted on any failure past initiate.
func (c *Client) Upload(ctx context.Context, path string, opts UploadOptions) (*models.Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to open %s", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, models.WrapError(models.ErrIo, err, "failed to stat %s", path)
	}
	digest, err := fileSHA256(f)
	if err != nil {
		return nil, err
	}

	var ir upload.InitiateResult
	err = c.doJSON(ctx, http.MethodPost, "/api/packages/upload/initiate", upload.InitiateRequest{
		Filename:     filepath.Base(path),
		FileSize:     info.Size(),
		ChunkSize:    opts.ChunkSize,
		SHA256:       digest,
		Repo:         opts.Repo,
		Arch:         opts.Arch,
		HasSignature: opts.SignaturePath != "",
	}, &ir)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"upload_id":    ir.UploadID,
		"total_chunks": ir.TotalChunks,
		"chunk_size":   ir.ChunkSize,
	}).Debug("Upload session opened")

	buf := make([]byte, ir.ChunkSize)
	for n := 1; n <= ir.TotalChunks; n++ {
		size := ir.ChunkSize
		if n == ir.TotalChunks {
			size = info.Size() - int64(n-1)*ir.ChunkSize
		}
		chunk := buf[:size]
		if _, err := io.ReadFull(f, chunk); err != nil {
			c.abortQuietly(ir.UploadID)
			return nil, models.WrapError(models.ErrIo, err, "failed to read chunk %d", n)
		}
		if err := c.sendChunk(ctx, ir.UploadID, n, chunk); err != nil {
			c.abortQuietly(ir.UploadID)
			return nil, err
		}
	}

	if opts.SignaturePath != "" {
		sig, err := os.ReadFile(opts.SignaturePath)
		if err != nil {
			c.abortQuietly(ir.UploadID)
			return nil, models.WrapError(models.ErrIo, err, "failed to read signature %s", opts.SignaturePath)
		}
		var sr upload.SignatureResult
		err = c.do(ctx, http.MethodPost, "/api/packages/upload/"+ir.UploadID+"/signature",
			bytes.NewReader(sig), "application/octet-stream", &sr)
		if err != nil {
			c.abortQuietly(ir.UploadID)
			return nil, err
		}
	}

	manifest := make([]int, ir.TotalChunks)
	for i := range manifest {
		manifest[i] = i + 1
	}
	var pkg models.Package
	err = c.doJSON(ctx, http.MethodPost, "/api/packages/upload/"+ir.UploadID+"/complete",
		map[string][]int{"chunks": manifest}, &pkg)
	if err != nil {
		c.abortQuietly(ir.UploadID)
		return nil, err
	}
	return &pkg, nil
}

// sendChunk uploads one chunk, retrying transport failures and receipt
// checksum mismatches with a growing backoff. Rejections the server
// will repeat (bad size, bad session) are not retried.
func (c *Client) sendChunk(ctx context.Context, id string, n int, chunk []byte) error {
	want := utils.MD5Hex(chunk)
	var lastErr error
	for attempt := 1; attempt <= chunkAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return models.WrapError(models.ErrIo, ctx.Err(), "upload cancelled")
			case <-time.After(time.Duration(attempt-1) * chunkBackoff):
			}
		}
		var res upload.ChunkResult
		err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/packages/upload/%s/chunks/%d", id, n),
			bytes.NewReader(chunk), "application/octet-stream", &res)
		if err != nil {
			if !models.IsKind(err, models.ErrIo) {
				return err
			}
			lastErr = err
			logrus.WithError(err).Warnf("Chunk %d attempt %d failed", n, attempt)
			continue
		}
		if res.MD5 != want {
			lastErr = models.NewError(models.ErrIo,
				"chunk %d receipt checksum mismatch: sent %s, server saw %s", n, want, res.MD5)
			logrus.Warnf("Chunk %d attempt %d: receipt checksum mismatch", n, attempt)
			continue
		}
		return nil
	}
	return models.WrapError(models.ErrIo, lastErr, "chunk %d failed after %d attempts", n, chunkAttempts)
}

// Abort drops an upload session and its staged data.
func (c *Client) Abort(ctx context.Context, id string) (*upload.AbortResult, error) {
	var res upload.AbortResult
	if err := c.do(ctx, http.MethodDelete, "/api/packages/upload/"+id, nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// abortQuietly is the failure-path cleanup; its own failure is only
// logged.
func (c *Client) abortQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.Abort(ctx, id); err != nil && !models.IsKind(err, models.ErrNotFound) {
		logrus.WithError(err).WithField("upload_id", id).Warn("Failed to abort upload session")
	}
}

func fileSHA256(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", models.WrapError(models.ErrIo, err, "failed to hash file")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", models.WrapError(models.ErrIo, err, "failed to rewind file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
