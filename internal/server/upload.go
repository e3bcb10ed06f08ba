package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
	"github.com/sw1nn/sw1nn-pkg-repo/internal/upload"
)

func (s *Server) handleUploadInitiate(w http.ResponseWriter, r *http.Request) {
	var req upload.InitiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.engine.Initiate(req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// readBody drains a bounded request body. Exceeding the limit maps to
// 413 rather than the 400 a bare read error would produce.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, limit)
	data, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, models.NewError(models.ErrPayloadTooLarge,
				"request body exceeds %d bytes", maxErr.Limit)
		}
		return nil, models.WrapError(models.ErrIo, err, "failed to read request body")
	}
	return data, nil
}

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		writeError(w, r, models.NewError(models.ErrInvalidPackage,
			"invalid chunk number %q", chi.URLParam(r, "n")))
		return
	}
	data, err := readBody(w, r, s.cfg.MaxPayloadSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.engine.StoreChunk(id, n, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUploadSignature(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := readBody(w, r, s.cfg.MaxPayloadSize)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.engine.StoreSignature(id, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The manifest body is optional; when present it must list every
	// chunk the client sent.
	var req struct {
		Chunks []int `json:"chunks"`
	}
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, err)
		return
	}

	pkg, err := s.engine.Complete(id, req.Chunks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Abort(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
