package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/sw1nn/sw1nn-pkg-repo/internal/models"
)

// statusFor maps an error kind to its HTTP status. Unknown and internal
// kinds collapse to 500.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrInvalidPackage:
		return http.StatusBadRequest
	case models.ErrAlreadyExists:
		return http.StatusConflict
	case models.ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case models.ErrUnauthorized:
		return http.StatusUnauthorized
	case models.ErrForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode response")
	}
}

// writeError sends the sanitized message to the client. Server-side
// failures keep their full cause in the log only.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := logrus.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	} else {
		log.WithError(err).Debug("Request rejected")
	}
	writeJSON(w, status, map[string]string{"error": models.PublicMessage(err)})
}

// decodeJSON reads a JSON request body into dst. An empty body surfaces
// as a wrapped io.EOF so handlers can choose to allow it.
func decodeJSON(r *http.Request, dst interface{}) error {
	if err := decodeJSONBody(r.Body, dst); err != nil {
		return models.WrapError(models.ErrInvalidPackage, err, "invalid request body")
	}
	return nil
}

func decodeJSONBody(r io.Reader, dst interface{}) error {
	return json.NewDecoder(r).Decode(dst)
}
