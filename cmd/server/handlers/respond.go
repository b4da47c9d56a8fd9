// Package handlers provides the REST API for uploads, imports, merges and
// conversation browsing.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
	"github.com/kimhsiao/chatvault/backend/internal/logging"
)

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("failed to encode response", err)
	}
}

// writeError maps an application error onto an HTTP status and a stable
// error body: {"error": {"code": ..., "message": ...}}.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrInvalid, apperrors.ErrMalformedUpload:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrJobNotReady, apperrors.ErrMergeConflict:
		status = http.StatusConflict
	case apperrors.ErrCorruptedBundle, apperrors.ErrEmptyTranscript:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrStorageUnavailable:
		status = http.StatusServiceUnavailable
	}

	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": message,
		},
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
