package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"europa/internal/blob"
	"europa/internal/store"
	"europa/internal/transfer"
	"europa/internal/upload"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"internal error"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound),
		errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrIncompleteUpload),
		errors.Is(err, upload.ErrMissingChunk):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrExpired):
		return http.StatusGone
	case errors.Is(err, upload.ErrTooManySessions),
		blob.IsTransient(err),
		store.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail responds with the status for err. Server-side failures are logged
// and their detail withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request_failed", "path", r.URL.Path, "status", code, "error", err)
		respondError(w, code, http.StatusText(code))
		return
	}
	respondError(w, code, err.Error())
}

// failUpload is fail for the send flow, counted as an upload error.
func (s *Server) failUpload(w http.ResponseWriter, r *http.Request, err error) {
	s.metrics.RecordUploadError()
	s.fail(w, r, err)
}
