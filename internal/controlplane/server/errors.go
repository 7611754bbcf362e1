package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marcus-qen/opsplane/internal/controlplane/approval"
	"github.com/marcus-qen/opsplane/internal/controlplane/broker"
	"github.com/marcus-qen/opsplane/internal/controlplane/builds"
	"github.com/marcus-qen/opsplane/internal/controlplane/concurrency"
	"github.com/marcus-qen/opsplane/internal/controlplane/jobs"
	"github.com/marcus-qen/opsplane/internal/controlplane/runners"
	"github.com/marcus-qen/opsplane/internal/controlplane/storage"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// writeJSON writes a success response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Unknown errors become
// 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case jobs.IsValidation(err):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case storage.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, approval.ErrExpired):
		writeJSONError(w, http.StatusGone, "approval_expired", err.Error())
	case errors.Is(err, approval.ErrNotPending),
		errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, builds.ErrDuplicateArtifact):
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, concurrency.ErrRateLimited):
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, broker.ErrUnavailable),
		errors.Is(err, runners.ErrNoRunnerAvailable):
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
