package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shehryarbajwa/browserhub/internal/lock"
	"github.com/shehryarbajwa/browserhub/internal/logging"
	"github.com/shehryarbajwa/browserhub/internal/queue"
	"github.com/shehryarbajwa/browserhub/internal/session"
)

var errInvalidRequest = errors.New("invalid request")

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("api: failed to write response", "error", err)
	}
}

// writeError maps domain errors onto categorised responses. Internal
// details never leave the server.
func writeError(w http.ResponseWriter, err error) {
	status, code, msg := http.StatusInternalServerError, "internal", "internal error"

	switch {
	case errors.Is(err, errInvalidRequest):
		status, code, msg = http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, session.ErrOwnership):
		status, code, msg = http.StatusForbidden, "ownership_violation", "session belongs to another user"
	case errors.Is(err, session.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "session not found"
	case errors.Is(err, session.ErrExpired):
		status, code, msg = http.StatusNotFound, "session_expired", "session expired"
	case errors.Is(err, lock.ErrTimeout), errors.Is(err, session.ErrPendingTimeout):
		w.Header().Set("Retry-After", "1")
		status, code, msg = http.StatusServiceUnavailable, "retry", "session is being created, retry shortly"
	case errors.Is(err, session.ErrDuplicateCreation):
		status, code, msg = http.StatusConflict, "race_detected", "concurrent browser creation detected, retry"
	case errors.Is(err, queue.ErrResultTimeout):
		status, code, msg = http.StatusGatewayTimeout, "result_timeout", "command did not finish in time"
	case errors.Is(err, context.Canceled):
		// client went away; nobody is reading
		return
	default:
		logging.Error("api: request failed", "error", err)
	}

	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
