package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"example.com/fittrack/internal/domain"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

// writeDomainError maps service errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Type: "validation_failed", Detail: verr.Message, Field: verr.Field})
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrNoActiveSession):
		writeError(w, http.StatusNotFound, "no_active_session", "No active tracking found")
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	case errors.Is(err, domain.ErrSessionActive):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "activity store unavailable, retry later")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Type: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
