package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/peterje/dbgmcp/internal/repl"
	"github.com/peterje/dbgmcp/internal/sessions"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteFailure writes err with the status StatusFor picks.
func WriteFailure(w http.ResponseWriter, err error) {
	WriteError(w, StatusFor(err), err.Error())
}

// StatusFor maps session errors to HTTP statuses.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, repl.ErrSpawn):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repl.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, repl.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, repl.ErrIO):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
