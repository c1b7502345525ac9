package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"rescue-service/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAlreadyAccepted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// logFailure logs client errors at Warn and server errors at Error
func logFailure(logger *slog.Logger, status int, msg string, attrs ...any) {
	if status >= http.StatusInternalServerError {
		logger.Error(msg, attrs...)
		return
	}
	logger.Warn(msg, attrs...)
}
