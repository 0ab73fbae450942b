package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body of every error answer of the API.
type ErrorResponse struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// WriteError writes an ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, statusCode int, message string, errors []string, log *slog.Logger) {
	if errors == nil {
		errors = []string{}
	}
	WriteJSON(w, statusCode, ErrorResponse{Message: message, Errors: errors}, log)
}

// WriteJSON encodes payload as the response body. Encoding failures are
// only logged: the status line is already on the wire.
func WriteJSON(w http.ResponseWriter, statusCode int, payload any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil && log != nil {
		log.Error("failed to encode response", "error", err)
	}
}
