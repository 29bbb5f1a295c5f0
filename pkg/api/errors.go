// Package api holds the JSON error responses and request throttling shared
// by the HTTP surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// Message is the body of every error response.
type Message struct {
	Message string `json:"message"`
}

func (m *Message) Error() string {
	return m.Message
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"message": msg}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, &Message{Message: msg})
}

func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusBadRequest, msg)
}

func WriteUnauthorized(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, msg)
}

func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusNotFound, msg)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 response. err is logged but never exposed to
// the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error",
		"method", r.Method, "path", r.URL.Path, "request_id", w.Header().Get("X-Request-ID"), "error", err)
	WriteError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}
