package util

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// =============================================================================
// JSON Response Helpers
// =============================================================================

// WriteJSON encodes v with the given status. Encoding errors are logged; the
// header is already sent by then.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// ErrorBody is the JSON shape of every error response. Source names the path
// that produced it (unavailable, error, ...); it is omitted for plain 4xx.
type ErrorBody struct {
	Error  string `json:"error"`
	Source string `json:"source,omitempty"`
}

// RespondError writes an ErrorBody
func RespondError(w http.ResponseWriter, status int, message, source string) {
	WriteJSON(w, status, ErrorBody{Error: message, Source: source})
}

// RespondBadRequest sends a 400 Bad Request error response.
func RespondBadRequest(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusBadRequest, message, "")
}

// RespondMethodNotAllowed sends a 405 Method Not Allowed error response.
func RespondMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	RespondError(w, http.StatusMethodNotAllowed, "method not allowed", "")
}

// RespondServiceUnavailable sends a 503 tagged with source "unavailable"
func RespondServiceUnavailable(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusServiceUnavailable, message, "unavailable")
}

// RespondInternalError sends a 500 tagged with source "error"
func RespondInternalError(w http.ResponseWriter, message string) {
	RespondError(w, http.StatusInternalServerError, message, "error")
}

// =============================================================================
// Request Helpers
// =============================================================================

// ParseLimit reads a positive integer query value, falling back to def when
// absent or malformed and clamping to max
func ParseLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		n = def
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}

// ClientIP returns the client address, preferring the first X-Forwarded-For hop
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
