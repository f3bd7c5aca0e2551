// Package api — RFC 6749 error responses for the warrant HTTP surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Volant-Labs/warrant/pkg/authority"
)

// ErrorBody is the wire form of every error response.
type ErrorBody struct {
	Code        string         `json:"error"`
	Description string         `json:"error_description"`
	Details     map[string]any `json:"error_details,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
}

// StatusForCode maps an OAuth error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case authority.CodeInvalidClient:
		return http.StatusUnauthorized
	case authority.CodeInvalidScope, authority.CodeAccessDenied:
		return http.StatusForbidden
	case authority.CodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// WriteOAuthError writes an error in RFC 6749 shape. Unrecognized errors are
// logged and surfaced as server_error without internals.
func WriteOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *authority.Error
	if !errors.As(err, &oe) {
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		oe = &authority.Error{Code: authority.CodeServerError, Description: "An unexpected error occurred. Please try again later."}
	}

	body := &ErrorBody{
		Code:        oe.Code,
		Description: oe.Description,
		Details:     oe.Details,
		RequestID:   w.Header().Get("X-Request-ID"),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(StatusForCode(oe.Code))
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes an error from raw code and description.
func WriteError(w http.ResponseWriter, r *http.Request, code, description string) {
	WriteOAuthError(w, r, &authority.Error{Code: code, Description: description})
}

// WriteUnauthorized writes a 401 invalid_client response with the
// WWW-Authenticate challenge RFC 6749 §5.2 requires.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, description string) {
	if description == "" {
		description = "client authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="warrant"`)
	WriteError(w, r, authority.CodeInvalidClient, description)
}

// WriteMethodNotAllowed writes a 405 response.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	body := &ErrorBody{
		Code:        authority.CodeInvalidRequest,
		Description: "method not allowed",
		RequestID:   w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	body := &ErrorBody{
		Code:        "slow_down",
		Description: "Rate limit exceeded. Retry after the specified interval.",
		RequestID:   w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
