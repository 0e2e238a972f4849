// Package api provides the public HTTP surface of the signing engine:
// token-keyed signer endpoints, document creation and download, the provider
// webhook, and standardized JSON error handling.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/brokerdesk/esign/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeNotFound indicates the token, document or signer was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeExpired indicates the document is past its expiration.
	ErrCodeExpired = "expired"

	// ErrCodeAlreadySigned indicates a repeat submission for a signed signer.
	ErrCodeAlreadySigned = "already_signed"

	// ErrCodeDocumentClosed indicates the document was cancelled or rejected.
	ErrCodeDocumentClosed = "document_closed"

	// ErrCodeStorageFailure indicates the object store was unavailable.
	ErrCodeStorageFailure = "storage_failure"

	// ErrCodeStateInconsistency indicates persisted state that should be
	// impossible, e.g. a signed signer without its signature image.
	ErrCodeStateInconsistency = "state_inconsistency"

	// ErrCodeSecurityViolation indicates a webhook signature mismatch.
	ErrCodeSecurityViolation = "security_violation"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
// Validation failures additionally name the offending fields so the signer
// client can highlight them.
type ErrorDetail struct {
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	MissingFields []string          `json:"missing_fields,omitempty"`
	InvalidFields map[string]string `json:"invalid_fields,omitempty"`
}

// WriteError writes a standardized JSON error response.
// It writes the appropriate HTTP status code and returns a JSON error body.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The error_code will be automatically logged by the logging middleware
// for all 4xx and 5xx responses if you call SetErrorCode on the context
// and pass the updated context to WriteError.
//
// Example:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "unknown signing link")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	WriteErrorDetail(w, ctx, status, ErrorDetail{Code: code, Message: message})
}

// WriteErrorDetail writes an error response with an explicit detail payload.
// Used by handlers that attach field-level validation information.
func WriteErrorDetail(w http.ResponseWriter, ctx context.Context, status int, detail ErrorDetail) {
	// Update the context in the response writer if supported (for logging middleware)
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{Error: detail}

	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
// This is a convenience function to map error codes to HTTP status codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeExpired:
		return http.StatusGone
	case ErrCodeAlreadySigned, ErrCodeDocumentClosed:
		return http.StatusConflict
	case ErrCodeStorageFailure:
		return http.StatusBadGateway
	case ErrCodeStateInconsistency:
		return http.StatusInternalServerError
	case ErrCodeSecurityViolation:
		return http.StatusBadRequest
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
