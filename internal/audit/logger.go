package audit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/brokerdesk/esign/internal/middleware"
)

var (
	// ErrNilRepository is returned when a nil repository is passed to logging functions.
	ErrNilRepository = errors.New("audit repository cannot be nil")
	// ErrInvalidDocumentID is returned when no document ID is provided.
	ErrInvalidDocumentID = errors.New("document ID cannot be empty")
	// ErrInvalidAction is returned when the action is empty or not whitelisted.
	ErrInvalidAction = errors.New("invalid audit action")
)

// validateEntry validates the required fields of a log entry.
func validateEntry(entry LogEntry) error {
	if entry.DocumentID == "" {
		return ErrInvalidDocumentID
	}
	if !ValidActions[entry.Action] {
		return ErrInvalidAction
	}
	return nil
}

// extractIPAddress extracts the client IP address from an HTTP request.
// It checks X-Forwarded-For, X-Real-IP, and RemoteAddr in that order,
// stripping the port where present.
func extractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		var firstIP string
		if idx := strings.Index(xff, ","); idx != -1 {
			firstIP = strings.TrimSpace(xff[:idx])
		} else {
			firstIP = strings.TrimSpace(xff)
		}
		if firstIP != "" {
			host, _, err := net.SplitHostPort(firstIP)
			if err != nil {
				return firstIP
			}
			return host
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		xri = strings.TrimSpace(xri)
		host, _, err := net.SplitHostPort(xri)
		if err != nil {
			return xri
		}
		return host
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Record appends a lifecycle event to the audit log.
func Record(ctx context.Context, repo Repository, entry LogEntry) error {
	if repo == nil {
		return ErrNilRepository
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(ctx)
	}
	_, err := repo.Append(ctx, entry)
	return err
}

// RecordFromRequest appends a lifecycle event with HTTP request metadata
// (IP address, user agent, request ID) filled in from the request.
func RecordFromRequest(r *http.Request, repo Repository, entry LogEntry) error {
	if repo == nil {
		return ErrNilRepository
	}
	entry.RequestID = middleware.GetRequestID(r.Context())
	entry.IPAddress = extractIPAddress(r)
	entry.UserAgent = r.UserAgent()
	_, err := repo.Append(r.Context(), entry)
	return err
}

// RecordBestEffort appends an event and only logs on failure. Used where the
// triggering operation must not fail because the audit write did; the
// write is still attempted exactly once.
func RecordBestEffort(ctx context.Context, repo Repository, entry LogEntry) {
	if err := Record(ctx, repo, entry); err != nil {
		slog.ErrorContext(ctx, "audit write failed",
			"document_id", entry.DocumentID,
			"action", entry.Action,
			"error", err)
	}
}
