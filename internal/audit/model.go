// Package audit provides the append-only audit trail for signature documents.
// Every lifecycle transition appends exactly one entry; entries are never
// updated or deleted.
package audit

import (
	"time"
)

// Action tags for audit entries.
const (
	ActionDocumentCreated   = "document_created"
	ActionDocumentSent      = "document_sent"
	ActionDocumentViewed    = "document_viewed"
	ActionDocumentSigned    = "document_signed"
	ActionDocumentCompleted = "document_completed"
	ActionDocumentCancelled = "document_cancelled"
	ActionDocumentRejected  = "document_rejected"
	ActionDocumentExpired   = "document_expired"
	ActionSigningFailed     = "signing_failed"
)

// ValidActions whitelists the allowed action tags.
var ValidActions = map[string]bool{
	ActionDocumentCreated:   true,
	ActionDocumentSent:      true,
	ActionDocumentViewed:    true,
	ActionDocumentSigned:    true,
	ActionDocumentCompleted: true,
	ActionDocumentCancelled: true,
	ActionDocumentRejected:  true,
	ActionDocumentExpired:   true,
	ActionSigningFailed:     true,
}

// AuditLog represents a single recorded audit event.
type AuditLog struct {
	ID         string
	DocumentID string
	SignerID   string // optional
	Action     string
	Details    string
	CreatedAt  time.Time

	// Request metadata
	RequestID string
	IPAddress string
	UserAgent string

	// PreviousHash chains entries per document for tamper detection:
	// SHA-256 over the previous entry's stable representation.
	PreviousHash string
}

// LogEntry is the input for creating an audit log entry.
type LogEntry struct {
	DocumentID string
	SignerID   string
	Action     string
	Details    string

	RequestID string
	IPAddress string
	UserAgent string
}
