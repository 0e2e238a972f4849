// Package backend abstracts over the two signing engines: the in-house
// native stamping workflow and the external provider whose lifecycle arrives
// via webhook. Documents are tagged with their backend at creation.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/brokerdesk/esign/internal/document"
)

// ErrNotReady is returned when the final artifact is requested before the
// document has completed.
var ErrNotReady = errors.New("final artifact not ready")

// ErrWrongBackend is returned when a document is routed to a backend that
// does not own it.
var ErrWrongBackend = errors.New("document belongs to a different backend")

// SigningBackend is the engine driving one document's signing workflow.
type SigningBackend interface {
	// CreateAndSend kicks off the workflow for a freshly created document:
	// invitations for the native engine, an envelope submission for the
	// provider.
	CreateAndSend(ctx context.Context, doc *document.Document, signers []*document.Signer) error

	// GetStatus reports the document's current lifecycle status.
	GetStatus(ctx context.Context, docID string) (document.DocumentStatus, error)

	// SignedArtifactURL returns a time-limited URL for the final artifact.
	// Returns ErrNotReady while the document is not completed.
	SignedArtifactURL(ctx context.Context, docID string, expiry time.Duration) (string, error)
}

// ForDocument picks the backend owning the given document.
func ForDocument(doc *document.Document, native, provider SigningBackend) (SigningBackend, error) {
	switch doc.Backend {
	case document.BackendNative:
		return native, nil
	case document.BackendProvider:
		if provider == nil {
			return nil, ErrWrongBackend
		}
		return provider, nil
	default:
		return nil, ErrWrongBackend
	}
}
