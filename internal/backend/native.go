package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brokerdesk/esign/internal/document"
	"github.com/brokerdesk/esign/internal/notify"
	"github.com/brokerdesk/esign/internal/storage"
)

// NativeBackend runs the in-house workflow: capability links over email, the
// local state machine, and the stamping engine's artifact.
type NativeBackend struct {
	repo     document.Repository
	store    storage.ObjectStore
	notifier notify.Notifier
	// baseURL is the public origin signing links are built on,
	// e.g. https://sign.example.com
	baseURL string
	logger  *slog.Logger
}

// NewNativeBackend creates the native signing backend.
func NewNativeBackend(repo document.Repository, store storage.ObjectStore, notifier notify.Notifier, baseURL string, logger *slog.Logger) *NativeBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &NativeBackend{
		repo:     repo,
		store:    store,
		notifier: notifier,
		baseURL:  baseURL,
		logger:   logger,
	}
}

// SigningURL builds the capability link for one signer token.
func (b *NativeBackend) SigningURL(token string) string {
	return fmt.Sprintf("%s/api/sign/%s", b.baseURL, token)
}

// CreateAndSend emails every signer their capability link. Delivery is
// best-effort per recipient: one bounced address must not strand the rest.
func (b *NativeBackend) CreateAndSend(ctx context.Context, doc *document.Document, signers []*document.Signer) error {
	if doc.Backend != document.BackendNative {
		return ErrWrongBackend
	}
	for _, s := range signers {
		inv := notify.Invitation{
			RecipientName:  s.Name,
			RecipientEmail: s.Email,
			DocumentTitle:  doc.Title,
			SigningURL:     b.SigningURL(s.Token),
		}
		if !doc.ExpiresAt.IsZero() {
			inv.ExpiresAt = doc.ExpiresAt.Format("January 2, 2006")
		}
		if err := b.notifier.SendInvitation(ctx, inv); err != nil {
			b.logger.ErrorContext(ctx, "invitation delivery failed",
				"document_id", doc.ID,
				"signer_id", s.ID,
				"error", err)
		}
	}
	return nil
}

// GetStatus reports the document's current status.
func (b *NativeBackend) GetStatus(ctx context.Context, docID string) (document.DocumentStatus, error) {
	doc, err := b.repo.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	return doc.Status, nil
}

// SignedArtifactURL presigns a download for the stamped artifact.
func (b *NativeBackend) SignedArtifactURL(ctx context.Context, docID string, expiry time.Duration) (string, error) {
	doc, err := b.repo.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	if doc.Status != document.StatusCompleted || doc.FinalKey == "" {
		return "", ErrNotReady
	}
	return b.store.PresignGet(ctx, doc.FinalKey, expiry)
}
