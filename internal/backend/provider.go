package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brokerdesk/esign/internal/document"
)

// ProviderConfig holds settings for the external signing provider.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// ProviderBackend submits envelopes to the external provider and reads back
// state maintained by the inbound webhook. It never stamps anything itself.
type ProviderBackend struct {
	cfg    ProviderConfig
	repo   document.Repository
	client *http.Client
	logger *slog.Logger
}

// NewProviderBackend creates the provider-driven signing backend.
func NewProviderBackend(cfg ProviderConfig, repo document.Repository, client *http.Client, logger *slog.Logger) *ProviderBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderBackend{
		cfg:    cfg,
		repo:   repo,
		client: client,
		logger: logger,
	}
}

// envelopeRequest is the provider's envelope submission payload.
type envelopeRequest struct {
	ExternalID string              `json:"external_id"`
	Title      string              `json:"title"`
	Recipients []envelopeRecipient `json:"recipients"`
}

type envelopeRecipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// CreateAndSend submits an envelope for the document. Lifecycle updates
// arrive later through the webhook.
func (b *ProviderBackend) CreateAndSend(ctx context.Context, doc *document.Document, signers []*document.Signer) error {
	if doc.Backend != document.BackendProvider {
		return ErrWrongBackend
	}

	payload := envelopeRequest{
		ExternalID: doc.ID,
		Title:      doc.Title,
	}
	for _, s := range signers {
		payload.Recipients = append(payload.Recipients, envelopeRecipient{
			Name:  s.Name,
			Email: s.Email,
			Role:  string(s.Role),
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/v1/envelopes", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build envelope request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("envelope submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("envelope submission rejected: status %d", resp.StatusCode)
	}

	b.logger.InfoContext(ctx, "envelope submitted to provider",
		"document_id", doc.ID,
		"recipients", len(signers))
	return nil
}

// GetStatus reports the document's current status as maintained by the
// webhook consumer.
func (b *ProviderBackend) GetStatus(ctx context.Context, docID string) (document.DocumentStatus, error) {
	doc, err := b.repo.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	return doc.Status, nil
}

// SignedArtifactURL returns the provider-hosted artifact URL recorded by the
// completion webhook. The provider's URLs are already time-limited, so the
// expiry parameter is not forwarded.
func (b *ProviderBackend) SignedArtifactURL(ctx context.Context, docID string, expiry time.Duration) (string, error) {
	doc, err := b.repo.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	if doc.Status != document.StatusCompleted || doc.FinalKey == "" {
		return "", ErrNotReady
	}
	return doc.FinalKey, nil
}
