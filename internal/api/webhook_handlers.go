package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/document"
	"github.com/brokerdesk/esign/internal/idempotency"
	"github.com/brokerdesk/esign/internal/middleware"
)

// maxWebhookBodyBytes caps an inbound webhook body.
const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// Provider lifecycle event types.
const (
	EventDocumentViewed    = "document.viewed"
	EventDocumentSigned    = "document.signed"
	EventDocumentCompleted = "document.completed"
	EventDocumentDeclined  = "document.declined"
)

// WebhookHandlers processes lifecycle events from the external signing
// provider. Only documents tagged with the provider backend are touched;
// the native engine never goes through here.
type WebhookHandlers struct {
	secret    string
	repo      document.Repository
	auditRepo audit.Repository
	events    idempotency.Repository
	logger    *slog.Logger
	now       func() time.Time
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(secret string, repo document.Repository, auditRepo audit.Repository, events idempotency.Repository, logger *slog.Logger) *WebhookHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandlers{
		secret:    secret,
		repo:      repo,
		auditRepo: auditRepo,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}
}

// providerEvent is the provider's webhook payload. The document and signer
// IDs are ours, echoed back from the envelope metadata we sent at creation.
type providerEvent struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	DocumentID  string `json:"document_id"`
	SignerID    string `json:"signer_id,omitempty"`
	ArtifactURL string `json:"artifact_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// HandleProviderWebhook verifies, deduplicates, and applies one provider event.
// Signature verification happens over the raw body before any parsing; a
// mismatch is rejected with no further processing.
// POST /internal/esign/webhook
func (h *WebhookHandlers) HandleProviderWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	if !VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "remote", r.RemoteAddr)
		ctx = middleware.SetErrorCode(ctx, ErrCodeSecurityViolation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeSecurityViolation, "invalid signature")
		return
	}

	var event providerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if err := idempotency.ValidateEventID(event.EventID); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid event ID")
		return
	}

	h.logger.InfoContext(ctx, "webhook event received", "event_type", event.EventType, "event_id", event.EventID)

	if err := h.events.Record(event.EventID, event.EventType); err != nil {
		if errors.Is(err, idempotency.ErrEventAlreadyProcessed) {
			h.logger.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.EventID)
			// Acknowledge receipt so the provider stops redelivering.
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
		h.logger.ErrorContext(ctx, "failed to record webhook event", "event_id", event.EventID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	h.applyEvent(ctx, event)

	// Always 200 once the event is recorded; applying it is our problem, not
	// the provider's.
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// applyEvent maps one provider lifecycle event onto the document state
// machine. Failures are logged, never surfaced: the event is already recorded
// and a redelivery would be deduplicated anyway.
func (h *WebhookHandlers) applyEvent(ctx context.Context, event providerEvent) {
	doc, err := h.repo.GetDocument(ctx, event.DocumentID)
	if err != nil {
		h.logger.WarnContext(ctx, "webhook event for unknown document",
			"event_id", event.EventID, "document_id", event.DocumentID, "error", err)
		return
	}
	if doc.Backend != document.BackendProvider {
		h.logger.WarnContext(ctx, "webhook event for non-provider document ignored",
			"event_id", event.EventID, "document_id", doc.ID, "backend", doc.Backend)
		return
	}

	now := h.now()
	switch event.EventType {
	case EventDocumentViewed:
		if err := h.repo.MarkViewed(ctx, event.SignerID, now, "", ""); err != nil {
			h.logger.ErrorContext(ctx, "failed to apply viewed event", "event_id", event.EventID, "error", err)
			return
		}
		audit.RecordBestEffort(ctx, h.auditRepo, audit.LogEntry{
			DocumentID: doc.ID,
			SignerID:   event.SignerID,
			Action:     audit.ActionDocumentViewed,
			Details:    "provider event " + event.EventID,
		})

	case EventDocumentSigned:
		// The provider holds the field values and the artifact; we track the
		// status transition only.
		err := h.repo.CommitSignature(ctx, event.SignerID, nil, "", now)
		if err != nil && !errors.Is(err, document.ErrSignerAlreadySigned) {
			h.logger.ErrorContext(ctx, "failed to apply signed event", "event_id", event.EventID, "error", err)
			return
		}
		audit.RecordBestEffort(ctx, h.auditRepo, audit.LogEntry{
			DocumentID: doc.ID,
			SignerID:   event.SignerID,
			Action:     audit.ActionDocumentSigned,
			Details:    "provider event " + event.EventID,
		})

	case EventDocumentCompleted:
		if event.ArtifactURL == "" {
			h.logger.ErrorContext(ctx, "completed event without artifact URL", "event_id", event.EventID, "document_id", doc.ID)
			return
		}
		// Provider documents store the provider's artifact URL as the final
		// key; download resolution hands it back verbatim.
		won, err := h.repo.PublishFinal(ctx, doc.ID, event.ArtifactURL, now)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to apply completed event", "event_id", event.EventID, "error", err)
			return
		}
		if won {
			audit.RecordBestEffort(ctx, h.auditRepo, audit.LogEntry{
				DocumentID: doc.ID,
				Action:     audit.ActionDocumentCompleted,
				Details:    "provider event " + event.EventID,
			})
		}

	case EventDocumentDeclined:
		if err := h.repo.SetDocumentStatus(ctx, doc.ID, document.StatusRejected); err != nil {
			if errors.Is(err, document.ErrDocumentCompleted) {
				// Completed documents are frozen; a late decline changes nothing.
				h.logger.InfoContext(ctx, "declined event for completed document ignored",
					"event_id", event.EventID, "document_id", doc.ID)
				return
			}
			h.logger.ErrorContext(ctx, "failed to apply declined event", "event_id", event.EventID, "error", err)
			return
		}
		audit.RecordBestEffort(ctx, h.auditRepo, audit.LogEntry{
			DocumentID: doc.ID,
			SignerID:   event.SignerID,
			Action:     audit.ActionDocumentRejected,
			Details:    event.Reason,
		})

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.EventType, "event_id", event.EventID)
	}
}
