// Package signing implements the signer-facing state machine: view beacons,
// field submission, and read-only snapshots, all addressed by capability
// token.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/document"
	imaging "github.com/brokerdesk/esign/internal/image"
	"github.com/brokerdesk/esign/internal/storage"
	"github.com/brokerdesk/esign/internal/tracing"
	"github.com/brokerdesk/esign/internal/validate"
)

var (
	// ErrExpired is returned when a signer acts on a document past its
	// expiration. Nothing is mutated.
	ErrExpired = errors.New("document has expired")
	// ErrAlreadySigned is returned for a repeat submission. The previously
	// committed values stay untouched.
	ErrAlreadySigned = errors.New("signer has already signed")
	// ErrDocumentClosed is returned when the document was cancelled or
	// rejected and can accept no further activity.
	ErrDocumentClosed = errors.New("document is closed")
	// ErrStorage wraps object-store failures so the transport layer can
	// distinguish them from validation problems.
	ErrStorage = errors.New("storage operation failed")
)

// ValidationError reports a submission that would leave required fields
// unfilled or carries malformed values. The whole batch is rejected; nothing
// is persisted.
type ValidationError struct {
	// MissingFields lists the IDs of required fields left without a value.
	MissingFields []string
	// InvalidFields maps field IDs to what is wrong with their value.
	InvalidFields map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingFields) > 0 {
		parts = append(parts, fmt.Sprintf("missing required fields: %s", strings.Join(e.MissingFields, ", ")))
	}
	for id, reason := range e.InvalidFields {
		parts = append(parts, fmt.Sprintf("field %s: %s", id, reason))
	}
	if len(parts) == 0 {
		return "validation failed"
	}
	return strings.Join(parts, "; ")
}

// Scheduler triggers an asynchronous completion evaluation for a document.
// Implemented by the completion orchestrator.
type Scheduler interface {
	Schedule(docID string)
}

// ViewMeta carries request metadata recorded with a view transition.
type ViewMeta struct {
	IP        string
	UserAgent string
	RequestID string
}

// Submission is one signer's field batch.
type Submission struct {
	// Values maps field ID to the submitted value.
	Values map[string]string
	// SignatureImage holds the raw uploaded signature image, if any.
	SignatureImage []byte

	IP        string
	UserAgent string
	RequestID string
}

// Snapshot is the signer-scoped read model. Storage keys never leave the
// service; the transport layer shapes this into JSON.
type Snapshot struct {
	Document *document.Document
	Signer   *document.Signer
	Fields   []*document.Field
	Expired  bool
}

// Service drives signer state transitions.
type Service struct {
	repo      document.Repository
	auditRepo audit.Repository
	store     storage.ObjectStore
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
	normalize func([]byte) ([]byte, error)
}

// NewService creates a signing service. scheduler may be nil in tests that do
// not exercise completion.
func NewService(repo document.Repository, auditRepo audit.Repository, store storage.ObjectStore, scheduler Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		auditRepo: auditRepo,
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
		normalize: imaging.Normalize,
	}
}

// Snapshot returns the signer's view of a document: the signer itself, the
// document, the signer's fields, and the derived expired flag.
func (s *Service) Snapshot(ctx context.Context, signerToken string) (*Snapshot, error) {
	signer, err := s.repo.GetSignerByToken(ctx, signerToken)
	if err != nil {
		return nil, err
	}
	doc, err := s.repo.GetDocument(ctx, signer.DocumentID)
	if err != nil {
		return nil, err
	}
	fields, err := s.repo.ListSignerFields(ctx, signer.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(fields, func(i, j int) bool {
		if fields[i].Page != fields[j].Page {
			return fields[i].Page < fields[j].Page
		}
		return fields[i].Rect.Y < fields[j].Rect.Y
	})
	return &Snapshot{
		Document: doc,
		Signer:   signer,
		Fields:   fields,
		Expired:  doc.Expired(s.now()),
	}, nil
}

// RecordView transitions a pending signer to viewed and appends a
// document_viewed audit entry. Idempotent: already-viewed and already-signed
// signers are left untouched and no duplicate entry is written.
func (s *Service) RecordView(ctx context.Context, signerToken string, meta ViewMeta) error {
	signer, err := s.repo.GetSignerByToken(ctx, signerToken)
	if err != nil {
		return err
	}
	if signer.Status != document.SignerPending {
		return nil
	}

	if err := s.repo.MarkViewed(ctx, signer.ID, s.now(), meta.IP, meta.UserAgent); err != nil {
		return err
	}

	// The beacon is not correctness-critical; a failed audit write must not
	// surface to the client.
	audit.RecordBestEffort(ctx, s.auditRepo, audit.LogEntry{
		DocumentID: signer.DocumentID,
		SignerID:   signer.ID,
		Action:     audit.ActionDocumentViewed,
		RequestID:  meta.RequestID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	})
	return nil
}

// Submit commits one signer's field values and signature image. The batch is
// validated as a whole before anything is persisted: a single missing
// required field rejects the entire submission. On success the signer flips
// to signed and a completion check is scheduled.
func (s *Service) Submit(ctx context.Context, signerToken string, sub Submission) error {
	ctx, endSpan := tracing.StartSpan(ctx, "submit signature")
	var err error
	defer func() { endSpan(err) }()

	var signer *document.Signer
	signer, err = s.repo.GetSignerByToken(ctx, signerToken)
	if err != nil {
		return err
	}
	doc, derr := s.repo.GetDocument(ctx, signer.DocumentID)
	if derr != nil {
		err = derr
		return err
	}

	now := s.now()
	if doc.Expired(now) {
		s.recordFailure(ctx, doc.ID, signer.ID, "document expired", sub)
		err = ErrExpired
		return err
	}
	if doc.Terminal() {
		err = ErrDocumentClosed
		return err
	}
	if signer.Status == document.SignerSigned {
		err = ErrAlreadySigned
		return err
	}

	fields, ferr := s.repo.ListSignerFields(ctx, signer.ID)
	if ferr != nil {
		err = ferr
		return err
	}

	values, verr := s.validateBatch(fields, sub)
	if verr != nil {
		s.recordFailure(ctx, doc.ID, signer.ID, verr.Error(), sub)
		err = verr
		return err
	}

	var signatureKey string
	if len(sub.SignatureImage) > 0 {
		signatureKey, err = s.storeSignatureImage(ctx, doc.ID, signer.ID, sub.SignatureImage)
		if err != nil {
			return err
		}
	}

	if err = s.repo.CommitSignature(ctx, signer.ID, values, signatureKey, now); err != nil {
		if errors.Is(err, document.ErrSignerAlreadySigned) {
			err = ErrAlreadySigned
		}
		return err
	}

	audit.RecordBestEffort(ctx, s.auditRepo, audit.LogEntry{
		DocumentID: doc.ID,
		SignerID:   signer.ID,
		Action:     audit.ActionDocumentSigned,
		Details:    fmt.Sprintf("%d field(s) committed", len(values)),
		RequestID:  sub.RequestID,
		IPAddress:  sub.IP,
		UserAgent:  sub.UserAgent,
	})

	s.logger.InfoContext(ctx, "signer submitted",
		"document_id", doc.ID,
		"signer_id", signer.ID,
		"fields", len(values))

	if s.scheduler != nil {
		s.scheduler.Schedule(doc.ID)
	}
	return nil
}

// validateBatch checks the submission against the signer's field definitions
// and returns the sanitized values to commit. Signature fields are satisfied
// only by an uploaded image, never by a text value.
func (s *Service) validateBatch(fields []*document.Field, sub Submission) (map[string]string, *ValidationError) {
	byID := make(map[string]*document.Field, len(fields))
	for _, f := range fields {
		byID[f.ID] = f
	}

	verr := &ValidationError{InvalidFields: make(map[string]string)}
	values := make(map[string]string, len(sub.Values))

	for id, raw := range sub.Values {
		f, ok := byID[id]
		if !ok {
			verr.InvalidFields[id] = "unknown field"
			continue
		}
		if f.Type == document.FieldSignature {
			verr.InvalidFields[id] = "signature fields take an image, not a value"
			continue
		}

		value, err := validate.FieldValue(raw)
		if err != nil {
			verr.InvalidFields[id] = err.Error()
			continue
		}
		if f.Type == document.FieldEmail && value != "" {
			normalized, err := validate.Email(value)
			if err != nil {
				verr.InvalidFields[id] = err.Error()
				continue
			}
			value = normalized
		}
		values[id] = value
	}

	for _, f := range fields {
		if !f.Required {
			continue
		}
		if f.Type == document.FieldSignature {
			if len(sub.SignatureImage) == 0 {
				verr.MissingFields = append(verr.MissingFields, f.ID)
			}
			continue
		}
		if f.Filled() {
			continue
		}
		if v, ok := values[f.ID]; !ok || v == "" {
			verr.MissingFields = append(verr.MissingFields, f.ID)
		}
	}
	sort.Strings(verr.MissingFields)

	if len(verr.MissingFields) > 0 || len(verr.InvalidFields) > 0 {
		return nil, verr
	}
	return values, nil
}

// storeSignatureImage sanitizes the uploaded image and persists it under a
// fresh key. The key only becomes authoritative once the signature commit
// records it; a concurrent attempt that loses the commit leaves an unreferenced
// object behind rather than clobbering the winner's image.
func (s *Service) storeSignatureImage(ctx context.Context, docID, signerID string, raw []byte) (string, error) {
	normalized, err := s.normalize(raw)
	if err != nil {
		return "", &ValidationError{InvalidFields: map[string]string{"signature_image": err.Error()}}
	}

	key := storage.SignatureImageKey(docID, signerID)
	if err := s.store.Put(ctx, key, normalized, storage.ContentTypePNG); err != nil {
		return "", fmt.Errorf("%w: put signature image: %v", ErrStorage, err)
	}
	return key, nil
}

// recordFailure appends a signing_failed entry for a rejected attempt.
func (s *Service) recordFailure(ctx context.Context, docID, signerID, reason string, sub Submission) {
	audit.RecordBestEffort(ctx, s.auditRepo, audit.LogEntry{
		DocumentID: docID,
		SignerID:   signerID,
		Action:     audit.ActionSigningFailed,
		Details:    reason,
		RequestID:  sub.RequestID,
		IPAddress:  sub.IP,
		UserAgent:  sub.UserAgent,
	})
}
