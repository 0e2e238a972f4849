// Package completion decides when a document is fully executed and, exactly
// once, produces and publishes its final stamped artifact.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/document"
	"github.com/brokerdesk/esign/internal/policy"
	"github.com/brokerdesk/esign/internal/stamp"
	"github.com/brokerdesk/esign/internal/storage"
	"github.com/brokerdesk/esign/internal/tracing"
)

// checkTimeout bounds a scheduled completion run. Stamping plus two object
// store round-trips fits comfortably; anything longer is wedged.
const checkTimeout = 60 * time.Second

// ErrOriginalMissing is returned when the document's original bytes are gone
// from the object store at completion time.
var ErrOriginalMissing = errors.New("original document missing from storage")

// Stamper renders committed fields into the original document.
// Implemented by stamp.Engine.
type Stamper interface {
	Stamp(ctx context.Context, original []byte, fields []stamp.Field) ([]byte, error)
}

// keyedMutex hands out one mutex per key so completion evaluation is
// serialized per document while documents stay independent. Entries are tiny
// and never evicted; churn is bounded by document volume.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	k.locks[key] = l
	return l
}

// Orchestrator runs the completion check: all blocking signers signed →
// stamp → publish. The per-document lock serializes evaluation and the
// repository's compare-and-swap publish guarantees a single winner even
// across processes.
type Orchestrator struct {
	repo      document.Repository
	auditRepo audit.Repository
	store     storage.ObjectStore
	stamper   Stamper
	policies  policy.Store
	logger    *slog.Logger
	metrics   *Metrics
	locks     keyedMutex
	now       func() time.Time
}

// NewOrchestrator creates a completion orchestrator. policies may be nil when
// no policy write-back is configured; metrics may be nil in tests.
func NewOrchestrator(repo document.Repository, auditRepo audit.Repository, store storage.ObjectStore, stamper Stamper, policies policy.Store, logger *slog.Logger, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Orchestrator{
		repo:      repo,
		auditRepo: auditRepo,
		store:     store,
		stamper:   stamper,
		policies:  policies,
		logger:    logger,
		metrics:   metrics,
		locks:     keyedMutex{locks: make(map[string]*sync.Mutex)},
		now:       time.Now,
	}
}

// Schedule runs a completion check in a detached goroutine. The check gets
// its own context so it survives the HTTP request that triggered it.
func (o *Orchestrator) Schedule(docID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		if err := o.CheckAndComplete(ctx, docID); err != nil {
			o.logger.ErrorContext(ctx, "completion check failed",
				"document_id", docID,
				"error", err)
		}
	}()
}

// CheckAndComplete evaluates the completion predicate for one document and,
// if every blocking signer has signed, stamps and publishes the final
// artifact. Safe to call repeatedly and concurrently: losers of the publish
// race no-op, and a failed run leaves the document retryable.
func (o *Orchestrator) CheckAndComplete(ctx context.Context, docID string) error {
	lock := o.locks.get(docID)
	lock.Lock()
	defer lock.Unlock()

	ctx, endSpan := tracing.StartSpan(ctx, "completion check")
	var err error
	defer func() { endSpan(err) }()

	o.metrics.checksTotal.Inc()

	doc, derr := o.repo.GetDocument(ctx, docID)
	if derr != nil {
		err = derr
		return err
	}
	if doc.Status == document.StatusCompleted || doc.FinalKey != "" || doc.Terminal() {
		return nil
	}

	signers, serr := o.repo.ListSigners(ctx, docID)
	if serr != nil {
		err = serr
		return err
	}
	if !allBlockingSigned(signers) {
		return nil
	}

	stamped, sterr := o.buildArtifact(ctx, doc, signers)
	if sterr != nil {
		o.metrics.errorsTotal.WithLabelValues("stamp").Inc()
		err = sterr
		return err
	}

	finalKey := storage.StampedKey(doc.OriginalKey)
	if perr := o.store.Put(ctx, finalKey, stamped, storage.ContentTypePDF); perr != nil {
		o.metrics.errorsTotal.WithLabelValues("store").Inc()
		err = fmt.Errorf("failed to store final artifact: %w", perr)
		return err
	}

	won, werr := o.repo.PublishFinal(ctx, docID, finalKey, o.now())
	if werr != nil {
		o.metrics.errorsTotal.WithLabelValues("publish").Inc()
		err = werr
		return err
	}
	if !won {
		o.metrics.publishConflicts.Inc()
		return nil
	}

	o.metrics.completionsTotal.Inc()
	audit.RecordBestEffort(ctx, o.auditRepo, audit.LogEntry{
		DocumentID: docID,
		Action:     audit.ActionDocumentCompleted,
		Details:    fmt.Sprintf("final artifact at %s", finalKey),
	})
	o.logger.InfoContext(ctx, "document completed",
		"document_id", docID,
		"final_key", finalKey)

	o.writeBackPolicy(ctx, doc)
	return nil
}

// allBlockingSigned reports whether every signer whose role blocks completion
// has signed. Viewers never block; signers and approvers do.
func allBlockingSigned(signers []*document.Signer) bool {
	blocking := 0
	for _, s := range signers {
		if !s.Role.Blocking() {
			continue
		}
		blocking++
		if s.Status != document.SignerSigned {
			return false
		}
	}
	return blocking > 0
}

// buildArtifact loads the original and every signer's signature image, then
// runs the stamping pass.
func (o *Orchestrator) buildArtifact(ctx context.Context, doc *document.Document, signers []*document.Signer) ([]byte, error) {
	original, err := o.store.Get(ctx, doc.OriginalKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOriginalMissing, doc.OriginalKey)
		}
		return nil, fmt.Errorf("failed to load original: %w", err)
	}

	signerByID := make(map[string]*document.Signer, len(signers))
	images := make(map[string][]byte)
	for _, s := range signers {
		signerByID[s.ID] = s
		if s.SignatureKey == "" {
			continue
		}
		img, err := o.store.Get(ctx, s.SignatureKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load signature image for signer %s: %w", s.ID, err)
		}
		images[s.ID] = img
	}

	fields, err := o.repo.ListFields(ctx, doc.ID)
	if err != nil {
		return nil, err
	}

	stampFields := make([]stamp.Field, 0, len(fields))
	for _, f := range fields {
		sf := stamp.Field{
			Page:  f.Page,
			Rect:  f.Rect,
			Type:  f.Type,
			Value: f.Value,
		}
		if s, ok := signerByID[f.SignerID]; ok {
			sf.SignerSigned = s.Status == document.SignerSigned
			if f.Type == document.FieldSignature {
				sf.Image = images[f.SignerID]
			}
		}
		stampFields = append(stampFields, sf)
	}

	timer := prometheus.NewTimer(o.metrics.stampDuration)
	defer timer.ObserveDuration()
	return o.stamper.Stamp(ctx, original, stampFields)
}

// writeBackPolicy propagates a completed authorization-of-representation
// document to its policy. Best-effort: the document is already completed and
// a failed write-back must not unwind that.
func (o *Orchestrator) writeBackPolicy(ctx context.Context, doc *document.Document) {
	if doc.Kind != document.KindAuthorizationOfRepresentation {
		return
	}
	if o.policies == nil || doc.PolicyID == "" {
		return
	}
	if err := o.policies.MarkPolicyRepresented(ctx, doc.PolicyID, doc.ID); err != nil {
		o.metrics.errorsTotal.WithLabelValues("policy_writeback").Inc()
		o.logger.ErrorContext(ctx, "policy write-back failed",
			"document_id", doc.ID,
			"policy_id", doc.PolicyID,
			"error", err)
	}
}
