package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/backend"
	"github.com/brokerdesk/esign/internal/document"
	"github.com/brokerdesk/esign/internal/idempotency"
	"github.com/brokerdesk/esign/internal/notify"
	"github.com/brokerdesk/esign/internal/signing"
	"github.com/brokerdesk/esign/internal/storage"
	"github.com/brokerdesk/esign/internal/token"
)

const testWebhookSecret = "test-webhook-secret"

// recordingScheduler captures completion scheduling without running anything.
type recordingScheduler struct {
	scheduled []string
}

func (s *recordingScheduler) Schedule(docID string) {
	s.scheduled = append(s.scheduled, docID)
}

type testEnv struct {
	repo      *document.InMemoryRepository
	auditRepo *audit.InMemoryRepository
	store     *storage.MemoryStore
	events    *idempotency.InMemoryRepository
	notifier  *notify.LogNotifier
	scheduler *recordingScheduler
	mux       *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		repo:      document.NewInMemoryRepository(),
		auditRepo: audit.NewInMemoryRepository(),
		store:     storage.NewMemoryStore(),
		events:    idempotency.NewInMemoryRepository(),
		notifier:  &notify.LogNotifier{},
		scheduler: &recordingScheduler{},
	}

	svc := signing.NewService(env.repo, env.auditRepo, env.store, env.scheduler, logger)
	native := backend.NewNativeBackend(env.repo, env.store, env.notifier, "https://sign.test", logger)

	env.mux = http.NewServeMux()
	RegisterRoutes(env.mux, RouterConfig{
		Signing:   NewSigningHandlers(svc, logger),
		Documents: NewDocumentHandlers(env.repo, env.auditRepo, native, nil, 14*24*time.Hour, logger),
		Webhooks:  NewWebhookHandlers(testWebhookSecret, env.repo, env.auditRepo, env.events, logger),
		Health:    NewHealthHandlers(HealthHandlersConfig{MetricsEnabled: true}),
	})
	return env
}

type seedOptions struct {
	backend  document.Backend
	status   document.DocumentStatus
	expired  bool
	finalKey string
	fields   []*document.Field
}

// seedDocument inserts one document with one pending signer directly through
// the repository. Returns the document, the signer, and their tokens.
func seedDocument(t *testing.T, env *testEnv, opts seedOptions) (*document.Document, *document.Signer) {
	t.Helper()

	docToken := mustToken(t)
	signerToken := mustToken(t)

	now := time.Now()
	expiresAt := now.Add(14 * 24 * time.Hour)
	if opts.expired {
		expiresAt = now.Add(-time.Hour)
	}
	status := opts.status
	if status == "" {
		status = document.StatusSent
	}
	be := opts.backend
	if be == "" {
		be = document.BackendNative
	}

	doc := &document.Document{
		ID:          uuid.New().String(),
		Title:       "Policy Change Authorization",
		Kind:        document.KindStandard,
		Backend:     be,
		OriginalKey: "documents/test/original.pdf",
		FinalKey:    opts.finalKey,
		Token:       docToken,
		Status:      status,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
	}
	signer := &document.Signer{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		Name:       "Dana Whitfield",
		Email:      "dana@example.com",
		Role:       document.RoleSigner,
		Token:      signerToken,
		Status:     document.SignerPending,
	}

	fields := opts.fields
	if fields == nil {
		fields = []*document.Field{
			{
				ID:         uuid.New().String(),
				DocumentID: doc.ID,
				SignerID:   signer.ID,
				Type:       document.FieldName,
				Page:       1,
				Rect:       document.Rect{X: 72, Y: 100, W: 180, H: 24},
				Required:   true,
			},
			{
				ID:         uuid.New().String(),
				DocumentID: doc.ID,
				SignerID:   signer.ID,
				Type:       document.FieldDate,
				Page:       1,
				Rect:       document.Rect{X: 300, Y: 100, W: 120, H: 24},
				Required:   true,
			},
		}
	} else {
		for _, f := range fields {
			f.DocumentID = doc.ID
			f.SignerID = signer.ID
		}
	}

	if err := env.repo.CreateDocument(context.Background(), doc, []*document.Signer{signer}, fields); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	return doc, signer
}

func mustToken(t *testing.T) string {
	t.Helper()
	tok, err := token.Issue()
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}
