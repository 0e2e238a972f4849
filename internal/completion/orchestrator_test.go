package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/document"
	"github.com/brokerdesk/esign/internal/policy"
	"github.com/brokerdesk/esign/internal/stamp"
	"github.com/brokerdesk/esign/internal/storage"
)

// stubStamper returns the original bytes with a marker appended, and can be
// told to fail a number of times first.
type stubStamper struct {
	mu        sync.Mutex
	failTimes int
	calls     int
}

func (s *stubStamper) Stamp(ctx context.Context, original []byte, fields []stamp.Field) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failTimes > 0 {
		s.failTimes--
		return nil, errors.New("induced stamp failure")
	}
	return append(append([]byte{}, original...), []byte("-stamped")...), nil
}

type env struct {
	orch      *Orchestrator
	repo      *document.InMemoryRepository
	auditRepo *audit.InMemoryRepository
	store     *storage.MemoryStore
	stamper   *stubStamper
	policies  *policy.InMemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:      document.NewInMemoryRepository(),
		auditRepo: audit.NewInMemoryRepository(),
		store:     storage.NewMemoryStore(),
		stamper:   &stubStamper{},
		policies:  policy.NewInMemoryStore(),
	}
	e.orch = NewOrchestrator(e.repo, e.auditRepo, e.store, e.stamper, e.policies, nil, nil)
	return e
}

// seed creates a sent document with the given signers, one date field per
// signer, and the original bytes in storage.
func (e *env) seed(t *testing.T, kind document.DocumentKind, policyID string, signers ...*document.Signer) *document.Document {
	t.Helper()
	doc := &document.Document{
		ID:          uuid.NewString(),
		Title:       "Coverage Agreement",
		Kind:        kind,
		Backend:     document.BackendNative,
		PolicyID:    policyID,
		OriginalKey: "documents/orig.pdf",
		Token:       uuid.NewString(),
		Status:      document.StatusPartiallySigned,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}
	var fields []*document.Field
	for i, s := range signers {
		s.DocumentID = doc.ID
		fields = append(fields, &document.Field{
			ID: uuid.NewString(), DocumentID: doc.ID, SignerID: s.ID,
			Type: document.FieldDate, Page: 1,
			Rect:  document.Rect{X: 100, Y: float64(600 + 40*i), W: 120, H: 25},
			Value: "2026-08-30",
		})
	}
	if err := e.repo.CreateDocument(context.Background(), doc, signers, fields); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if err := e.store.Put(context.Background(), doc.OriginalKey, []byte("%PDF-orig"), storage.ContentTypePDF); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return doc
}

func signedSigner(role document.SignerRole) *document.Signer {
	now := time.Now()
	return &document.Signer{
		ID:       uuid.NewString(),
		Name:     "Signer",
		Email:    "signer@example.com",
		Role:     role,
		Token:    uuid.NewString(),
		Status:   document.SignerSigned,
		SignedAt: &now,
	}
}

func pendingSigner(role document.SignerRole) *document.Signer {
	return &document.Signer{
		ID:     uuid.NewString(),
		Name:   "Signer",
		Email:  "signer@example.com",
		Role:   role,
		Token:  uuid.NewString(),
		Status: document.SignerPending,
	}
}

func TestAllBlockingSigned(t *testing.T) {
	tests := []struct {
		name    string
		signers []*document.Signer
		want    bool
	}{
		{
			name:    "single signed signer",
			signers: []*document.Signer{signedSigner(document.RoleSigner)},
			want:    true,
		},
		{
			name:    "pending signer blocks",
			signers: []*document.Signer{pendingSigner(document.RoleSigner)},
			want:    false,
		},
		{
			name: "pending viewer never blocks",
			signers: []*document.Signer{
				signedSigner(document.RoleSigner),
				pendingSigner(document.RoleViewer),
			},
			want: true,
		},
		{
			name: "pending approver blocks",
			signers: []*document.Signer{
				signedSigner(document.RoleSigner),
				pendingSigner(document.RoleApprover),
			},
			want: false,
		},
		{
			name: "signed approver completes",
			signers: []*document.Signer{
				signedSigner(document.RoleSigner),
				signedSigner(document.RoleApprover),
			},
			want: true,
		},
		{
			name:    "viewers only never complete",
			signers: []*document.Signer{pendingSigner(document.RoleViewer)},
			want:    false,
		},
		{
			name:    "no signers",
			signers: nil,
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allBlockingSigned(tt.signers); got != tt.want {
				t.Errorf("allBlockingSigned() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckAndComplete(t *testing.T) {
	e := newEnv(t)
	doc := e.seed(t, document.KindStandard, "", signedSigner(document.RoleSigner))
	ctx := context.Background()

	if err := e.orch.CheckAndComplete(ctx, doc.ID); err != nil {
		t.Fatalf("CheckAndComplete() error = %v", err)
	}

	got, _ := e.repo.GetDocument(ctx, doc.ID)
	if got.Status != document.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	wantKey := storage.StampedKey(doc.OriginalKey)
	if got.FinalKey != wantKey {
		t.Errorf("final key = %q, want %q", got.FinalKey, wantKey)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	artifact, err := e.store.Get(ctx, wantKey)
	if err != nil {
		t.Fatalf("final artifact missing: %v", err)
	}
	if string(artifact) != "%PDF-orig-stamped" {
		t.Errorf("artifact = %q", artifact)
	}

	n, _ := e.auditRepo.CountByAction(ctx, doc.ID, audit.ActionDocumentCompleted)
	if n != 1 {
		t.Errorf("document_completed entries = %d, want 1", n)
	}
}

func TestCheckAndCompleteNotReady(t *testing.T) {
	e := newEnv(t)
	doc := e.seed(t, document.KindStandard, "",
		signedSigner(document.RoleSigner),
		pendingSigner(document.RoleSigner))

	if err := e.orch.CheckAndComplete(context.Background(), doc.ID); err != nil {
		t.Fatalf("CheckAndComplete() error = %v", err)
	}
	got, _ := e.repo.GetDocument(context.Background(), doc.ID)
	if got.Status == document.StatusCompleted || got.FinalKey != "" {
		t.Errorf("document completed prematurely: %+v", got)
	}
	if e.stamper.calls != 0 {
		t.Errorf("stamper called %d times, want 0", e.stamper.calls)
	}
}

func TestCheckAndCompleteConcurrent(t *testing.T) {
	e := newEnv(t)
	doc := e.seed(t, document.KindStandard, "", signedSigner(document.RoleSigner))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.orch.CheckAndComplete(context.Background(), doc.ID); err != nil {
				t.Errorf("CheckAndComplete() error = %v", err)
			}
		}()
	}
	wg.Wait()

	n, _ := e.auditRepo.CountByAction(context.Background(), doc.ID, audit.ActionDocumentCompleted)
	if n != 1 {
		t.Errorf("document_completed entries = %d, want exactly 1", n)
	}
	got, _ := e.repo.GetDocument(context.Background(), doc.ID)
	if got.Status != document.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestCheckAndCompleteRetryAfterStampFailure(t *testing.T) {
	e := newEnv(t)
	e.stamper.failTimes = 1
	doc := e.seed(t, document.KindStandard, "", signedSigner(document.RoleSigner))
	ctx := context.Background()

	if err := e.orch.CheckAndComplete(ctx, doc.ID); err == nil {
		t.Fatal("first CheckAndComplete() expected error")
	}
	got, _ := e.repo.GetDocument(ctx, doc.ID)
	if got.FinalKey != "" || got.Status == document.StatusCompleted {
		t.Fatalf("failed run mutated document: %+v", got)
	}

	// The next signed transition retries and succeeds.
	if err := e.orch.CheckAndComplete(ctx, doc.ID); err != nil {
		t.Fatalf("retry CheckAndComplete() error = %v", err)
	}
	got, _ = e.repo.GetDocument(ctx, doc.ID)
	if got.Status != document.StatusCompleted {
		t.Errorf("status after retry = %s, want completed", got.Status)
	}
}

func TestCheckAndCompleteMissingOriginal(t *testing.T) {
	e := newEnv(t)
	doc := e.seed(t, document.KindStandard, "", signedSigner(document.RoleSigner))
	// Drop the original out from under the orchestrator.
	e.store.FailGet = storage.ErrObjectNotFound

	err := e.orch.CheckAndComplete(context.Background(), doc.ID)
	if !errors.Is(err, ErrOriginalMissing) {
		t.Errorf("CheckAndComplete() error = %v, want %v", err, ErrOriginalMissing)
	}
}

func TestPolicyWriteBack(t *testing.T) {
	e := newEnv(t)
	e.policies.AddPolicy(&policy.Policy{ID: "pol-1", CustomerID: "c1", Number: "POL-1001"})
	doc := e.seed(t, document.KindAuthorizationOfRepresentation, "pol-1", signedSigner(document.RoleSigner))

	if err := e.orch.CheckAndComplete(context.Background(), doc.ID); err != nil {
		t.Fatalf("CheckAndComplete() error = %v", err)
	}
	p, _ := e.policies.GetPolicy(context.Background(), "pol-1")
	if !p.Represented || p.RepresentedDocID != doc.ID {
		t.Errorf("policy not written back: %+v", p)
	}
}

func TestPolicyWriteBackFailureDoesNotUnwind(t *testing.T) {
	e := newEnv(t)
	e.policies.AddPolicy(&policy.Policy{ID: "pol-1", CustomerID: "c1", Number: "POL-1001"})
	e.policies.FailMark = errors.New("policy system down")
	doc := e.seed(t, document.KindAuthorizationOfRepresentation, "pol-1", signedSigner(document.RoleSigner))

	if err := e.orch.CheckAndComplete(context.Background(), doc.ID); err != nil {
		t.Fatalf("CheckAndComplete() error = %v", err)
	}
	got, _ := e.repo.GetDocument(context.Background(), doc.ID)
	if got.Status != document.StatusCompleted {
		t.Errorf("status = %s, want completed despite write-back failure", got.Status)
	}
}
