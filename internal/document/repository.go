package document

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDocumentNotFound is returned when a document ID or token resolves to nothing.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrSignerNotFound is returned when a signer ID or token resolves to nothing.
	ErrSignerNotFound = errors.New("signer not found")
	// ErrFieldNotFound is returned when a submitted field ID does not belong to the signer.
	ErrFieldNotFound = errors.New("field not found")
	// ErrSignerAlreadySigned is returned when committing values for a signer
	// that already signed. Prior values are left untouched.
	ErrSignerAlreadySigned = errors.New("signer already signed")
	// ErrDuplicateToken is returned when a token collides on insert. With
	// 256-bit tokens this indicates a caller bug, not bad luck.
	ErrDuplicateToken = errors.New("token already in use")
	// ErrDocumentCompleted is returned when a status change targets a
	// completed document. Completed documents are frozen.
	ErrDocumentCompleted = errors.New("document already completed")
)

// Repository provides persistence for documents, signers and fields.
//
// CreateDocument and CommitSignature are atomic: either every row lands or
// none does. PublishFinal is a compare-and-swap that only the first caller
// wins; it is the single-writer guard behind exactly-once completion.
type Repository interface {
	// CreateDocument stores a document with its signers and fields in one
	// atomic operation.
	CreateDocument(ctx context.Context, doc *Document, signers []*Signer, fields []*Field) error

	GetDocument(ctx context.Context, id string) (*Document, error)
	GetDocumentByToken(ctx context.Context, tok string) (*Document, error)
	GetSignerByToken(ctx context.Context, tok string) (*Signer, error)
	ListSigners(ctx context.Context, docID string) ([]*Signer, error)
	ListFields(ctx context.Context, docID string) ([]*Field, error)
	ListSignerFields(ctx context.Context, signerID string) ([]*Field, error)

	// MarkViewed transitions a pending signer to viewed, recording when and
	// from where. A no-op for signers already viewed or signed.
	MarkViewed(ctx context.Context, signerID string, at time.Time, ip, userAgent string) error

	// CommitSignature atomically persists the submitted field values, stores
	// the signature image key, stamps SignedAt on the touched fields, flips
	// the signer to signed, and advances the document from sent to
	// partially_signed. Returns ErrSignerAlreadySigned without mutating
	// anything if the signer already signed.
	CommitSignature(ctx context.Context, signerID string, values map[string]string, signatureKey string, at time.Time) error

	// SetDocumentStatus overwrites the document status. It refuses to move a
	// completed document.
	SetDocumentStatus(ctx context.Context, docID string, status DocumentStatus) error

	// PublishFinal sets the final artifact key, flips the document to
	// completed and stamps CompletedAt, but only if the document is not yet
	// completed and carries no final key. Returns true iff this call won.
	PublishFinal(ctx context.Context, docID, finalKey string, at time.Time) (bool, error)

	// ListExpiredUnaudited returns documents past their expiration that are
	// not terminal and have not had their expiry audited yet.
	ListExpiredUnaudited(ctx context.Context, now time.Time) ([]*Document, error)

	// MarkExpiryAudited records that the one-time expiry audit entry exists.
	MarkExpiryAudited(ctx context.Context, docID string) error
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu        sync.RWMutex
	documents map[string]*Document
	signers   map[string]*Signer
	fields    map[string]*Field
	// token indexes; tokens never collide across the two namespaces
	docTokens    map[string]string // token -> document ID
	signerTokens map[string]string // token -> signer ID
}

// NewInMemoryRepository creates a new in-memory document repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		documents:    make(map[string]*Document),
		signers:      make(map[string]*Signer),
		fields:       make(map[string]*Field),
		docTokens:    make(map[string]string),
		signerTokens: make(map[string]string),
	}
}

// CreateDocument stores a document with its signers and fields atomically.
func (r *InMemoryRepository) CreateDocument(ctx context.Context, doc *Document, signers []*Signer, fields []*Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.docTokens[doc.Token]; exists {
		return ErrDuplicateToken
	}
	if _, exists := r.signerTokens[doc.Token]; exists {
		return ErrDuplicateToken
	}
	for _, s := range signers {
		if _, exists := r.signerTokens[s.Token]; exists {
			return ErrDuplicateToken
		}
		if _, exists := r.docTokens[s.Token]; exists {
			return ErrDuplicateToken
		}
	}

	docCopy := *doc
	r.documents[docCopy.ID] = &docCopy
	r.docTokens[docCopy.Token] = docCopy.ID
	for _, s := range signers {
		sCopy := *s
		r.signers[sCopy.ID] = &sCopy
		r.signerTokens[sCopy.Token] = sCopy.ID
	}
	for _, f := range fields {
		fCopy := *f
		r.fields[fCopy.ID] = &fCopy
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (r *InMemoryRepository) GetDocument(ctx context.Context, id string) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.documents[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	docCopy := *doc
	return &docCopy, nil
}

// GetDocumentByToken retrieves a document by its public token.
func (r *InMemoryRepository) GetDocumentByToken(ctx context.Context, tok string) (*Document, error) {
	r.mu.RLock()
	id, ok := r.docTokens[tok]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return r.GetDocument(ctx, id)
}

// GetSignerByToken retrieves a signer by its capability token.
func (r *InMemoryRepository) GetSignerByToken(ctx context.Context, tok string) (*Signer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.signerTokens[tok]
	if !ok {
		return nil, ErrSignerNotFound
	}
	s := r.signers[id]
	sCopy := *s
	return &sCopy, nil
}

// ListSigners returns all signers of a document.
func (r *InMemoryRepository) ListSigners(ctx context.Context, docID string) ([]*Signer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.documents[docID]; !ok {
		return nil, ErrDocumentNotFound
	}
	var out []*Signer
	for _, s := range r.signers {
		if s.DocumentID == docID {
			sCopy := *s
			out = append(out, &sCopy)
		}
	}
	return out, nil
}

// ListFields returns all fields of a document.
func (r *InMemoryRepository) ListFields(ctx context.Context, docID string) ([]*Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.documents[docID]; !ok {
		return nil, ErrDocumentNotFound
	}
	var out []*Field
	for _, f := range r.fields {
		if f.DocumentID == docID {
			fCopy := *f
			out = append(out, &fCopy)
		}
	}
	return out, nil
}

// ListSignerFields returns the fields owned by one signer.
func (r *InMemoryRepository) ListSignerFields(ctx context.Context, signerID string) ([]*Field, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.signers[signerID]; !ok {
		return nil, ErrSignerNotFound
	}
	var out []*Field
	for _, f := range r.fields {
		if f.SignerID == signerID {
			fCopy := *f
			out = append(out, &fCopy)
		}
	}
	return out, nil
}

// MarkViewed transitions a pending signer to viewed.
func (r *InMemoryRepository) MarkViewed(ctx context.Context, signerID string, at time.Time, ip, userAgent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.signers[signerID]
	if !ok {
		return ErrSignerNotFound
	}
	if s.Status != SignerPending {
		return nil
	}
	s.Status = SignerViewed
	atCopy := at
	s.ViewedAt = &atCopy
	s.ViewIP = ip
	s.ViewUserAgent = userAgent
	return nil
}

// CommitSignature atomically persists field values and flips the signer to signed.
func (r *InMemoryRepository) CommitSignature(ctx context.Context, signerID string, values map[string]string, signatureKey string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.signers[signerID]
	if !ok {
		return ErrSignerNotFound
	}
	if s.Status == SignerSigned {
		return ErrSignerAlreadySigned
	}

	// Validate every field reference before touching anything so a bad batch
	// leaves no partial state behind.
	for fieldID := range values {
		f, ok := r.fields[fieldID]
		if !ok || f.SignerID != signerID {
			return ErrFieldNotFound
		}
	}

	for fieldID, value := range values {
		f := r.fields[fieldID]
		f.Value = value
		atCopy := at
		f.SignedAt = &atCopy
	}

	s.Status = SignerSigned
	atCopy := at
	s.SignedAt = &atCopy
	if signatureKey != "" {
		s.SignatureKey = signatureKey
	}

	doc := r.documents[s.DocumentID]
	if doc != nil && doc.Status == StatusSent {
		doc.Status = StatusPartiallySigned
	}
	return nil
}

// SetDocumentStatus overwrites the document status.
func (r *InMemoryRepository) SetDocumentStatus(ctx context.Context, docID string, status DocumentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[docID]
	if !ok {
		return ErrDocumentNotFound
	}
	if doc.Status == StatusCompleted {
		return ErrDocumentCompleted
	}
	doc.Status = status
	return nil
}

// PublishFinal is the compare-and-swap completion publish. Only the first
// caller for a document wins.
func (r *InMemoryRepository) PublishFinal(ctx context.Context, docID, finalKey string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[docID]
	if !ok {
		return false, ErrDocumentNotFound
	}
	if doc.Status == StatusCompleted || doc.FinalKey != "" {
		return false, nil
	}
	doc.FinalKey = finalKey
	doc.Status = StatusCompleted
	atCopy := at
	doc.CompletedAt = &atCopy
	return true, nil
}

// ListExpiredUnaudited returns non-terminal documents past expiration whose
// expiry has not been audited.
func (r *InMemoryRepository) ListExpiredUnaudited(ctx context.Context, now time.Time) ([]*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Document
	for _, d := range r.documents {
		if d.Terminal() || d.ExpiryAudited {
			continue
		}
		if d.Expired(now) {
			dCopy := *d
			out = append(out, &dCopy)
		}
	}
	return out, nil
}

// MarkExpiryAudited records that the expiry audit entry exists.
func (r *InMemoryRepository) MarkExpiryAudited(ctx context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.documents[docID]
	if !ok {
		return ErrDocumentNotFound
	}
	doc.ExpiryAudited = true
	return nil
}
