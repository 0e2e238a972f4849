// Package document provides the data model and repositories for signature
// documents, their signers, and their placed fields.
package document

import (
	"time"
)

// DocumentStatus is the lifecycle state of a signature document.
type DocumentStatus string

// Document lifecycle states. Expiration is deliberately not a stored state:
// it is derived at read time from ExpiresAt so the stored status keeps
// reflecting how far the workflow actually got.
const (
	StatusDraft           DocumentStatus = "draft"
	StatusSent            DocumentStatus = "sent"
	StatusPartiallySigned DocumentStatus = "partially_signed"
	StatusCompleted       DocumentStatus = "completed"
	StatusCancelled       DocumentStatus = "cancelled"
	StatusRejected        DocumentStatus = "rejected"
)

// DocumentKind classifies the business purpose of a document.
// It replaces title-substring sniffing with an explicit attribute.
type DocumentKind string

const (
	KindStandard DocumentKind = "standard"
	// KindAuthorizationOfRepresentation documents propagate a status change
	// to the linked policy once fully executed.
	KindAuthorizationOfRepresentation DocumentKind = "authorization_of_representation"
)

// Backend identifies which signing engine owns a document's workflow.
type Backend string

const (
	// BackendNative is the in-house stamping engine.
	BackendNative Backend = "native"
	// BackendProvider delegates to the external signing provider; its
	// lifecycle arrives via webhook.
	BackendProvider Backend = "provider"
)

// SignerRole describes what a signer contributes to completion.
type SignerRole string

const (
	RoleSigner   SignerRole = "signer"
	RoleViewer   SignerRole = "viewer"
	RoleApprover SignerRole = "approver"
)

// Blocking reports whether this role must sign before the document can
// complete. Viewers never block.
func (r SignerRole) Blocking() bool {
	return r != RoleViewer
}

// SignerStatus is the lifecycle state of a single signer.
type SignerStatus string

const (
	SignerPending SignerStatus = "pending"
	SignerViewed  SignerStatus = "viewed"
	SignerSigned  SignerStatus = "signed"
)

// FieldType is the kind of content a field carries.
type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldDate      FieldType = "date"
	FieldName      FieldType = "name"
	FieldEmail     FieldType = "email"
	FieldText      FieldType = "text"
)

// ValidKinds, ValidRoles and ValidFieldTypes whitelist the accepted enum
// values at the API boundary.
var (
	ValidKinds = map[DocumentKind]bool{
		KindStandard:                      true,
		KindAuthorizationOfRepresentation: true,
	}
	ValidBackends = map[Backend]bool{
		BackendNative:   true,
		BackendProvider: true,
	}
	ValidRoles = map[SignerRole]bool{
		RoleSigner:   true,
		RoleViewer:   true,
		RoleApprover: true,
	}
	ValidFieldTypes = map[FieldType]bool{
		FieldSignature: true,
		FieldDate:      true,
		FieldName:      true,
		FieldEmail:     true,
		FieldText:      true,
	}
)

// Rect is a field rectangle in the authoring coordinate space: origin at the
// page's top-left corner, y increasing downward, units in PDF points.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Document is a signing workflow over one uploaded binary.
type Document struct {
	ID          string
	Title       string
	Kind        DocumentKind
	Backend     Backend
	CustomerID  string
	PolicyID    string
	OriginalKey string
	// FinalKey is the storage key of the stamped artifact. Write-once, set
	// only by the completion orchestrator; non-empty iff Status is completed.
	FinalKey    string
	Token       string
	Status      DocumentStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
	// ExpiryAudited marks that the one-time document_expired audit entry has
	// been written by the expiry sweeper.
	ExpiryAudited bool
}

// Expired reports whether the document is past its expiration at the given
// instant. Completion freezes the document, so a completed document never
// reports expired.
func (d *Document) Expired(now time.Time) bool {
	if d.Status == StatusCompleted {
		return false
	}
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// Terminal reports whether no further signing activity is possible.
func (d *Document) Terminal() bool {
	switch d.Status {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Signer is one party on a document, addressed by its own capability token.
type Signer struct {
	ID         string
	DocumentID string
	Name       string
	Email      string
	Role       SignerRole
	Token      string
	Status     SignerStatus
	// SignatureKey is the storage key of the signer's uploaded signature
	// image. Write-once, set when the signer transitions to signed.
	SignatureKey  string
	ViewedAt      *time.Time
	SignedAt      *time.Time
	ViewIP        string
	ViewUserAgent string
}

// Field is a single placeholder on a page, owned by exactly one signer.
type Field struct {
	ID         string
	DocumentID string
	SignerID   string
	Type       FieldType
	Page       int // 1-based page index
	Rect       Rect
	Required   bool
	Value      string // empty until committed
	SignedAt   *time.Time
}

// Filled reports whether the field carries a committed, non-empty value.
// Signature fields are satisfied by the signer's image, not a text value.
func (f *Field) Filled() bool {
	return f.Value != ""
}
