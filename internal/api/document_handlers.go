package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/backend"
	"github.com/brokerdesk/esign/internal/document"
	"github.com/brokerdesk/esign/internal/middleware"
	"github.com/brokerdesk/esign/internal/token"
	"github.com/brokerdesk/esign/internal/validate"
)

// downloadURLExpiry is the lifetime of presigned final-artifact URLs.
const downloadURLExpiry = 15 * time.Minute

// maxSignersPerDocument bounds a creation request.
const maxSignersPerDocument = 20

// DocumentHandlers holds dependencies for document creation and download.
// Creation is an internal route (staff authn lives in the agency gateway);
// download is keyed by the document's capability token.
type DocumentHandlers struct {
	repo          document.Repository
	auditRepo     audit.Repository
	native        backend.SigningBackend
	provider      backend.SigningBackend // may be nil
	defaultExpiry time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewDocumentHandlers creates a new DocumentHandlers instance.
// defaultExpiry applies when a creation request carries no expiry_days.
func NewDocumentHandlers(repo document.Repository, auditRepo audit.Repository, native, provider backend.SigningBackend, defaultExpiry time.Duration, logger *slog.Logger) *DocumentHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentHandlers{
		repo:          repo,
		auditRepo:     auditRepo,
		native:        native,
		provider:      provider,
		defaultExpiry: defaultExpiry,
		logger:        logger,
		now:           time.Now,
	}
}

type createSignerRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

type createFieldRequest struct {
	// Signer is the index into the signers array owning this field.
	Signer   int           `json:"signer"`
	Type     string        `json:"type"`
	Page     int           `json:"page"`
	Rect     document.Rect `json:"rect"`
	Required bool          `json:"required"`
}

type createDocumentRequest struct {
	Title       string                `json:"title"`
	Kind        string                `json:"kind,omitempty"`
	Backend     string                `json:"backend,omitempty"`
	CustomerID  string                `json:"customer_id,omitempty"`
	PolicyID    string                `json:"policy_id,omitempty"`
	OriginalKey string                `json:"original_key"`
	ExpiryDays  int                   `json:"expiry_days,omitempty"`
	Signers     []createSignerRequest `json:"signers"`
	Fields      []createFieldRequest  `json:"fields"`
}

type createdSigner struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	Token string `json:"token"`
}

type createDocumentResponse struct {
	Success  bool            `json:"success"`
	Document documentView    `json:"document"`
	Token    string          `json:"token"`
	Signers  []createdSigner `json:"signers"`
}

type downloadResponse struct {
	Success   bool   `json:"success"`
	Ready     bool   `json:"ready"`
	URL       string `json:"url,omitempty"`
	ExpiresIn int    `json:"expires_in_seconds,omitempty"`
}

// HandleCreate creates a document with its signers and fields in one atomic
// operation, issues capability tokens, and kicks off the owning backend.
// POST /api/documents
func (h *DocumentHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	doc, signers, fields, verr := h.buildDocument(&req)
	if verr != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteErrorDetail(w, ctx, http.StatusBadRequest, *verr)
		return
	}

	if err := h.repo.CreateDocument(ctx, doc, signers, fields); err != nil {
		h.logger.ErrorContext(ctx, "document creation failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to create document")
		return
	}

	// The trail starts at creation; send is its own entry because the
	// invitation fan-out below is observable behavior in its own right.
	if err := audit.RecordFromRequest(r, h.auditRepo, audit.LogEntry{
		DocumentID: doc.ID,
		Action:     audit.ActionDocumentCreated,
		Details:    fmt.Sprintf("%d signer(s), %d field(s)", len(signers), len(fields)),
	}); err != nil {
		h.logger.ErrorContext(ctx, "audit write failed", "document_id", doc.ID, "error", err)
	}
	if err := audit.RecordFromRequest(r, h.auditRepo, audit.LogEntry{
		DocumentID: doc.ID,
		Action:     audit.ActionDocumentSent,
	}); err != nil {
		h.logger.ErrorContext(ctx, "audit write failed", "document_id", doc.ID, "error", err)
	}

	// Invitation or envelope delivery is best-effort: the document exists and
	// its links work even if the outbound side hiccups.
	be, err := backend.ForDocument(doc, h.native, h.provider)
	if err != nil {
		h.logger.ErrorContext(ctx, "no backend for document", "document_id", doc.ID, "backend", doc.Backend)
	} else if err := be.CreateAndSend(ctx, doc, signers); err != nil {
		h.logger.ErrorContext(ctx, "backend send failed", "document_id", doc.ID, "error", err)
	}

	resp := createDocumentResponse{
		Success: true,
		Document: documentView{
			ID:        doc.ID,
			Title:     doc.Title,
			Status:    string(doc.Status),
			CreatedAt: doc.CreatedAt,
		},
		Token:   doc.Token,
		Signers: make([]createdSigner, 0, len(signers)),
	}
	if !doc.ExpiresAt.IsZero() {
		at := doc.ExpiresAt
		resp.Document.ExpiresAt = &at
	}
	for _, s := range signers {
		resp.Signers = append(resp.Signers, createdSigner{
			ID:    s.ID,
			Name:  s.Name,
			Email: s.Email,
			Role:  string(s.Role),
			Token: s.Token,
		})
	}
	writeJSON(w, http.StatusCreated, resp)
}

// buildDocument validates the request and materializes the rows to insert.
// All problems are collected into one validation detail so the caller fixes
// the request in a single round trip.
func (h *DocumentHandlers) buildDocument(req *createDocumentRequest) (*document.Document, []*document.Signer, []*document.Field, *ErrorDetail) {
	verr := ErrorDetail{
		Code:          ErrCodeValidation,
		Message:       "document rejected",
		InvalidFields: make(map[string]string),
	}

	title, err := validate.DocumentTitle(req.Title)
	if err != nil {
		verr.InvalidFields["title"] = err.Error()
	}
	if req.OriginalKey == "" {
		verr.InvalidFields["original_key"] = "original upload key is required"
	}

	kind := document.DocumentKind(req.Kind)
	if kind == "" {
		kind = document.KindStandard
	}
	if !document.ValidKinds[kind] {
		verr.InvalidFields["kind"] = "unknown document kind"
	}
	if kind == document.KindAuthorizationOfRepresentation && req.PolicyID == "" {
		verr.InvalidFields["policy_id"] = "authorization documents require a policy"
	}

	be := document.Backend(req.Backend)
	if be == "" {
		be = document.BackendNative
	}
	if !document.ValidBackends[be] {
		verr.InvalidFields["backend"] = "unknown backend"
	}

	if len(req.Signers) == 0 {
		verr.InvalidFields["signers"] = "at least one signer is required"
	}
	if len(req.Signers) > maxSignersPerDocument {
		verr.InvalidFields["signers"] = fmt.Sprintf("at most %d signers per document", maxSignersPerDocument)
	}

	now := h.now()
	expiry := h.defaultExpiry
	if req.ExpiryDays < 0 {
		verr.InvalidFields["expiry_days"] = "must not be negative"
	} else if req.ExpiryDays > 0 {
		expiry = time.Duration(req.ExpiryDays) * 24 * time.Hour
	}

	docToken, err := token.Issue()
	if err != nil {
		verr.InvalidFields["token"] = "token generation failed"
	}

	doc := &document.Document{
		ID:          uuid.New().String(),
		Title:       title,
		Kind:        kind,
		Backend:     be,
		CustomerID:  req.CustomerID,
		PolicyID:    req.PolicyID,
		OriginalKey: req.OriginalKey,
		Token:       docToken,
		Status:      document.StatusSent,
		CreatedAt:   now,
	}
	if expiry > 0 {
		doc.ExpiresAt = now.Add(expiry)
	}

	signers := make([]*document.Signer, 0, len(req.Signers))
	for i, s := range req.Signers {
		name, err := validate.SignerName(s.Name)
		if err != nil {
			verr.InvalidFields[fmt.Sprintf("signers[%d].name", i)] = err.Error()
		}
		email, err := validate.Email(s.Email)
		if err != nil {
			verr.InvalidFields[fmt.Sprintf("signers[%d].email", i)] = err.Error()
		}
		role := document.SignerRole(s.Role)
		if role == "" {
			role = document.RoleSigner
		}
		if !document.ValidRoles[role] {
			verr.InvalidFields[fmt.Sprintf("signers[%d].role", i)] = "unknown role"
		}
		signerToken, err := token.Issue()
		if err != nil {
			verr.InvalidFields["token"] = "token generation failed"
		}
		signers = append(signers, &document.Signer{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			Name:       name,
			Email:      email,
			Role:       role,
			Token:      signerToken,
			Status:     document.SignerPending,
		})
	}

	fields := make([]*document.Field, 0, len(req.Fields))
	for i, f := range req.Fields {
		key := fmt.Sprintf("fields[%d]", i)
		if f.Signer < 0 || f.Signer >= len(req.Signers) {
			verr.InvalidFields[key+".signer"] = "signer index out of range"
			continue
		}
		ft := document.FieldType(f.Type)
		if !document.ValidFieldTypes[ft] {
			verr.InvalidFields[key+".type"] = "unknown field type"
		}
		if f.Page < 1 {
			verr.InvalidFields[key+".page"] = "page is 1-based"
		}
		if f.Rect.W <= 0 || f.Rect.H <= 0 {
			verr.InvalidFields[key+".rect"] = "width and height must be positive"
		}
		fields = append(fields, &document.Field{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			SignerID:   signers[f.Signer].ID,
			Type:       ft,
			Page:       f.Page,
			Rect:       f.Rect,
			Required:   f.Required,
		})
	}

	if len(verr.InvalidFields) > 0 {
		return nil, nil, nil, &verr
	}
	return doc, signers, fields, nil
}

// HandleDownload resolves the final artifact URL for a document token.
// While the document has not completed it answers 202 with ready=false — a
// distinct non-error signal the polling client retries on.
// GET /api/documents/{token}/download
func (h *DocumentHandlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok := r.PathValue("token")
	if err := token.Validate(tok); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown document")
		return
	}

	doc, err := h.repo.GetDocumentByToken(ctx, tok)
	if err != nil {
		if errors.Is(err, document.ErrDocumentNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown document")
			return
		}
		h.logger.ErrorContext(ctx, "document lookup failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}

	be, err := backend.ForDocument(doc, h.native, h.provider)
	if err != nil {
		h.logger.ErrorContext(ctx, "no backend for document", "document_id", doc.ID, "backend", doc.Backend)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}

	url, err := be.SignedArtifactURL(ctx, doc.ID, downloadURLExpiry)
	if err != nil {
		if errors.Is(err, backend.ErrNotReady) {
			writeJSON(w, http.StatusAccepted, downloadResponse{Success: true, Ready: false})
			return
		}
		h.logger.ErrorContext(ctx, "presign failed", "document_id", doc.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStorageFailure)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeStorageFailure, "temporary storage problem, please retry")
		return
	}

	writeJSON(w, http.StatusOK, downloadResponse{
		Success:   true,
		Ready:     true,
		URL:       url,
		ExpiresIn: int(downloadURLExpiry.Seconds()),
	})
}
