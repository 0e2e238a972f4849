package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brokerdesk/esign/internal/document"
	"github.com/brokerdesk/esign/internal/middleware"
	"github.com/brokerdesk/esign/internal/signing"
	"github.com/brokerdesk/esign/internal/token"
)

// maxSubmitBodyBytes caps a submission body. Signature images are normalized
// PNGs well under this after upload.
const maxSubmitBodyBytes = 5 << 20 // 5 MiB

// SigningHandlers holds dependencies for the anonymous signer-facing endpoints.
// Every route is keyed by a capability token; there is no other authentication.
type SigningHandlers struct {
	svc    *signing.Service
	logger *slog.Logger
}

// NewSigningHandlers creates a new SigningHandlers instance.
func NewSigningHandlers(svc *signing.Service, logger *slog.Logger) *SigningHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &SigningHandlers{svc: svc, logger: logger}
}

// documentView is the signer-facing document shape. Storage keys never
// appear here.
type documentView struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type signerView struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Role     string     `json:"role"`
	Status   string     `json:"status"`
	ViewedAt *time.Time `json:"viewed_at,omitempty"`
	SignedAt *time.Time `json:"signed_at,omitempty"`
}

type fieldView struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Page     int           `json:"page"`
	Rect     document.Rect `json:"rect"`
	Required bool          `json:"required"`
	Value    string        `json:"value,omitempty"`
	Filled   bool          `json:"filled"`
}

type snapshotResponse struct {
	Success  bool         `json:"success"`
	Document documentView `json:"document"`
	Signer   signerView   `json:"signer"`
	Fields   []fieldView  `json:"fields"`
	Expired  bool         `json:"expired"`
}

// submitRequest is the signer's field batch. The signature image arrives
// base64-encoded, optionally with a data-URL prefix.
type submitRequest struct {
	Values         map[string]string `json:"values"`
	SignatureImage string            `json:"signature_image,omitempty"`
}

type submitResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// HandleSnapshot serves the signer's view of their document.
// GET /api/sign/{token}
func (h *SigningHandlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok := r.PathValue("token")
	if err := token.Validate(tok); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown signing link")
		return
	}

	snap, err := h.svc.Snapshot(ctx, tok)
	if err != nil {
		h.writeSigningError(w, r, err)
		return
	}

	ctx = middleware.SetSignerID(ctx, snap.Signer.ID)
	middleware.UpdateResponseContext(w, ctx)

	writeJSON(w, http.StatusOK, buildSnapshotResponse(snap))
}

// HandleViewed is the view-tracking beacon. Failures past token resolution are
// swallowed: the beacon is not correctness-critical and the client cannot act
// on them anyway.
// POST /api/sign/{token}/viewed
func (h *SigningHandlers) HandleViewed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok := r.PathValue("token")
	if err := token.Validate(tok); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown signing link")
		return
	}

	meta := signing.ViewMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		RequestID: middleware.GetRequestID(ctx),
	}
	if err := h.svc.RecordView(ctx, tok, meta); err != nil {
		if errors.Is(err, document.ErrSignerNotFound) {
			ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown signing link")
			return
		}
		h.logger.ErrorContext(ctx, "view beacon failed", "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSubmit commits the signer's field values and optional signature image.
// POST /api/sign/{token}
func (h *SigningHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tok := r.PathValue("token")
	if err := token.Validate(tok); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown signing link")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	var image []byte
	if req.SignatureImage != "" {
		decoded, err := decodeSignatureImage(req.SignatureImage)
		if err != nil {
			ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
			WriteErrorDetail(w, ctx, http.StatusBadRequest, ErrorDetail{
				Code:          ErrCodeValidation,
				Message:       "submission rejected",
				InvalidFields: map[string]string{"signature_image": "invalid base64 encoding"},
			})
			return
		}
		image = decoded
	}

	sub := signing.Submission{
		Values:         req.Values,
		SignatureImage: image,
		IP:             clientIP(r),
		UserAgent:      r.UserAgent(),
		RequestID:      middleware.GetRequestID(ctx),
	}
	if err := h.svc.Submit(ctx, tok, sub); err != nil {
		h.writeSigningError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{Success: true, Status: string(document.SignerSigned)})
}

// writeSigningError translates signing service failures into the stable JSON
// error shapes. Internal detail never reaches the anonymous client.
func (h *SigningHandlers) writeSigningError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var verr *signing.ValidationError
	switch {
	case errors.Is(err, document.ErrSignerNotFound), errors.Is(err, document.ErrDocumentNotFound):
		ctx = middleware.SetErrorCode(ctx, ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "unknown signing link")
	case errors.Is(err, signing.ErrExpired):
		ctx = middleware.SetErrorCode(ctx, ErrCodeExpired)
		WriteError(w, ctx, http.StatusGone, ErrCodeExpired, "document has expired")
	case errors.Is(err, signing.ErrAlreadySigned):
		ctx = middleware.SetErrorCode(ctx, ErrCodeAlreadySigned)
		WriteError(w, ctx, http.StatusConflict, ErrCodeAlreadySigned, "you have already signed this document")
	case errors.Is(err, signing.ErrDocumentClosed):
		ctx = middleware.SetErrorCode(ctx, ErrCodeDocumentClosed)
		WriteError(w, ctx, http.StatusConflict, ErrCodeDocumentClosed, "this document is no longer accepting signatures")
	case errors.As(err, &verr):
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteErrorDetail(w, ctx, http.StatusBadRequest, ErrorDetail{
			Code:          ErrCodeValidation,
			Message:       "submission rejected",
			MissingFields: verr.MissingFields,
			InvalidFields: verr.InvalidFields,
		})
	case errors.Is(err, signing.ErrStorage):
		h.logger.ErrorContext(ctx, "storage failure during signing", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeStorageFailure)
		WriteError(w, ctx, http.StatusBadGateway, ErrCodeStorageFailure, "temporary storage problem, please retry")
	default:
		h.logger.ErrorContext(ctx, "signing request failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

func buildSnapshotResponse(snap *signing.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		Success: true,
		Document: documentView{
			ID:        snap.Document.ID,
			Title:     snap.Document.Title,
			Status:    string(snap.Document.Status),
			CreatedAt: snap.Document.CreatedAt,
		},
		Signer: signerView{
			ID:       snap.Signer.ID,
			Name:     snap.Signer.Name,
			Email:    snap.Signer.Email,
			Role:     string(snap.Signer.Role),
			Status:   string(snap.Signer.Status),
			ViewedAt: snap.Signer.ViewedAt,
			SignedAt: snap.Signer.SignedAt,
		},
		Fields:  make([]fieldView, 0, len(snap.Fields)),
		Expired: snap.Expired,
	}
	if !snap.Document.ExpiresAt.IsZero() {
		at := snap.Document.ExpiresAt
		resp.Document.ExpiresAt = &at
	}
	for _, f := range snap.Fields {
		resp.Fields = append(resp.Fields, fieldView{
			ID:       f.ID,
			Type:     string(f.Type),
			Page:     f.Page,
			Rect:     f.Rect,
			Required: f.Required,
			Value:    f.Value,
			Filled:   f.Filled(),
		})
	}
	return resp
}

// decodeSignatureImage accepts plain base64 or a data URL
// (data:image/png;base64,...) as produced by canvas.toDataURL.
func decodeSignatureImage(s string) ([]byte, error) {
	if idx := strings.Index(s, ","); idx != -1 && strings.HasPrefix(s, "data:") {
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}

// clientIP extracts the client IP, honoring proxy headers.
func clientIP(r *http.Request) string {
	return middleware.IPKeyFunc()(r)
}
