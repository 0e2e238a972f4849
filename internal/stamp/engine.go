package stamp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/brokerdesk/esign/internal/document"
	imaging "github.com/brokerdesk/esign/internal/image"
	"github.com/brokerdesk/esign/internal/tracing"
)

var (
	// ErrNoOriginal is returned when the original document bytes are missing.
	ErrNoOriginal = errors.New("original document is empty")
	// ErrPageOutOfRange is returned when a field references a page the
	// document does not have.
	ErrPageOutOfRange = errors.New("field page out of range")
	// ErrStateInconsistency is returned when a signed signer's signature
	// field has no image. This indicates state-machine/storage
	// desynchronization; the whole pass aborts rather than emit a
	// silently-wrong artifact.
	ErrStateInconsistency = errors.New("signed signature field has no image")
)

// Field is one placement instruction for the stamping pass.
type Field struct {
	Page int
	Rect document.Rect
	Type document.FieldType
	// Value is the committed text for non-signature fields.
	Value string
	// Image holds the signer's normalized signature image for signature
	// fields; nil when the signer supplied none.
	Image []byte
	// SignerSigned reports whether the owning signer reached signed status.
	// A signed signer with a signature field but no image is fatal.
	SignerSigned bool
}

// Engine produces the stamped artifact. It holds no per-document state and a
// failed pass leaves no trace, so passes are safely re-runnable.
type Engine struct {
	conf   *model.Configuration
	logger *slog.Logger
}

// NewEngine creates a stamping engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		conf:   model.NewDefaultConfiguration(),
		logger: logger,
	}
}

// Stamp renders every committed field into the original document and returns
// the result as a buffer ready for persistence. Fields with nothing to draw
// are skipped; any decode or placement failure aborts the whole pass with no
// partial output.
func (e *Engine) Stamp(ctx context.Context, original []byte, fields []Field) ([]byte, error) {
	ctx, endSpan := tracing.StartSpan(ctx, "stamp document")
	var err error
	defer func() { endSpan(err) }()

	if len(original) == 0 {
		err = ErrNoOriginal
		return nil, err
	}

	dims, err := api.PageDims(bytes.NewReader(original), e.conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read page dimensions: %w", err)
	}

	current := original
	stamped := 0
	for _, f := range fields {
		var wm *model.Watermark
		wm, err = e.watermarkFor(f, dims)
		if err != nil {
			return nil, err
		}
		if wm == nil {
			continue
		}

		var buf bytes.Buffer
		err = api.AddWatermarksMap(bytes.NewReader(current), &buf, map[int]*model.Watermark{f.Page: wm}, e.conf)
		if err != nil {
			return nil, fmt.Errorf("failed to stamp field on page %d: %w", f.Page, err)
		}
		current = buf.Bytes()
		stamped++
	}

	e.logger.DebugContext(ctx, "stamping pass finished",
		"fields_total", len(fields),
		"fields_stamped", stamped)
	return current, nil
}

// watermarkFor builds the watermark for one field, or returns (nil, nil) if
// the field has nothing to draw.
func (e *Engine) watermarkFor(f Field, dims []types.Dim) (*model.Watermark, error) {
	if f.Type == document.FieldSignature {
		if len(f.Image) == 0 {
			if f.SignerSigned {
				return nil, ErrStateInconsistency
			}
			return nil, nil
		}
	} else if f.Value == "" {
		return nil, nil
	}

	if f.Page < 1 || f.Page > len(dims) {
		return nil, fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, f.Page, len(dims))
	}
	pageHeight := dims[f.Page-1].Height

	if f.Type == document.FieldSignature {
		// Resize the image to the rectangle's dimensions so it is drawn at
		// scale 1 exactly filling (x, y', w, h).
		fitted, err := imaging.FitTo(f.Image, int(f.Rect.W), int(f.Rect.H))
		if err != nil {
			return nil, fmt.Errorf("failed to fit signature image: %w", err)
		}
		desc := imageDesc(f.Rect.X, TranslateY(pageHeight, f.Rect))
		wm, err := api.ImageWatermarkForReader(bytes.NewReader(fitted), desc, true, false, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("failed to build image watermark: %w", err)
		}
		return wm, nil
	}

	x, y := TextAnchor(pageHeight, f.Rect)
	wm, err := api.TextWatermark(f.Value, textDesc(x, y), true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("failed to build text watermark: %w", err)
	}
	return wm, nil
}

// textDesc positions a text watermark with its anchor at the bottom-left of
// the page plus absolute offsets, drawn in the fixed baseline font.
func textDesc(x, y float64) string {
	return fmt.Sprintf("font:Helvetica, points:%d, pos:bl, off:%.2f %.2f, scale:1 abs, rot:0, fillc:#000000, op:1",
		baseFontPt, x, y)
}

// imageDesc positions an image watermark with its lower-left corner at the
// translated rectangle origin, at natural size (already fitted).
func imageDesc(x, y float64) string {
	return fmt.Sprintf("pos:bl, off:%.2f %.2f, scale:1 abs, rot:0", x, y)
}
