// Package stamp rewrites an original PDF with committed field values and
// signature images placed at their declared rectangles, producing the final
// signed artifact.
package stamp

import (
	"github.com/brokerdesk/esign/internal/document"
)

// Field rectangles are authored in a top-left-origin space (y grows
// downward); PDF user space has its origin at the bottom-left (y grows
// upward). Text is inset from the rectangle border so glyphs never touch it.
const (
	textPadX   = 5.0
	baseFontPt = 10
)

// TranslateY converts a rectangle's authored y into the PDF coordinate of
// the rectangle's bottom edge: y' = pageHeight - y - height.
func TranslateY(pageHeight float64, r document.Rect) float64 {
	return pageHeight - r.Y - r.H
}

// TextAnchor returns the position at which a field's text value is drawn:
// x padded off the left edge, baseline a quarter of the height above the
// rectangle's bottom.
func TextAnchor(pageHeight float64, r document.Rect) (x, y float64) {
	return r.X + textPadX, TranslateY(pageHeight, r) + r.H/4
}
