// Package image sanitizes and resizes signature images before they are
// stored or embedded into a document.
package image

import (
	"errors"
	"fmt"

	"github.com/h2non/bimg"
)

// Signature images are normalized to PNG: lossless, alpha-capable, and the
// only raster format the stamping engine has to deal with downstream.
const (
	// MaxSignatureWidth and MaxSignatureHeight bound uploads before storage.
	MaxSignatureWidth  = 1200
	MaxSignatureHeight = 400
	// MaxSignatureBytes caps the accepted upload size.
	MaxSignatureBytes = 2 * 1024 * 1024
)

var (
	// ErrImageTooLarge is returned for uploads over MaxSignatureBytes.
	ErrImageTooLarge = errors.New("signature image exceeds maximum size")
	// ErrEmptyImage is returned for empty uploads.
	ErrEmptyImage = errors.New("signature image is empty")
)

// Normalize sanitizes an uploaded signature image: it validates that the
// bytes decode, strips all metadata (EXIF, GPS, camera details), bounds the
// dimensions, and re-encodes to PNG.
func Normalize(input []byte) ([]byte, error) {
	if len(input) == 0 {
		return nil, ErrEmptyImage
	}
	if len(input) > MaxSignatureBytes {
		return nil, ErrImageTooLarge
	}

	img := bimg.NewImage(input)
	metadata, err := img.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature image: %w", err)
	}

	options := bimg.Options{
		Type:          bimg.PNG,
		StripMetadata: true,
	}
	if metadata.Size.Width > MaxSignatureWidth {
		options.Width = MaxSignatureWidth
	}
	if metadata.Size.Height > MaxSignatureHeight {
		options.Height = MaxSignatureHeight
	}

	output, err := img.Process(options)
	if err != nil {
		return nil, fmt.Errorf("failed to process signature image: %w", err)
	}
	return output, nil
}

// FitTo resizes an already-normalized image to exactly width x height pixels,
// ignoring aspect ratio. The stamping engine uses this to make the embedded
// image occupy its field rectangle with no further scaling.
func FitTo(input []byte, width, height int) ([]byte, error) {
	if len(input) == 0 {
		return nil, ErrEmptyImage
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target dimensions %dx%d", width, height)
	}

	output, err := bimg.NewImage(input).Process(bimg.Options{
		Type:   bimg.PNG,
		Width:  width,
		Height: height,
		Force:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resize signature image: %w", err)
	}
	return output, nil
}
