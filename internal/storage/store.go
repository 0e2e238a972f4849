// Package storage provides the object store used for original documents,
// signature images, and final stamped artifacts.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Content types handled by the signing engine.
const (
	ContentTypePDF = "application/pdf"
	ContentTypePNG = "image/png"
)

var (
	// ErrObjectNotFound is returned when a key does not exist in the store.
	ErrObjectNotFound = errors.New("object not found")
	// ErrEmptyKey is returned for operations on an empty key.
	ErrEmptyKey = errors.New("object key cannot be empty")
)

// ObjectStore is the capability the signing engine needs from object storage.
// Keys are opaque strings chosen by this subsystem.
type ObjectStore interface {
	// Get retrieves an object's bytes.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores an object. Re-putting the same key overwrites, which keeps
	// completion retries safe: the stamped output for a document is
	// deterministic.
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// PresignGet returns a time-limited download URL for the object.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// StampedKey derives the final artifact key from the original's key by
// appending a fixed -signed suffix before the extension:
// "docs/abc.pdf" -> "docs/abc-signed.pdf".
func StampedKey(originalKey string) string {
	ext := path.Ext(originalKey)
	return strings.TrimSuffix(originalKey, ext) + "-signed" + ext
}

// SignatureImageKey builds a fresh storage key for a signer's signature
// image. Every call yields a distinct key: each submission attempt writes its
// own object, and only the attempt that wins the signature commit gets its
// key recorded on the signer. A concurrent losing attempt therefore cannot
// overwrite the committed image.
func SignatureImageKey(documentID, signerID string) string {
	return "signatures/" + documentID + "/" + signerID + "-" + uuid.New().String() + ".png"
}

// OriginalKey builds a fresh storage key for an uploaded original.
func OriginalKey(documentID string) string {
	return "documents/" + documentID + "/" + uuid.New().String() + ".pdf"
}
