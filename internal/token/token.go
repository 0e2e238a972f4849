// Package token issues and resolves opaque capability tokens for documents
// and signers. Tokens are pure random keys with no embedded claims; access is
// granted by a store lookup, which makes revocation a simple delete.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// tokenBytes is the entropy per token. 32 bytes encode to 43 URL-safe
// characters, enough to make collision and guessing negligible at any
// realistic document volume.
const tokenBytes = 32

// EncodedLength is the length of an issued token string.
const EncodedLength = 43

var (
	// ErrNotFound is returned when a token resolves to neither a signer nor a document.
	ErrNotFound = errors.New("token not found")
	// ErrMalformed is returned for tokens that cannot have been issued by this system.
	ErrMalformed = errors.New("malformed token")
)

// Issue generates a new opaque capability token.
func Issue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Validate performs a cheap shape check before hitting the store.
// It never authenticates anything by itself.
func Validate(tok string) error {
	if len(tok) != EncodedLength {
		return ErrMalformed
	}
	if _, err := base64.RawURLEncoding.DecodeString(tok); err != nil {
		return ErrMalformed
	}
	return nil
}
