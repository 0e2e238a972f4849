package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStampedKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"pdf", "documents/d1/abc.pdf", "documents/d1/abc-signed.pdf"},
		{"no extension", "documents/d1/abc", "documents/d1/abc-signed"},
		{"nested dots", "documents/d1/policy.v2.pdf", "documents/d1/policy.v2-signed.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StampedKey(tt.key); got != tt.want {
				t.Errorf("StampedKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestSignatureImageKey(t *testing.T) {
	got := SignatureImageKey("doc-1", "signer-2")
	if !strings.HasPrefix(got, "signatures/doc-1/signer-2-") || !strings.HasSuffix(got, ".png") {
		t.Errorf("SignatureImageKey() = %q, want signatures/doc-1/signer-2-<id>.png", got)
	}

	// Each attempt gets its own object; only a winning commit records its key.
	if again := SignatureImageKey("doc-1", "signer-2"); again == got {
		t.Errorf("SignatureImageKey() repeated = %q, want a distinct key per call", again)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); err != ErrObjectNotFound {
		t.Errorf("Get(missing) error = %v, want %v", err, ErrObjectNotFound)
	}

	data := []byte("%PDF-1.4 fake")
	if err := store.Put(ctx, "k1", data, ContentTypePDF); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get() = %q, want %q", got, data)
	}
	if ct := store.ContentType("k1"); ct != ContentTypePDF {
		t.Errorf("ContentType() = %q, want %q", ct, ContentTypePDF)
	}

	url, err := store.PresignGet(ctx, "k1", time.Minute)
	if err != nil {
		t.Fatalf("PresignGet() error = %v", err)
	}
	if url == "" {
		t.Error("PresignGet() returned empty URL")
	}
}

func TestMemoryStoreEmptyKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Put(ctx, "", nil, ContentTypePDF); err != ErrEmptyKey {
		t.Errorf("Put(\"\") error = %v, want %v", err, ErrEmptyKey)
	}
	if _, err := store.Get(ctx, ""); err != ErrEmptyKey {
		t.Errorf("Get(\"\") error = %v, want %v", err, ErrEmptyKey)
	}
}
