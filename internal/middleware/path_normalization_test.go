package middleware

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		// Static routes - no normalization
		{
			name:     "root path",
			path:     "/",
			expected: "/",
		},
		{
			name:     "documents collection",
			path:     "/api/documents",
			expected: "/api/documents",
		},
		{
			name:     "provider webhook",
			path:     "/internal/esign/webhook",
			expected: "/internal/esign/webhook",
		},
		{
			name:     "health endpoint",
			path:     "/health",
			expected: "/health",
		},
		{
			name:     "ready endpoint",
			path:     "/ready",
			expected: "/ready",
		},
		{
			name:     "metrics endpoint",
			path:     "/metrics",
			expected: "/metrics",
		},

		// Signing patterns
		{
			name:     "snapshot by token",
			path:     "/api/sign/hDmZ9qVYtG1a2b3c4d5e6f7g8h9i0jKlMnOpQrStUvW",
			expected: "/api/sign/{token}",
		},
		{
			name:     "viewed beacon",
			path:     "/api/sign/hDmZ9qVYtG1a2b3c4d5e6f7g8h9i0jKlMnOpQrStUvW/viewed",
			expected: "/api/sign/{token}/viewed",
		},

		// Document patterns
		{
			name:     "document by token",
			path:     "/api/documents/abc123",
			expected: "/api/documents/{token}",
		},
		{
			name:     "document download",
			path:     "/api/documents/abc123/download",
			expected: "/api/documents/{token}/download",
		},

		// Edge cases
		{
			name:     "trailing slash on collection",
			path:     "/api/documents/",
			expected: "/api/documents/",
		},
		{
			name:     "unknown route",
			path:     "/unknown/path",
			expected: "/unknown/path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizePath(tt.path)
			if result != tt.expected {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, result, tt.expected)
			}
		})
	}
}

func TestNormalizePath_CardinalityControl(t *testing.T) {
	// Test that different tokens normalize to the same pattern
	paths := []string{
		"/api/sign/1",
		"/api/sign/2",
		"/api/sign/999",
		"/api/sign/hDmZ9qVYtG1a2b3c4d5e6f7g8h9i0jKlMnOpQrStUvW",
		"/api/sign/abc-def-ghi",
	}

	expected := "/api/sign/{token}"
	seen := make(map[string]bool)

	for _, path := range paths {
		result := normalizePath(path)
		if result != expected {
			t.Errorf("normalizePath(%q) = %q, want %q", path, result, expected)
		}
		seen[result] = true
	}

	// Should all normalize to the same pattern (low cardinality)
	if len(seen) != 1 {
		t.Errorf("Expected all paths to normalize to single pattern, got %d patterns: %v", len(seen), seen)
	}
}
