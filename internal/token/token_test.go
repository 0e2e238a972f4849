package token

import (
	"strings"
	"testing"
)

func TestIssueLength(t *testing.T) {
	tok, err := Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if len(tok) != EncodedLength {
		t.Errorf("Issue() length = %d, want %d", len(tok), EncodedLength)
	}
}

func TestIssueUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok, err := Issue()
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if seen[tok] {
			t.Fatalf("Issue() produced duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestIssueCharset(t *testing.T) {
	tok, err := Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Errorf("Issue() = %q, contains non-URL-safe characters", tok)
	}
}

func TestValidate(t *testing.T) {
	valid, err := Issue()
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"issued token", valid, nil},
		{"empty", "", ErrMalformed},
		{"too short", "abc", ErrMalformed},
		{"too long", valid + "x", ErrMalformed},
		{"invalid base64", strings.Repeat("!", EncodedLength), ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.token); err != tt.wantErr {
				t.Errorf("Validate(%q) = %v, want %v", tt.token, err, tt.wantErr)
			}
		})
	}
}
