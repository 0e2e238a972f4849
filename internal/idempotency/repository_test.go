package idempotency

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRecordAndSeen(t *testing.T) {
	repo := NewInMemoryRepository()

	seen, err := repo.Seen("evt-1")
	if err != nil || seen {
		t.Errorf("Seen(new) = %v, %v; want false, nil", seen, err)
	}

	if err := repo.Record("evt-1", "document.completed"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	seen, _ = repo.Seen("evt-1")
	if !seen {
		t.Error("Seen() = false after Record")
	}

	if err := repo.Record("evt-1", "document.completed"); !errors.Is(err, ErrEventAlreadyProcessed) {
		t.Errorf("repeat Record() error = %v, want %v", err, ErrEventAlreadyProcessed)
	}
}

func TestValidateEventID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr error
	}{
		{"empty", "", ErrInvalidEventID},
		{"too long", strings.Repeat("x", MaxEventIDLength+1), ErrEventIDTooLong},
		{"max length ok", strings.Repeat("x", MaxEventIDLength), nil},
		{"normal", "evt_2mXy9z", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateEventID(tt.id); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateEventID(%q) = %v, want %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestDeleteOlderThan(t *testing.T) {
	repo := NewInMemoryRepository()
	for i := range 3 {
		if err := repo.Record(fmt.Sprintf("evt-%d", i), "document.signed"); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	// Age the first marker past the cutoff.
	repo.mu.Lock()
	repo.events["evt-0"].ReceivedAt = time.Now().Add(-48 * time.Hour)
	repo.mu.Unlock()

	deleted, err := repo.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("DeleteOlderThan() = %d, want 1", deleted)
	}
	if seen, _ := repo.Seen("evt-0"); seen {
		t.Error("aged marker still present")
	}
	if seen, _ := repo.Seen("evt-1"); !seen {
		t.Error("fresh marker deleted")
	}
}
