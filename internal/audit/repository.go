package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for audit log operations. There is no
// update or delete: the log is strictly append-only.
type Repository interface {
	// Append records an event and returns the created entry.
	Append(ctx context.Context, entry LogEntry) (*AuditLog, error)

	// QueryByDocument retrieves entries for a document, oldest first, so the
	// hash chain can be verified in order. Limit 0 means no limit.
	QueryByDocument(ctx context.Context, documentID string, limit int) ([]*AuditLog, error)

	// CountByAction returns how many entries exist for a document and action.
	CountByAction(ctx context.Context, documentID, action string) (int, error)
}

// chainHash computes the hash that the next entry in a document's chain
// stores as PreviousHash.
func chainHash(l *AuditLog) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%s",
		l.ID, l.DocumentID, l.SignerID, l.Action, l.Details,
		l.CreatedAt.UnixNano(), l.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks that a document's entries (oldest first) form an
// unbroken hash chain. Returns the index of the first broken link, or -1.
func VerifyChain(entries []*AuditLog) int {
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return i
		}
		prev = chainHash(e)
	}
	return -1
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu      sync.RWMutex
	entries []*AuditLog
	// tip of each document's hash chain
	tips map[string]string
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{tips: make(map[string]string)}
}

// Append records an event to the audit log.
func (r *InMemoryRepository) Append(ctx context.Context, entry LogEntry) (*AuditLog, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log := &AuditLog{
		ID:           uuid.New().String(),
		DocumentID:   entry.DocumentID,
		SignerID:     entry.SignerID,
		Action:       entry.Action,
		Details:      entry.Details,
		CreatedAt:    time.Now().UTC(),
		RequestID:    entry.RequestID,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		PreviousHash: r.tips[entry.DocumentID],
	}
	r.entries = append(r.entries, log)
	r.tips[entry.DocumentID] = chainHash(log)

	logCopy := *log
	return &logCopy, nil
}

// QueryByDocument retrieves entries for a document, oldest first.
func (r *InMemoryRepository) QueryByDocument(ctx context.Context, documentID string, limit int) ([]*AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*AuditLog
	for _, e := range r.entries {
		if e.DocumentID == documentID {
			eCopy := *e
			results = append(results, &eCopy)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

// CountByAction returns how many entries exist for a document and action.
func (r *InMemoryRepository) CountByAction(ctx context.Context, documentID, action string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.entries {
		if e.DocumentID == documentID && e.Action == action {
			n++
		}
	}
	return n, nil
}
