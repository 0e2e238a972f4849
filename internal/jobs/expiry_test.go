package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/document"
)

func sweepFixture(t *testing.T) (*ExpirySweeper, *document.InMemoryRepository, *audit.InMemoryRepository) {
	t.Helper()
	repo := document.NewInMemoryRepository()
	audits := audit.NewInMemoryRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExpirySweeper(repo, audits, logger, nil), repo, audits
}

func seedSweepDocument(t *testing.T, repo *document.InMemoryRepository, id string, status document.DocumentStatus, expiresAt time.Time) {
	t.Helper()
	err := repo.CreateDocument(context.Background(), &document.Document{
		ID:        id,
		Token:     "tok-" + id,
		Title:     "Policy Agreement",
		Kind:      document.KindStandard,
		Backend:   document.BackendNative,
		Status:    status,
		ExpiresAt: expiresAt,
	}, nil, nil)
	if err != nil {
		t.Fatalf("seed document %s: %v", id, err)
	}
}

func TestSweepOnce(t *testing.T) {
	sweeper, repo, audits := sweepFixture(t)
	now := time.Now()

	seedSweepDocument(t, repo, "doc-expired", document.StatusSent, now.Add(-time.Hour))
	seedSweepDocument(t, repo, "doc-live", document.StatusSent, now.Add(time.Hour))
	seedSweepDocument(t, repo, "doc-done", document.StatusCompleted, now.Add(-time.Hour))

	audited, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if audited != 1 {
		t.Fatalf("SweepOnce() = %d, want 1", audited)
	}

	count, err := audits.CountByAction(context.Background(), "doc-expired", audit.ActionDocumentExpired)
	if err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if count != 1 {
		t.Errorf("document_expired entries = %d, want 1", count)
	}
	for _, id := range []string{"doc-live", "doc-done"} {
		count, err := audits.CountByAction(context.Background(), id, audit.ActionDocumentExpired)
		if err != nil {
			t.Fatalf("count audit for %s: %v", id, err)
		}
		if count != 0 {
			t.Errorf("%s: document_expired entries = %d, want 0", id, count)
		}
	}

	// The stored status is never rewritten; expiry stays derived.
	doc, err := repo.GetDocument(context.Background(), "doc-expired")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Status != document.StatusSent {
		t.Errorf("status = %q, want sent", doc.Status)
	}
	if !doc.ExpiryAudited {
		t.Error("ExpiryAudited not set")
	}
}

func TestSweepOnceIdempotent(t *testing.T) {
	sweeper, repo, audits := sweepFixture(t)
	seedSweepDocument(t, repo, "doc-1", document.StatusSent, time.Now().Add(-time.Hour))

	for i := 0; i < 3; i++ {
		if _, err := sweeper.SweepOnce(context.Background()); err != nil {
			t.Fatalf("sweep %d: %v", i+1, err)
		}
	}

	count, err := audits.CountByAction(context.Background(), "doc-1", audit.ActionDocumentExpired)
	if err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if count != 1 {
		t.Errorf("document_expired entries = %d after repeated sweeps, want 1", count)
	}
}

func TestSweepRecordsMetrics(t *testing.T) {
	sweeper, repo, _ := sweepFixture(t)
	m := NewMetrics()
	sweeper.metrics = m
	seedSweepDocument(t, repo, "doc-1", document.StatusSent, time.Now().Add(-time.Hour))

	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}

	if got := getCounterVecValue(m.jobsTotal, JobTypeExpirySweep, StatusSuccess); got != 1.0 {
		t.Errorf("success count = %f, want 1", got)
	}
	if got := getHistogramVecSampleCount(m.jobsDuration, JobTypeExpirySweep); got != 1 {
		t.Errorf("duration samples = %d, want 1", got)
	}
}

func TestSweepRunStops(t *testing.T) {
	sweeper, _, _ := sweepFixture(t)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		sweeper.Run(10*time.Millisecond, stop)
		close(done)
	}()

	time.Sleep(25 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
