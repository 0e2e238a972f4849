package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brokerdesk/esign/internal/audit"
	"github.com/brokerdesk/esign/internal/document"
)

// DefaultSweepInterval is how often the expiry sweep runs.
const DefaultSweepInterval = 15 * time.Minute

// ExpirySweeper finds documents past their expiration and records the
// one-time document_expired audit entry. It never rewrites the stored
// status; expiry is derived at read time from ExpiresAt.
type ExpirySweeper struct {
	repo    document.Repository
	audits  audit.Repository
	logger  *slog.Logger
	metrics Reporter

	now func() time.Time
}

// NewExpirySweeper creates a sweeper. metrics may be nil.
func NewExpirySweeper(repo document.Repository, audits audit.Repository, logger *slog.Logger, metrics Reporter) *ExpirySweeper {
	return &ExpirySweeper{
		repo:    repo,
		audits:  audits,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SweepOnce audits every expired document that has not been audited yet.
// Returns the number of documents audited. A failure on one document does
// not stop the sweep; the first error is returned after the pass.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	start := s.now()

	docs, err := s.repo.ListExpiredUnaudited(ctx, start)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncJobsTotal(JobTypeExpirySweep, StatusFailure)
			s.metrics.IncJobErrors(JobTypeExpirySweep, "list_failed")
		}
		return 0, fmt.Errorf("list expired documents: %w", err)
	}

	audited := 0
	var firstErr error
	for _, doc := range docs {
		if err := s.auditExpiry(ctx, doc); err != nil {
			s.logger.Error("expiry audit failed", "document_id", doc.ID, "error", err)
			if s.metrics != nil {
				s.metrics.IncJobErrors(JobTypeExpirySweep, "audit_failed")
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		audited++
	}

	if s.metrics != nil {
		status := StatusSuccess
		if firstErr != nil {
			status = StatusFailure
		}
		s.metrics.IncJobsTotal(JobTypeExpirySweep, status)
		s.metrics.ObserveJobDuration(JobTypeExpirySweep, time.Since(start).Seconds())
	}
	if audited > 0 {
		s.logger.Info("expiry sweep audited documents", "count", audited)
	}
	return audited, firstErr
}

// auditExpiry appends the entry first, then marks the document. If the
// process dies between the two, the next sweep lists the document again;
// MarkExpiryAudited before Append would risk losing the entry instead.
func (s *ExpirySweeper) auditExpiry(ctx context.Context, doc *document.Document) error {
	_, err := s.audits.Append(ctx, audit.LogEntry{
		DocumentID: doc.ID,
		Action:     audit.ActionDocumentExpired,
		Details:    fmt.Sprintf("expired at %s", doc.ExpiresAt.UTC().Format(time.RFC3339)),
	})
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := s.repo.MarkExpiryAudited(ctx, doc.ID); err != nil {
		return fmt.Errorf("mark expiry audited: %w", err)
	}
	return nil
}

// Run sweeps periodically until the stop channel is closed. This function
// blocks and should typically be run in a goroutine.
//
// Example usage:
//
//	stopChan := make(chan struct{})
//	go sweeper.Run(jobs.DefaultSweepInterval, stopChan)
//	// ... later when shutting down
//	close(stopChan)
func (s *ExpirySweeper) Run(interval time.Duration, stopChan <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run a sweep immediately on start
	if _, err := s.SweepOnce(context.Background()); err != nil {
		s.logger.Error("initial expiry sweep failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := s.SweepOnce(context.Background()); err != nil {
				s.logger.Error("periodic expiry sweep failed", "error", err)
			}
		case <-stopChan:
			s.logger.Info("stopping expiry sweep")
			return
		}
	}
}
