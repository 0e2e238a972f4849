// Package idempotency provides cleanup utilities for webhook event markers.
package idempotency

import (
	"log/slog"
	"time"
)

// DefaultExpiry is the default duration after which event markers expire.
// Providers stop redelivering well inside 24 hours.
const DefaultExpiry = 24 * time.Hour

// CleanupOldEvents removes event markers older than the specified duration.
// Called periodically to prevent unbounded growth.
// Returns the number of markers deleted and any error encountered.
func CleanupOldEvents(repo Repository, expiry time.Duration) (int64, error) {
	deleted, err := repo.DeleteOlderThan(expiry)
	if err != nil {
		slog.Error("failed to cleanup old webhook events", "error", err)
		return 0, err
	}

	if deleted > 0 {
		slog.Info("cleaned up old webhook events", "deleted", deleted, "older_than", expiry)
	}

	return deleted, nil
}

// RunPeriodicCleanup runs the cleanup job periodically at the specified interval.
// This function blocks and should typically be run in a goroutine.
// It will continue running until the provided stop channel is closed.
//
// Example usage:
//
//	stopChan := make(chan struct{})
//	go idempotency.RunPeriodicCleanup(repo, 1*time.Hour, idempotency.DefaultExpiry, stopChan)
//	// ... later when shutting down
//	close(stopChan)
func RunPeriodicCleanup(repo Repository, interval time.Duration, expiry time.Duration, stopChan <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	if _, err := CleanupOldEvents(repo, expiry); err != nil {
		slog.Error("initial cleanup failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := CleanupOldEvents(repo, expiry); err != nil {
				slog.Error("periodic cleanup failed", "error", err)
			}
		case <-stopChan:
			slog.Info("stopping periodic cleanup")
			return
		}
	}
}
