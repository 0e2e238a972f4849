package idempotency

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/brokerdesk/esign/internal/tracing"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu     sync.RWMutex
	events map[string]*WebhookEvent
}

// NewInMemoryRepository creates a new in-memory webhook event repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		events: make(map[string]*WebhookEvent),
	}
}

// Record stores a new event marker.
// Returns ErrEventAlreadyProcessed if the event was recorded before.
func (r *InMemoryRepository) Record(eventID, eventType string) error {
	if err := ValidateEventID(eventID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[eventID]; exists {
		return ErrEventAlreadyProcessed
	}
	r.events[eventID] = &WebhookEvent{
		EventID:    eventID,
		EventType:  eventType,
		ReceivedAt: time.Now(),
	}
	return nil
}

// Seen reports whether the event ID has been recorded.
func (r *InMemoryRepository) Seen(eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.events[eventID]
	return ok, nil
}

// DeleteOlderThan removes event markers older than the specified duration.
// Returns the number of markers deleted.
func (r *InMemoryRepository) DeleteOlderThan(duration time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-duration)
	deleted := int64(0)

	for id, ev := range r.events {
		if ev.ReceivedAt.Before(cutoff) {
			delete(r.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// PostgresRepository implements Repository backed by Postgres. The unique
// constraint on event_id is the actual dedup guard; the application check is
// just the friendly error.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new Postgres-backed webhook event repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Record stores a new event marker.
func (r *PostgresRepository) Record(eventID, eventType string) error {
	if err := ValidateEventID(eventID); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(context.Background(), "webhook_events", tracing.DBOperationInsert)
	var err error
	defer func() { endSpan(err) }()

	var res sql.Result
	res, err = r.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type, received_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, time.Now())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventAlreadyProcessed
	}
	return nil
}

// Seen reports whether the event ID has been recorded.
func (r *PostgresRepository) Seen(eventID string) (bool, error) {
	ctx, endSpan := tracing.StartDBSpan(context.Background(), "webhook_events", tracing.DBOperationQuery)
	var err error
	defer func() { endSpan(err) }()

	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// DeleteOlderThan removes event markers older than the specified duration.
func (r *PostgresRepository) DeleteOlderThan(duration time.Duration) (int64, error) {
	ctx, endSpan := tracing.StartDBSpan(context.Background(), "webhook_events", tracing.DBOperationDelete)
	var err error
	defer func() { endSpan(err) }()

	var res sql.Result
	res, err = r.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE received_at < $1`,
		time.Now().Add(-duration))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
