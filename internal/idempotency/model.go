// Package idempotency deduplicates inbound webhook events so redelivered
// events are acknowledged without being processed twice.
package idempotency

import (
	"errors"
	"time"
)

var (
	// ErrEventAlreadyProcessed is returned when recording an event ID that
	// has been seen before.
	ErrEventAlreadyProcessed = errors.New("event already processed")

	// ErrInvalidEventID is returned when the event ID is empty.
	ErrInvalidEventID = errors.New("invalid event ID")

	// ErrEventIDTooLong is returned when the event ID exceeds maximum length.
	ErrEventIDTooLong = errors.New("event ID exceeds maximum length of 128 characters")
)

// MaxEventIDLength is the maximum allowed length for an event ID.
const MaxEventIDLength = 128

// WebhookEvent represents one recorded inbound event.
type WebhookEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
}

// ValidateEventID checks if an event ID is acceptable.
func ValidateEventID(id string) error {
	if id == "" {
		return ErrInvalidEventID
	}
	if len(id) > MaxEventIDLength {
		return ErrEventIDTooLong
	}
	return nil
}

// Repository defines methods for webhook event persistence.
type Repository interface {
	// Record stores a new event marker. Returns ErrEventAlreadyProcessed if
	// the event ID was recorded before.
	Record(eventID, eventType string) error

	// Seen reports whether the event ID has been recorded.
	Seen(eventID string) (bool, error)

	// DeleteOlderThan removes event markers older than the specified duration.
	// Used by the cleanup job to prevent unbounded storage growth.
	DeleteOlderThan(duration time.Duration) (int64, error)
}
