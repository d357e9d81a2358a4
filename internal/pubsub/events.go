// Package pubsub fans derived routing state and log lines out to any number
// of subscribers without blocking the publisher.
package pubsub

import "time"

// EventType is the coarse class of an event, used to filter subscriptions.
type EventType string

const (
	// CreatedEvent marks something new, such as a stored message or a log line.
	CreatedEvent EventType = "created"
	// UpdatedEvent marks a change to existing state.
	UpdatedEvent EventType = "updated"
	// DeletedEvent marks state that no longer exists.
	DeletedEvent EventType = "deleted"
)

// Event carries one published payload.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
