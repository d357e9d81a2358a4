package orchestrator

import (
	"github.com/zjrosen/stepchat/internal/pubsub"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// EventKind identifies a derived state change published to the host.
type EventKind string

const (
	// Conversation events
	EventMessageAdded    EventKind = "message.added"
	EventActivityChanged EventKind = "activity.changed"

	// Connection events
	EventConnectionChanged EventKind = "connection.changed"
	EventError             EventKind = "transport.error"

	// Handoff events
	EventHandoff       EventKind = "handoff.detected"
	EventTypingChanged EventKind = "typing.changed"
	EventNavigated     EventKind = "step.navigated"

	// Mode and module events
	EventModeChanged   EventKind = "mode.changed"
	EventModuleChanged EventKind = "module.changed"
)

// Event is the envelope for every state change. StepIndex and RoutingKey
// are set where the change concerns one step or agent; the pointer fields
// match Kind.
type Event struct {
	Kind       EventKind
	StepIndex  int
	RoutingKey string

	Message    *workflow.ChatMessage
	Connection *workflow.ConnectionState
	Handoff    *workflow.HandoffIntent
	Typing     bool
	Err        error
}

// eventType maps ev to the broker's coarse type so hosts can filter
// additions, updates and removals. A connection change without a state is a
// removed dashboard entry.
func (ev Event) eventType() pubsub.EventType {
	switch {
	case ev.Kind == EventMessageAdded, ev.Kind == EventHandoff:
		return pubsub.CreatedEvent
	case ev.Kind == EventConnectionChanged && ev.Connection == nil:
		return pubsub.DeletedEvent
	default:
		return pubsub.UpdatedEvent
	}
}
