// Package transport defines the boundary to the realtime, multiplexed agent
// transport. The transport itself (wire encoding, reconnection, security) is
// an external collaborator; stepchat only consumes this interface.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/zjrosen/stepchat/internal/workflow"
)

// ErrClosed is returned by calls on a closed transport.
var ErrClosed = errors.New("transport closed")

// EventName identifies a transport event stream.
type EventName string

const (
	EventConnectionChange EventName = "connection_change"
	EventMessage          EventName = "message"
	EventError            EventName = "error"
)

// AgentDescriptor tells the transport which agents to connect to.
type AgentDescriptor struct {
	ID         string
	RoutingKey string
	WorkflowID string
	Title      string
}

// DescriptorsFor builds connect descriptors for agents.
func DescriptorsFor(agents []workflow.Agent) []AgentDescriptor {
	out := make([]AgentDescriptor, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentDescriptor{ID: a.ID, RoutingKey: a.RoutingKey, WorkflowID: a.WorkflowID, Title: a.Title})
	}
	return out
}

// ConnectionChange reports a status transition of one routing key.
type ConnectionChange struct {
	RoutingKey string
	Status     workflow.ConnectionStatus
	Error      string
	At         time.Time
}

// Message is a chat or handoff message as delivered by the transport.
type Message struct {
	ID         string
	Text       string
	Type       workflow.MessageType
	Direction  workflow.Direction
	Timestamp  time.Time
	ThreadID   string
	Historical bool
	Data       map[string]any
}

// Event is delivered to handlers registered with On. Exactly one of
// Connection, Message or Err is set, matching Name.
type Event struct {
	Name       EventName
	WorkflowID string
	Connection *ConnectionChange
	Message    *Message
	Err        error
}

// Handler receives transport events.
type Handler func(Event)

// HandoffEvent is a server-initiated handoff notice.
type HandoffEvent struct {
	WorkflowID string
	Message    Message
}

// DataEvent is an out-of-band data notice, e.g. an activity update.
type DataEvent struct {
	WorkflowID  string
	MessageType string
	Payload     map[string]any
	Timestamp   time.Time
}

// Transport is the realtime agent transport.
type Transport interface {
	// Connect opens connections to every described agent.
	Connect(ctx context.Context, agents []AgentDescriptor) error
	// On registers h for name and returns a function removing it.
	On(name EventName, h Handler) (off func())
	// SubscribeToHandoffs registers h for handoff notices.
	SubscribeToHandoffs(h func(HandoffEvent)) (unsubscribe func())
	// SubscribeToData registers h for data notices of the given message types.
	SubscribeToData(subscriberID string, messageTypes []string, h func(DataEvent)) (unsubscribe func())
	SendChat(ctx context.Context, routingKey, text string) error
	SendData(ctx context.Context, routingKey string, payload map[string]any) error
	// RefreshThreadHistory asks the server to replay the thread of routingKey.
	RefreshThreadHistory(ctx context.Context, routingKey string) (bool, error)
	ConnectionStateByRoutingKey(routingKey string) workflow.ConnectionStatus
	Close() error
}

// Factory creates a transport for settings.
type Factory func(settings workflow.Settings) (Transport, error)
