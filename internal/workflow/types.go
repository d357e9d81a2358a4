// Package workflow defines the shared data model for step-based, multi-agent
// conversations: steps, the agents behind them, chat messages, connection
// state and transient activity notices.
package workflow

import (
	"fmt"
	"time"
)

// Step is one stage of the host workflow. Steps are ordered and immutable once
// loaded; the core only reads them.
type Step struct {
	Slug  string `json:"slug" yaml:"slug"`
	Title string `json:"title" yaml:"title"`
	// AgentRef is the ID of the Agent backing this step. Empty for steps
	// without a conversational agent.
	AgentRef string `json:"agentRef,omitempty" yaml:"agent"`
}

// HasAgent reports whether the step is backed by an agent.
func (s Step) HasAgent() bool { return s.AgentRef != "" }

// Agent is a backend conversational endpoint.
type Agent struct {
	ID string `json:"id" yaml:"id"`
	// RoutingKey is the transport-level address ("workflowType"). Several
	// steps may share one routing key and therefore one history.
	RoutingKey string `json:"workflowType" yaml:"workflow_type"`
	WorkflowID string `json:"workflowId,omitempty" yaml:"workflow_id"`
	Title      string `json:"title" yaml:"title"`
}

// Matches reports whether key addresses this agent, either by routing key
// or by its workflow ID when one is set.
func (a Agent) Matches(key string) bool {
	if key == "" {
		return false
	}
	return a.RoutingKey == key || (a.WorkflowID != "" && a.WorkflowID == key)
}

// Direction of a chat message relative to the agent.
type Direction string

const (
	// DirectionIncoming is user-authored text travelling to the agent.
	DirectionIncoming Direction = "incoming"
	// DirectionOutgoing is agent-authored text travelling to the user.
	DirectionOutgoing Direction = "outgoing"
)

// MessageType distinguishes ordinary chat turns from handoff notices.
type MessageType string

const (
	MessageChat    MessageType = "chat"
	MessageHandoff MessageType = "handoff"
)

// ChatMessage is one entry in a routing key's conversation log.
type ChatMessage struct {
	ID          string         `json:"id,omitempty"`
	Text        string         `json:"text"`
	Direction   Direction      `json:"direction"`
	Type        MessageType    `json:"messageType"`
	Timestamp   time.Time      `json:"timestamp"`
	StepIndex   int            `json:"stepIndex"`
	ThreadID    string         `json:"threadId,omitempty"`
	Historical  bool           `json:"isHistorical"`
	ActivityLog []ActivityData `json:"activityLog,omitempty"`
	// WorkflowID is the routing key the transport delivered this message on,
	// if known. Used to re-resolve the step of messages queued before steps loaded.
	WorkflowID string         `json:"workflowId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// IsAgentReply reports whether the message is a live, agent-authored chat turn.
func (m ChatMessage) IsAgentReply() bool {
	return m.Direction == DirectionOutgoing && m.Type != MessageHandoff && !m.Historical
}

// ConnectionStatus is the lifecycle position of one agent connection.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is the per-step projection of transport connectivity.
type ConnectionState struct {
	Status       ConnectionStatus `json:"status"`
	StepIndex    int              `json:"stepIndex"`
	RoutingKey   string           `json:"routingKey,omitempty"`
	LastActivity time.Time        `json:"lastActivity"`
	LastError    string           `json:"lastError,omitempty"`
}

// Connected reports whether the state is StatusConnected.
func (s ConnectionState) Connected() bool { return s.Status == StatusConnected }

// ActivityData is a transient "agent is working" notice shown with the
// agent's next reply.
type ActivityData struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	Details   string    `json:"details,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Settings are the four credentials needed to reach the transport.
type Settings struct {
	EndpointURL   string `json:"endpointUrl" mapstructure:"endpoint_url" yaml:"endpoint_url"`
	AuthToken     string `json:"authToken" mapstructure:"auth_token" yaml:"auth_token"`
	TenantID      string `json:"tenantId" mapstructure:"tenant_id" yaml:"tenant_id"`
	ParticipantID string `json:"participantId" mapstructure:"participant_id" yaml:"participant_id"`
	// DisplayName is cosmetic and never forces a reconnect.
	DisplayName string `json:"displayName,omitempty" mapstructure:"display_name" yaml:"display_name,omitempty"`
}

// String redacts the auth token.
func (s Settings) String() string {
	token := ""
	if s.AuthToken != "" {
		token = "***"
	}
	return fmt.Sprintf("Settings{endpoint=%q tenant=%q participant=%q token=%s}",
		s.EndpointURL, s.TenantID, s.ParticipantID, token)
}
