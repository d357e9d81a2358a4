// Package messages implements the per-routing-key conversation store.
//
// Logs are keyed by routing key rather than step index because several steps
// may share one backend agent and must show one history. Messages that arrive
// before the host has loaded its step list are queued, not dropped, and
// replayed by ProcessPendingMessages.
package messages

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// AgentResolver is the subset of the agent manager the store needs.
type AgentResolver interface {
	AgentsForModule(ctx context.Context) ([]workflow.Agent, error)
	Warm() bool
	RoutingKeyForStep(stepIndex int, steps []workflow.Step) (string, bool)
	StepIndexForRoutingKey(key string, steps []workflow.Step, activeStep int) (int, bool)
	FirstAgentStep(steps []workflow.Step) (int, bool)
}

// Config tunes de-duplication.
type Config struct {
	// SeenLimit bounds the historical seen-set. Defaults to 1000.
	SeenLimit int
	// SeenTrim is how many of the newest keys survive an overflow. Defaults to 500.
	SeenTrim int
	// DuplicateWindow is the timestamp distance under which two live messages
	// without IDs and with equal text are the same message. Defaults to 1s.
	DuplicateWindow time.Duration
}

// DefaultConfig returns production limits.
func DefaultConfig() Config {
	return Config{SeenLimit: 1000, SeenTrim: 500, DuplicateWindow: time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SeenLimit <= 0 {
		c.SeenLimit = d.SeenLimit
	}
	if c.SeenTrim <= 0 || c.SeenTrim > c.SeenLimit {
		c.SeenTrim = min(d.SeenTrim, c.SeenLimit)
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	return c
}

// Manager is the MessageManager.
type Manager struct {
	agents AgentResolver
	cfg    Config

	mu        sync.Mutex
	logs      map[string][]workflow.ChatMessage
	seen      map[string]struct{}
	seenOrder []string
	pending   []workflow.ChatMessage
	threads   map[int]string
}

// NewManager creates a message store resolving steps through agents.
func NewManager(agents AgentResolver, cfg Config) *Manager {
	return &Manager{
		agents:  agents,
		cfg:     cfg.withDefaults(),
		logs:    make(map[string][]workflow.ChatMessage),
		seen:    make(map[string]struct{}),
		threads: make(map[int]string),
	}
}

// AddMessage stores msg in the log of the routing key behind msg.StepIndex.
// With no steps loaded yet the message is queued for ProcessPendingMessages.
// Returns true when the message was stored, false when queued or a duplicate.
func (m *Manager) AddMessage(ctx context.Context, msg workflow.ChatMessage, steps []workflow.Step) bool {
	_, added := m.AddMessageFunc(ctx, msg, steps, nil)
	return added
}

// AddMessageFunc is AddMessage with an accept hook. accept runs under the
// store lock on the stored copy, only once msg is known not to be a
// duplicate, and never for a queued message. The stored copy is returned.
func (m *Manager) AddMessageFunc(ctx context.Context, msg workflow.ChatMessage, steps []workflow.Step, accept func(*workflow.ChatMessage)) (workflow.ChatMessage, bool) {
	if len(steps) == 0 {
		m.mu.Lock()
		m.pending = append(m.pending, msg)
		n := len(m.pending)
		m.mu.Unlock()
		log.Debug(log.CatMessages, "queued message until steps load", "pending", n, "workflow_id", msg.WorkflowID)
		return msg, false
	}

	if _, err := m.agents.AgentsForModule(ctx); err != nil {
		log.Warn(log.CatMessages, "adding message without agent catalog", "step", msg.StepIndex, "error", err)
	}
	return m.insert(m.keyForStep(msg.StepIndex, steps), msg, accept)
}

// AddMessageForRoutingKey stores msg directly under key. Used when the host
// has no step list at all (dashboard views).
func (m *Manager) AddMessageForRoutingKey(msg workflow.ChatMessage, key string) bool {
	_, added := m.insert(key, msg, nil)
	return added
}

// AddMessageForRoutingKeyFunc is AddMessageForRoutingKey with the accept
// hook of AddMessageFunc.
func (m *Manager) AddMessageForRoutingKeyFunc(msg workflow.ChatMessage, key string, accept func(*workflow.ChatMessage)) (workflow.ChatMessage, bool) {
	return m.insert(key, msg, accept)
}

// ProcessPendingMessages re-resolves every queued message against steps and
// runs it through AddMessage. Returns the number of messages stored.
func (m *Manager) ProcessPendingMessages(ctx context.Context, steps []workflow.Step) int {
	if len(steps) == 0 {
		return 0
	}

	m.mu.Lock()
	queued := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(queued) == 0 {
		return 0
	}
	if _, err := m.agents.AgentsForModule(ctx); err != nil {
		log.Warn(log.CatMessages, "replaying pending messages without agent catalog", "error", err)
	}

	added := 0
	for _, msg := range queued {
		msg.StepIndex = m.pendingStep(msg, steps)
		if m.AddMessage(ctx, msg, steps) {
			added++
		}
	}
	log.Info(log.CatMessages, "replayed pending messages", "queued", len(queued), "added", added)
	return added
}

// pendingStep derives the step of a message queued before steps existed:
// its embedded workflow ID, else the first agent-backed step, else 0.
func (m *Manager) pendingStep(msg workflow.ChatMessage, steps []workflow.Step) int {
	if msg.WorkflowID != "" {
		if i, ok := m.agents.StepIndexForRoutingKey(msg.WorkflowID, steps, -1); ok {
			return i
		}
	}
	if i, ok := m.agents.FirstAgentStep(steps); ok {
		return i
	}
	return 0
}

// GetMessagesForStep returns a copy of the log shown at stepIndex. It never
// loads agents: with a cold agent cache it returns nothing.
func (m *Manager) GetMessagesForStep(stepIndex int, steps []workflow.Step) []workflow.ChatMessage {
	if !m.agents.Warm() || !workflow.InRange(stepIndex, steps) {
		return nil
	}
	return m.MessagesForRoutingKey(m.keyForStep(stepIndex, steps))
}

// MessagesForRoutingKey returns a copy of one routing key's log.
func (m *Manager) MessagesForRoutingKey(key string) []workflow.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs[key])
}

// GetThreadID returns the last thread ID seen for stepIndex.
func (m *Manager) GetThreadID(stepIndex int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.threads[stepIndex]
	return id, ok
}

// PendingCount returns how many messages wait for steps.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Reset drops every log, the seen-set, queued messages and thread IDs.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = make(map[string][]workflow.ChatMessage)
	m.seen = make(map[string]struct{})
	m.seenOrder = nil
	m.pending = nil
	m.threads = make(map[int]string)
}

// keyForStep is the agent's routing key, or a per-step key for steps
// without a resolvable agent.
func (m *Manager) keyForStep(stepIndex int, steps []workflow.Step) string {
	if key, ok := m.agents.RoutingKeyForStep(stepIndex, steps); ok {
		return key
	}
	return fmt.Sprintf("step:%d", stepIndex)
}

func (m *Manager) insert(key string, msg workflow.ChatMessage, accept func(*workflow.ChatMessage)) (workflow.ChatMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seenKey := historyKey(msg, key)
	if msg.Historical {
		if _, dup := m.seen[seenKey]; dup || m.hasID(key, msg.ID) {
			log.Debug(log.CatMessages, "skipped replayed message", "routing_key", key, "id", msg.ID)
			return msg, false
		}
	} else if m.isLiveDuplicate(key, msg) {
		log.Debug(log.CatMessages, "skipped duplicate message", "routing_key", key, "id", msg.ID)
		return msg, false
	}
	// Live messages are remembered too so a later history replay of the
	// same turn is recognised.
	m.remember(seenKey)
	if accept != nil {
		accept(&msg)
	}

	entries := append(m.logs[key], msg)
	slices.SortStableFunc(entries, func(a, b workflow.ChatMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	m.logs[key] = entries

	if msg.ThreadID != "" {
		m.threads[msg.StepIndex] = msg.ThreadID
	}
	return msg, true
}

func (m *Manager) isLiveDuplicate(key string, msg workflow.ChatMessage) bool {
	if msg.ID != "" {
		return m.hasID(key, msg.ID)
	}
	for _, existing := range m.logs[key] {
		if existing.Text == msg.Text && absDuration(existing.Timestamp.Sub(msg.Timestamp)) < m.cfg.DuplicateWindow {
			return true
		}
	}
	return false
}

func (m *Manager) hasID(key, id string) bool {
	if id == "" {
		return false
	}
	for _, existing := range m.logs[key] {
		if existing.ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) remember(k string) {
	if _, ok := m.seen[k]; ok {
		return
	}
	m.seen[k] = struct{}{}
	m.seenOrder = append(m.seenOrder, k)
	if len(m.seenOrder) <= m.cfg.SeenLimit {
		return
	}
	keep := slices.Clone(m.seenOrder[len(m.seenOrder)-m.cfg.SeenTrim:])
	m.seen = make(map[string]struct{}, len(keep))
	for _, k := range keep {
		m.seen[k] = struct{}{}
	}
	m.seenOrder = keep
	log.Debug(log.CatMessages, "trimmed seen-set", "kept", len(keep))
}

// SeenCount returns the size of the seen-set.
func (m *Manager) SeenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// historyKey is (id ?? text)-timestamp-routingKey.
func historyKey(msg workflow.ChatMessage, key string) string {
	ident := msg.ID
	if ident == "" {
		ident = msg.Text
	}
	var b strings.Builder
	b.WriteString(ident)
	b.WriteByte('-')
	fmt.Fprintf(&b, "%d", msg.Timestamp.UnixMilli())
	b.WriteByte('-')
	b.WriteString(key)
	return b.String()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
