package transport

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// Sent records one outbound call made on a Memory transport.
type Sent struct {
	Kind       string // "chat" or "data"
	RoutingKey string
	Text       string
	Payload    map[string]any
}

type dataSub struct {
	id    string
	types []string
	fn    func(DataEvent)
}

// Memory is an in-process Transport. Tests and the replay command drive it
// with the Emit and SetStatus methods; handlers run synchronously on the
// emitting goroutine.
type Memory struct {
	Settings workflow.Settings

	// RefreshFunc overrides RefreshThreadHistory. By default a refresh
	// succeeds when the routing key is connected.
	RefreshFunc func(ctx context.Context, routingKey string) (bool, error)
	// SendErr, when set, fails every SendChat and SendData call.
	SendErr error

	mu         sync.Mutex
	nextID     int
	handlers   map[EventName]map[int]Handler
	handoffs   map[int]func(HandoffEvent)
	data       map[int]dataSub
	status     map[string]workflow.ConnectionStatus
	connected  []AgentDescriptor
	sent       []Sent
	refreshes  []string
	closed     bool
	autoStatus bool
}

// NewMemory returns an empty Memory transport.
func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[EventName]map[int]Handler),
		handoffs: make(map[int]func(HandoffEvent)),
		data:     make(map[int]dataSub),
		status:   make(map[string]workflow.ConnectionStatus),
	}
}

// MemoryFactory returns a Factory producing Memory transports and a way to
// read every transport it created.
func MemoryFactory(autoConnect bool) (Factory, func() []*Memory) {
	var (
		mu      sync.Mutex
		created []*Memory
	)
	factory := func(settings workflow.Settings) (Transport, error) {
		m := NewMemory()
		m.Settings = settings
		m.autoStatus = autoConnect
		mu.Lock()
		created = append(created, m)
		mu.Unlock()
		return m, nil
	}
	list := func() []*Memory {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(created)
	}
	return factory, list
}

// Connect records the descriptors. With auto-connect every routing key moves
// through connecting to connected.
func (m *Memory) Connect(ctx context.Context, agents []AgentDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.connected = append(m.connected, agents...)
	auto := m.autoStatus
	m.mu.Unlock()

	if auto {
		for _, a := range agents {
			m.SetStatus(a.RoutingKey, workflow.StatusConnecting, "")
			m.SetStatus(a.RoutingKey, workflow.StatusConnected, "")
		}
	}
	return nil
}

// On implements Transport.
func (m *Memory) On(name EventName, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	if m.handlers[name] == nil {
		m.handlers[name] = make(map[int]Handler)
	}
	m.handlers[name][id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[name], id)
	}
}

// SubscribeToHandoffs implements Transport.
func (m *Memory) SubscribeToHandoffs(h func(HandoffEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.handoffs[id] = h
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handoffs, id)
	}
}

// SubscribeToData implements Transport.
func (m *Memory) SubscribeToData(subscriberID string, messageTypes []string, h func(DataEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.data[id] = dataSub{id: subscriberID, types: slices.Clone(messageTypes), fn: h}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.data, id)
	}
}

// SendChat implements Transport.
func (m *Memory) SendChat(ctx context.Context, routingKey, text string) error {
	return m.record(ctx, Sent{Kind: "chat", RoutingKey: routingKey, Text: text})
}

// SendData implements Transport.
func (m *Memory) SendData(ctx context.Context, routingKey string, payload map[string]any) error {
	return m.record(ctx, Sent{Kind: "data", RoutingKey: routingKey, Payload: payload})
}

func (m *Memory) record(ctx context.Context, s Sent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, s)
	return nil
}

// RefreshThreadHistory implements Transport.
func (m *Memory) RefreshThreadHistory(ctx context.Context, routingKey string) (bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, ErrClosed
	}
	m.refreshes = append(m.refreshes, routingKey)
	fn := m.RefreshFunc
	connected := m.status[routingKey] == workflow.StatusConnected
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, routingKey)
	}
	return connected, nil
}

// ConnectionStateByRoutingKey implements Transport.
func (m *Memory) ConnectionStateByRoutingKey(routingKey string) workflow.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.status[routingKey]; ok {
		return s
	}
	return workflow.StatusDisconnected
}

// Close implements Transport. Handlers are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.handlers = make(map[EventName]map[int]Handler)
	m.handoffs = make(map[int]func(HandoffEvent))
	m.data = make(map[int]dataSub)
	return nil
}

// SetStatus changes the status of routingKey and emits a connection change.
func (m *Memory) SetStatus(routingKey string, status workflow.ConnectionStatus, errMsg string) {
	m.mu.Lock()
	m.status[routingKey] = status
	m.mu.Unlock()
	m.emit(Event{
		Name:       EventConnectionChange,
		WorkflowID: routingKey,
		Connection: &ConnectionChange{RoutingKey: routingKey, Status: status, Error: errMsg, At: time.Now()},
	})
}

// EmitMessage delivers msg on routingKey to message handlers.
func (m *Memory) EmitMessage(routingKey string, msg Message) {
	m.emit(Event{Name: EventMessage, WorkflowID: routingKey, Message: &msg})
}

// EmitError delivers err to error handlers.
func (m *Memory) EmitError(routingKey string, err error) {
	m.emit(Event{Name: EventError, WorkflowID: routingKey, Err: err})
}

// EmitHandoff delivers a handoff notice.
func (m *Memory) EmitHandoff(ev HandoffEvent) {
	m.mu.Lock()
	subs := make([]func(HandoffEvent), 0, len(m.handoffs))
	for _, h := range m.handoffs {
		subs = append(subs, h)
	}
	m.mu.Unlock()
	for _, h := range subs {
		h(ev)
	}
}

// EmitData delivers ev to data subscribers of its message type.
func (m *Memory) EmitData(ev DataEvent) {
	m.mu.Lock()
	var subs []func(DataEvent)
	for _, s := range m.data {
		if slices.Contains(s.types, ev.MessageType) {
			subs = append(subs, s.fn)
		}
	}
	m.mu.Unlock()
	for _, h := range subs {
		h(ev)
	}
}

func (m *Memory) emit(ev Event) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers[ev.Name]))
	for _, h := range m.handlers[ev.Name] {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	if len(hs) == 0 {
		log.Debug(log.CatTransport, "event without handlers", "event", ev.Name, "workflow_id", ev.WorkflowID)
	}
	for _, h := range hs {
		h(ev)
	}
}

// Sent returns the outbound calls made so far.
func (m *Memory) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

// Refreshes returns the routing keys passed to RefreshThreadHistory.
func (m *Memory) Refreshes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.refreshes)
}

// Connected returns the descriptors passed to Connect.
func (m *Memory) Connected() []AgentDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.connected)
}

// HandlerCount returns the number of live registrations of every kind.
func (m *Memory) HandlerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.handoffs) + len(m.data)
	for _, hs := range m.handlers {
		n += len(hs)
	}
	return n
}

// IsClosed reports whether Close was called.
func (m *Memory) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Memory) id() int {
	m.nextID++
	return m.nextID
}
