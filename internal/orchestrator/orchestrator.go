// Package orchestrator wires transport events into the routing managers and
// exposes the host-facing API: sending, reading per-step conversations,
// typing and activity controls, and a stream of derived state changes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/stepchat/internal/activity"
	"github.com/zjrosen/stepchat/internal/agents"
	"github.com/zjrosen/stepchat/internal/clock"
	"github.com/zjrosen/stepchat/internal/connection"
	"github.com/zjrosen/stepchat/internal/flags"
	"github.com/zjrosen/stepchat/internal/handoff"
	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/messages"
	"github.com/zjrosen/stepchat/internal/pubsub"
	"github.com/zjrosen/stepchat/internal/tracing"
	"github.com/zjrosen/stepchat/internal/transport"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// ActivityMessageType is the data message type carrying activity notices.
const ActivityMessageType = "activity"

var (
	// ErrClosed is returned by calls on a closed Orchestrator.
	ErrClosed = errors.New("orchestrator closed")
	// ErrNoRoutingKey is returned when a send targets a step without an agent.
	ErrNoRoutingKey = errors.New("no agent for step")
)

// Config configures an Orchestrator.
type Config struct {
	// Agents resolves steps to agents. Required.
	Agents *agents.Manager
	// Factory creates the transport. Required.
	Factory transport.Factory
	// Mode is the initial presentation mode. Defaults to UnroutedMode.
	Mode workflow.Mode
	// Navigate is the host's step-navigation callback (optional).
	Navigate func(stepIndex int)

	// Flags toggles optional routing behavior; nil disables every flag.
	Flags *flags.Registry

	Messages messages.Config
	Timings  handoff.Timings
	Clock    clock.Clock
	Tracer   trace.Tracer
}

// Validate checks that all required fields are provided.
func (c *Config) Validate() error {
	if c.Agents == nil {
		return fmt.Errorf("Agents is required")
	}
	if c.Factory == nil {
		return fmt.Errorf("Factory is required")
	}
	return nil
}

// Orchestrator owns one instance of every manager and the transport
// subscriptions feeding them.
type Orchestrator struct {
	agents   *agents.Manager
	messages *messages.Manager
	conns    *connection.Manager
	activity *activity.Manager
	handoffs *handoff.Manager

	broker   *pubsub.Broker[Event]
	clock    clock.Clock
	tracer   trace.Tracer
	navigate func(int)
	subID    string
	strict   bool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	mode   workflow.Mode
	offs   []func()
	closed bool
}

// New creates an Orchestrator. Nothing is connected until Start.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	mode := cfg.Mode
	if mode == nil {
		mode = workflow.UnroutedMode{}
	}
	clk := clock.OrReal(cfg.Clock)
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		agents:   cfg.Agents,
		messages: messages.NewManager(cfg.Agents, cfg.Messages),
		activity: activity.NewManager(),
		broker:   pubsub.NewBroker[Event]().WithClock(clk.Now),
		clock:    clk,
		tracer:   tracer,
		navigate: cfg.Navigate,
		subID:    "stepchat-" + uuid.NewString(),
		strict:   cfg.Flags.Enabled(flags.FlagStrictRouting),
		ctx:      ctx,
		cancel:   cancel,
		mode:     mode,
	}
	o.conns = connection.NewManager(connection.Config{
		Factory: cfg.Factory,
		Steps:   cfg.Agents,
		Clock:   clk,
		Tracer:  tracer,
	})
	o.handoffs = handoff.NewManager(handoff.Config{
		Agents:           cfg.Agents,
		Connections:      o.conns,
		Navigate:         o.onNavigate,
		OnTypingChange:   o.onTypingChange,
		ManualNavigation: cfg.Flags.Enabled(flags.FlagManualNavigation),
		Timings:          cfg.Timings,
		Clock:            clk,
		Tracer:           tracer,
	})
	return o, nil
}

// Start initializes the transport for settings and connects every agent of
// the current module.
func (o *Orchestrator) Start(ctx context.Context, settings workflow.Settings) error {
	return o.ApplySettings(ctx, settings)
}

// ApplySettings re-initializes the transport when the credential hash
// changed. A new transport gets fresh subscriptions and a Connect call.
func (o *Orchestrator) ApplySettings(ctx context.Context, settings workflow.Settings) error {
	if o.isClosed() {
		return ErrClosed
	}
	ctx, span := o.tracer.Start(ctx, tracing.SpanPrefixOrch+"apply_settings")
	defer span.End()

	tr, created, err := o.conns.InitializeTransport(ctx, settings)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("initializing transport: %w", err)
	}
	span.SetAttributes(attribute.Bool(tracing.AttrReused, !created))
	if !created {
		return nil
	}

	o.subscribe(tr)
	if err := o.connectAgents(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) connectAgents(ctx context.Context, tr transport.Transport) error {
	list, err := o.agents.AgentsForModule(ctx)
	if err != nil {
		return fmt.Errorf("loading agents for %q: %w", o.agents.Module(), err)
	}
	if err := tr.Connect(ctx, transport.DescriptorsFor(list)); err != nil {
		return fmt.Errorf("connecting %d agents: %w", len(list), err)
	}
	log.Info(log.CatOrch, "connected agents", "module", o.agents.Module(), "count", len(list))
	return nil
}

// subscribe replaces every transport subscription with ones on tr.
func (o *Orchestrator) subscribe(tr transport.Transport) {
	offs := []func(){
		tr.On(transport.EventMessage, o.onMessage),
		tr.On(transport.EventConnectionChange, o.onConnectionChange),
		tr.On(transport.EventError, o.onError),
		tr.SubscribeToHandoffs(o.onHandoff),
		tr.SubscribeToData(o.subID, []string{ActivityMessageType}, o.onData),
	}

	o.mu.Lock()
	old := o.offs
	o.offs = offs
	o.mu.Unlock()

	for _, off := range old {
		off()
	}
}

// Mode returns the current presentation mode.
func (o *Orchestrator) Mode() workflow.Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// SetMode switches the presentation mode. When steps become available any
// messages queued while they were missing are replayed; the count is returned.
func (o *Orchestrator) SetMode(ctx context.Context, mode workflow.Mode) int {
	if mode == nil {
		mode = workflow.UnroutedMode{}
	}
	o.mu.Lock()
	o.mode = mode
	o.mu.Unlock()

	steps, active := workflow.StepsOf(mode)
	o.publish(Event{Kind: EventModeChanged, StepIndex: active})
	if len(steps) == 0 || o.messages.PendingCount() == 0 {
		return 0
	}
	return o.messages.ProcessPendingMessages(ctx, steps)
}

// SetActiveStep moves the active step of a routed mode.
func (o *Orchestrator) SetActiveStep(stepIndex int) {
	o.mu.Lock()
	r, ok := o.mode.(workflow.RoutedMode)
	if ok {
		r.ActiveStep = stepIndex
		o.mode = r
	}
	o.mu.Unlock()
}

// SetModule switches the agent catalog. On change every conversation,
// activity, typing and connection state is dropped and, with a live
// transport, the new module's agents are connected.
func (o *Orchestrator) SetModule(ctx context.Context, slug string) (bool, error) {
	if o.isClosed() {
		return false, ErrClosed
	}
	if !o.agents.SetModule(slug) {
		return false, nil
	}
	o.messages.Reset()
	o.activity.Reset()
	o.handoffs.Reset()
	o.conns.ResetStates()
	o.publish(Event{Kind: EventModuleChanged})
	log.Info(log.CatOrch, "module changed", "module", slug)

	tr, ok := o.conns.Transport()
	if !ok {
		return true, nil
	}
	return true, o.connectAgents(ctx, tr)
}

// SendMessage echoes text into the target step's log and sends it to that
// step's agent. With data the payload goes out through SendData. The step
// defaults to the active step, or step 0 without steps.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, data map[string]any, targetStep *int) (workflow.ChatMessage, error) {
	if o.isClosed() {
		return workflow.ChatMessage{}, ErrClosed
	}
	ctx, span := o.tracer.Start(ctx, tracing.SpanPrefixOrch+"send_message")
	defer span.End()

	tr, ok := o.conns.Transport()
	if !ok {
		return workflow.ChatMessage{}, connection.ErrTransportNotInitialized
	}

	mode := o.Mode()
	steps, step := workflow.StepsOf(mode)
	if targetStep != nil {
		step = *targetStep
	}
	key, ok := o.routingKeyFor(ctx, step, steps)
	if !ok {
		span.SetStatus(codes.Error, ErrNoRoutingKey.Error())
		return workflow.ChatMessage{}, fmt.Errorf("%w: step %d", ErrNoRoutingKey, step)
	}
	span.SetAttributes(
		attribute.String(tracing.AttrRoutingKey, key),
		attribute.Int(tracing.AttrStepIndex, step),
	)

	msg := workflow.ChatMessage{
		ID:         uuid.NewString(),
		Text:       text,
		Direction:  workflow.DirectionIncoming,
		Type:       workflow.MessageChat,
		Timestamp:  o.clock.Now(),
		StepIndex:  step,
		WorkflowID: key,
		Data:       data,
	}
	if thread, ok := o.messages.GetThreadID(step); ok {
		msg.ThreadID = thread
	}

	o.store(ctx, mode, msg, nil)
	o.handoffs.SetTyping(step, true)

	var err error
	if data != nil {
		payload := maps.Clone(data)
		payload["text"] = text
		if msg.ThreadID != "" {
			payload["threadId"] = msg.ThreadID
		}
		err = tr.SendData(ctx, key, payload)
	} else {
		err = tr.SendChat(ctx, key, text)
	}
	if err != nil {
		o.handoffs.SetTyping(step, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr(log.CatOrch, "send failed", err, "routing_key", key, "step", step)
		return msg, fmt.Errorf("sending to %s: %w", key, err)
	}
	return msg, nil
}

// routingKeyFor returns the agent routing key of step. Without steps the
// module's first agent is used.
func (o *Orchestrator) routingKeyFor(ctx context.Context, step int, steps []workflow.Step) (string, bool) {
	if len(steps) > 0 {
		return o.agents.RoutingKeyForStep(step, steps)
	}
	list, err := o.agents.AgentsForModule(ctx)
	if err != nil || len(list) == 0 {
		return "", false
	}
	return list[0].RoutingKey, true
}

// Agents returns the agents of the current module.
func (o *Orchestrator) Agents(ctx context.Context) ([]workflow.Agent, error) {
	return o.agents.AgentsForModule(ctx)
}

// RoutingKeyForStep returns the routing key a step addresses under the
// current mode.
func (o *Orchestrator) RoutingKeyForStep(stepIndex int) (string, bool) {
	steps, _ := workflow.StepsOf(o.Mode())
	return o.agents.RoutingKeyForStep(stepIndex, steps)
}

// MessagesForStep returns the conversation shown at stepIndex.
func (o *Orchestrator) MessagesForStep(stepIndex int) []workflow.ChatMessage {
	steps, _ := workflow.StepsOf(o.Mode())
	return o.messages.GetMessagesForStep(stepIndex, steps)
}

// MessagesForRoutingKey returns one agent's conversation. Dashboard views
// without steps read conversations this way.
func (o *Orchestrator) MessagesForRoutingKey(key string) []workflow.ChatMessage {
	return o.messages.MessagesForRoutingKey(key)
}

// PendingMessages returns how many messages wait for a step list.
func (o *Orchestrator) PendingMessages() int { return o.messages.PendingCount() }

// SetTypingIndicator shows or hides the typing indicator of a step.
func (o *Orchestrator) SetTypingIndicator(stepIndex int, typing bool) {
	o.handoffs.SetTyping(stepIndex, typing)
}

// AddActivity buffers an activity notice for the step's next agent reply.
func (o *Orchestrator) AddActivity(stepIndex int, entry workflow.ActivityData) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = o.clock.Now()
	}
	o.activity.AddActivityLog(stepIndex, entry)
	o.publish(Event{Kind: EventActivityChanged, StepIndex: stepIndex})
}

// ClearActivity drops the buffered activity of a step.
func (o *Orchestrator) ClearActivity(stepIndex int) {
	o.activity.ClearActivityLogs(stepIndex)
	o.publish(Event{Kind: EventActivityChanged, StepIndex: stepIndex})
}

// PendingActivities returns the activity buffered for a step.
func (o *Orchestrator) PendingActivities(stepIndex int) []workflow.ActivityData {
	return o.activity.PendingActivities(stepIndex)
}

// ConnectionStates returns the per-step connection states.
func (o *Orchestrator) ConnectionStates() map[int]workflow.ConnectionState {
	return o.conns.ConnectionStates()
}

// IsConnected reports whether any agent is connected.
func (o *Orchestrator) IsConnected() bool { return o.conns.IsConnected() }

// TypingStates returns the steps showing the typing indicator.
func (o *Orchestrator) TypingStates() map[int]bool { return o.handoffs.TypingStates() }

// LastError returns the latest connection-level error.
func (o *Orchestrator) LastError() error { return o.conns.LastError() }

// Subscribe streams state changes until ctx is done or the Orchestrator closes.
func (o *Orchestrator) Subscribe(ctx context.Context, types ...pubsub.EventType) <-chan pubsub.Event[Event] {
	return o.broker.Subscribe(ctx, types...)
}

// Close unsubscribes from the transport, cancels every timer and closes the
// transport. It is safe to call more than once.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	offs := o.offs
	o.offs = nil
	o.mu.Unlock()

	for _, off := range offs {
		off()
	}
	o.cancel()
	o.handoffs.Close()
	err := o.conns.Close()
	o.broker.Close()
	log.Info(log.CatOrch, "orchestrator closed")
	return err
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

func (o *Orchestrator) publish(ev Event) {
	o.broker.Publish(ev.eventType(), ev)
}
