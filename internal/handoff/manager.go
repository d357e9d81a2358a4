// Package handoff detects agent-to-agent handoffs, refreshes the target
// agent's history and drives debounced step navigation. It also owns the
// per-step typing indicator and the timers that bound its lifetime.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/stepchat/internal/clock"
	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/tracing"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// ErrNoTargetStep is returned when a live handoff names no resolvable step.
var ErrNoTargetStep = errors.New("handoff target step not found")

// Default timings.
const (
	DefaultNavigationDebounce = 800 * time.Millisecond
	DefaultTypingExitDelay    = 1000 * time.Millisecond
	DefaultRefreshGrace       = 1500 * time.Millisecond
	DefaultRefreshTimeout     = 2000 * time.Millisecond
)

// AgentResolver is the subset of the agent manager used here.
type AgentResolver interface {
	StepIndexForRoutingKey(key string, steps []workflow.Step, activeStep int) (int, bool)
	RoutingKeyForStep(stepIndex int, steps []workflow.Step) (string, bool)
}

// Connections is the subset of the connection manager used here.
type Connections interface {
	IsRoutingKeyConnected(key string) bool
	RefreshThreadHistory(ctx context.Context, key string) (bool, error)
}

// Timings configures the manager's delays. Zero fields take the defaults.
type Timings struct {
	NavigationDebounce time.Duration
	TypingExitDelay    time.Duration
	RefreshGrace       time.Duration
	RefreshTimeout     time.Duration
}

func (t Timings) withDefaults() Timings {
	if t.NavigationDebounce <= 0 {
		t.NavigationDebounce = DefaultNavigationDebounce
	}
	if t.TypingExitDelay <= 0 {
		t.TypingExitDelay = DefaultTypingExitDelay
	}
	if t.RefreshGrace <= 0 {
		t.RefreshGrace = DefaultRefreshGrace
	}
	if t.RefreshTimeout <= 0 {
		t.RefreshTimeout = DefaultRefreshTimeout
	}
	return t
}

// Config holds the dependencies of a Manager.
type Config struct {
	Agents      AgentResolver
	Connections Connections
	// Navigate is the host's step-navigation callback.
	Navigate func(stepIndex int)
	// OnTypingChange, when set, is told about every typing transition.
	OnTypingChange func(stepIndex int, typing bool)
	// ManualNavigation leaves navigation to the host; handoffs only refresh.
	ManualNavigation bool
	Timings          Timings
	Clock            clock.Clock
	Tracer           trace.Tracer
}

// Outcome describes what HandleHandoff did.
type Outcome struct {
	Intent     workflow.HandoffIntent
	TargetStep int
	Refreshed  bool
	Navigating bool
}

// exitTimer is a pending typing exit. gen distinguishes it from a
// replacement scheduled for the same step.
type exitTimer struct {
	timer clock.Timer
	gen   uint64
}

// Manager is the HandoffManager.
type Manager struct {
	agents         AgentResolver
	conns          Connections
	navigate       func(int)
	onTypingChange func(int, bool)
	manualNav      bool
	timings        Timings
	clock          clock.Clock
	tracer         trace.Tracer

	mu        sync.Mutex
	typing    map[int]bool
	exits     map[int]exitTimer
	nav       clock.Timer
	navGen    uint64
	navTarget int
	gen       uint64
	closed    bool
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("handoff")
	}
	return &Manager{
		agents:         cfg.Agents,
		conns:          cfg.Connections,
		navigate:       cfg.Navigate,
		onTypingChange: cfg.OnTypingChange,
		manualNav:      cfg.ManualNavigation,
		timings:        cfg.Timings.withDefaults(),
		clock:          clock.OrReal(cfg.Clock),
		tracer:         tracer,
		typing:         make(map[int]bool),
		exits:          make(map[int]exitTimer),
	}
}

// SetTyping enters or leaves the typing state for a step. Either way any
// pending exit timer for the step is cancelled.
func (m *Manager) SetTyping(stepIndex int, typing bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.cancelExitLocked(stepIndex)
	changed := m.setTypingLocked(stepIndex, typing)
	m.mu.Unlock()

	if changed {
		m.notify(stepIndex, typing)
	}
}

// OnAgentMessage is called for every live agent reply on a step. A reply
// carrying activity means the work is done and typing ends at once;
// otherwise typing ends after the exit delay.
func (m *Manager) OnAgentMessage(stepIndex int, hasActivity bool) {
	if hasActivity {
		m.SetTyping(stepIndex, false)
		return
	}
	m.scheduleExit(stepIndex, m.timings.TypingExitDelay)
}

// HandleHandoff reacts to a handoff message. Historical handoffs are
// ignored. A live handoff refreshes the target's history and, when the
// target is not the active step, navigates there after the debounce.
func (m *Manager) HandleHandoff(ctx context.Context, msg workflow.ChatMessage, steps []workflow.Step, activeStep int) (Outcome, error) {
	intent, ok := workflow.ParseHandoffIntent(msg)
	if msg.Historical || msg.Type != workflow.MessageHandoff {
		return Outcome{Intent: intent}, nil
	}

	ctx, span := m.tracer.Start(ctx, tracing.SpanPrefixHandoff+"handle",
		trace.WithAttributes(
			attribute.String(tracing.AttrSourceRoutingKey, intent.SourceRoutingKey),
			attribute.String(tracing.AttrTargetRoutingKey, intent.TargetRoutingKey),
			attribute.Int(tracing.AttrActiveStep, activeStep),
		))
	defer span.End()

	if !ok {
		log.Warn(log.CatHandoff, "handoff without target", "workflow_id", msg.WorkflowID)
		span.SetStatus(codes.Error, ErrNoTargetStep.Error())
		return Outcome{}, fmt.Errorf("%w: payload names no target", ErrNoTargetStep)
	}

	target, found := m.agents.StepIndexForRoutingKey(intent.TargetRoutingKey, steps, activeStep)
	if !found {
		log.Warn(log.CatHandoff, "handoff target not mapped to a step", "target", intent.TargetRoutingKey)
		span.SetStatus(codes.Error, ErrNoTargetStep.Error())
		return Outcome{Intent: intent}, fmt.Errorf("%w: %s", ErrNoTargetStep, intent.TargetRoutingKey)
	}
	span.SetAttributes(attribute.Int(tracing.AttrTargetStep, target))

	out := Outcome{Intent: intent, TargetStep: target}
	out.Refreshed = m.RefreshHistory(ctx, target, intent.TargetRoutingKey)

	if target == activeStep {
		log.Debug(log.CatHandoff, "handoff to active step, not navigating", "step", target)
		span.SetAttributes(attribute.Bool(tracing.AttrNavigate, false))
		return out, nil
	}

	if m.manualNav {
		log.Debug(log.CatHandoff, "manual navigation, handoff not followed", "step", target)
		span.SetAttributes(attribute.Bool(tracing.AttrNavigate, false))
		return out, nil
	}

	out.Navigating = m.scheduleNavigation(target)
	span.SetAttributes(attribute.Bool(tracing.AttrNavigate, out.Navigating))
	log.Info(log.CatHandoff, "handoff", "from", intent.SourceRoutingKey, "to", intent.TargetRoutingKey, "step", target)
	return out, nil
}

// RefreshHistory puts the step into typing and asks the transport to replay
// the agent's thread. Typing ends after the grace delay on success, at once
// on failure, and after the refresh timeout when the agent isn't connected.
func (m *Manager) RefreshHistory(ctx context.Context, stepIndex int, routingKey string) bool {
	ctx, span := m.tracer.Start(ctx, tracing.SpanPrefixHandoff+"refresh_history",
		trace.WithAttributes(
			attribute.String(tracing.AttrRoutingKey, routingKey),
			attribute.Int(tracing.AttrStepIndex, stepIndex),
		))
	defer span.End()

	m.SetTyping(stepIndex, true)

	connected := m.conns != nil && m.conns.IsRoutingKeyConnected(routingKey)
	span.SetAttributes(attribute.Bool(tracing.AttrConnected, connected))
	if !connected {
		log.Debug(log.CatHandoff, "agent not connected, skipping history replay", "routing_key", routingKey)
		m.scheduleExit(stepIndex, m.timings.RefreshTimeout)
		return false
	}

	ok, err := m.conns.RefreshThreadHistory(ctx, routingKey)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("refresh rejected")
		}
		log.ErrorErr(log.CatHandoff, "history refresh failed", err, "routing_key", routingKey)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.SetTyping(stepIndex, false)
		return false
	}

	m.scheduleExit(stepIndex, m.timings.RefreshGrace)
	return true
}

// TypingStates returns the steps currently showing the typing indicator.
func (m *Manager) TypingStates() map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.typing)
}

// IsTyping reports whether a step shows the typing indicator.
func (m *Manager) IsTyping(stepIndex int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing[stepIndex]
}

// PendingNavigation returns the step a debounced navigation will move to.
func (m *Manager) PendingNavigation() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.navTarget, m.nav != nil
}

// Reset cancels all timers and clears typing state without closing.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopAllLocked()
	m.typing = make(map[int]bool)
}

// Close cancels every outstanding timer. Callbacks that were already
// running when Close was called become no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopAllLocked()
}

func (m *Manager) stopAllLocked() {
	for step := range m.exits {
		m.cancelExitLocked(step)
	}
	if m.nav != nil {
		m.nav.Stop()
		m.nav = nil
	}
}

func (m *Manager) scheduleExit(stepIndex int, after time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.typing[stepIndex] {
		return
	}
	m.cancelExitLocked(stepIndex)
	m.gen++
	gen := m.gen
	t := m.clock.AfterFunc(after, func() { m.fireExit(stepIndex, gen) })
	m.exits[stepIndex] = exitTimer{timer: t, gen: gen}
}

func (m *Manager) fireExit(stepIndex int, gen uint64) {
	m.mu.Lock()
	cur, ok := m.exits[stepIndex]
	if m.closed || !ok || cur.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.exits, stepIndex)
	changed := m.setTypingLocked(stepIndex, false)
	m.mu.Unlock()

	if changed {
		m.notify(stepIndex, false)
	}
}

func (m *Manager) cancelExitLocked(stepIndex int) {
	if t, ok := m.exits[stepIndex]; ok {
		t.timer.Stop()
		delete(m.exits, stepIndex)
	}
}

func (m *Manager) setTypingLocked(stepIndex int, typing bool) bool {
	if m.typing[stepIndex] == typing {
		return false
	}
	if typing {
		m.typing[stepIndex] = true
	} else {
		delete(m.typing, stepIndex)
	}
	return true
}

// scheduleNavigation replaces any pending navigation with one to target.
func (m *Manager) scheduleNavigation(target int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.navigate == nil {
		return false
	}
	if m.nav != nil {
		m.nav.Stop()
		log.Debug(log.CatHandoff, "replacing pending navigation", "from", m.navTarget, "to", target)
	}
	m.navGen++
	gen := m.navGen
	m.navTarget = target
	m.nav = m.clock.AfterFunc(m.timings.NavigationDebounce, func() { m.fireNavigation(gen) })
	return true
}

func (m *Manager) fireNavigation(gen uint64) {
	m.mu.Lock()
	if m.closed || m.nav == nil || m.navGen != gen {
		m.mu.Unlock()
		return
	}
	target := m.navTarget
	navigate := m.navigate
	m.nav = nil
	m.mu.Unlock()

	log.Debug(log.CatHandoff, "navigating after handoff", "step", target)
	navigate(target)
}

func (m *Manager) notify(stepIndex int, typing bool) {
	if m.onTypingChange != nil {
		m.onTypingChange(stepIndex, typing)
	}
}
