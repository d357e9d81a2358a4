// Package connection owns the process-wide transport and projects its
// connection events onto per-step state.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/stepchat/internal/clock"
	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/tracing"
	"github.com/zjrosen/stepchat/internal/transport"
	"github.com/zjrosen/stepchat/internal/workflow"
)

var (
	// ErrInvalidSettings is returned when a required credential is missing.
	ErrInvalidSettings = errors.New("invalid transport settings")
	// ErrTransportNotInitialized is returned by calls that need a transport before one exists.
	ErrTransportNotInitialized = errors.New("transport not initialized")
)

// StepResolver maps a routing key to the steps it backs.
type StepResolver interface {
	StepsForRoutingKey(key string, steps []workflow.Step) []int
}

// Config holds the dependencies of a Manager.
type Config struct {
	// Factory creates the transport. Required.
	Factory transport.Factory
	// Steps resolves routing keys to steps. Required.
	Steps StepResolver
	// Clock stamps states without an event time. Defaults to clock.Real.
	Clock clock.Clock
	// Tracer defaults to a no-op tracer.
	Tracer trace.Tracer
}

// Manager is the ConnectionManager. Its state is a pure projection of the
// events it is given: transitions are not validated.
type Manager struct {
	factory transport.Factory
	steps   StepResolver
	clock   clock.Clock
	tracer  trace.Tracer

	mu      sync.RWMutex
	tr      transport.Transport
	hash    string
	states  map[int]workflow.ConnectionState
	global  map[string]workflow.ConnectionState
	lastErr error
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("connection")
	}
	return &Manager{
		factory: cfg.Factory,
		steps:   cfg.Steps,
		clock:   clock.OrReal(cfg.Clock),
		tracer:  tracer,
		states:  make(map[int]workflow.ConnectionState),
		global:  make(map[string]workflow.ConnectionState),
	}
}

// InitializeTransport returns the shared transport, creating it on first use
// or when the credential hash changed. created reports whether a new
// transport was made, in which case callers must re-register handlers.
func (m *Manager) InitializeTransport(ctx context.Context, settings workflow.Settings) (tr transport.Transport, created bool, err error) {
	_, span := m.tracer.Start(ctx, tracing.SpanPrefixConn+"initialize")
	defer span.End()

	if !HasValidSettings(settings) {
		span.SetStatus(codes.Error, ErrInvalidSettings.Error())
		return nil, false, ErrInvalidSettings
	}
	hash := CalculateSettingsHash(settings)
	span.SetAttributes(attribute.String(tracing.AttrSettingsHash, hash[:8]))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tr != nil && m.hash == hash {
		span.SetAttributes(attribute.Bool(tracing.AttrReused, true))
		return m.tr, false, nil
	}

	if m.factory == nil {
		return nil, false, fmt.Errorf("%w: no transport factory", ErrTransportNotInitialized)
	}
	next, err := m.factory(settings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("creating transport: %w", err)
	}

	if m.tr != nil {
		log.Info(log.CatConn, "settings changed, replacing transport")
		if cerr := m.tr.Close(); cerr != nil {
			log.ErrorErr(log.CatConn, "closing previous transport", cerr)
		}
		m.states = make(map[int]workflow.ConnectionState)
		m.global = make(map[string]workflow.ConnectionState)
	}
	m.tr = next
	m.hash = hash
	m.lastErr = nil
	log.Info(log.CatConn, "transport initialized", "settings", settings.String())
	return next, true, nil
}

// Transport returns the current transport.
func (m *Manager) Transport() (transport.Transport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tr, m.tr != nil
}

// SettingsHash returns the hash of the settings the transport was built with.
func (m *Manager) SettingsHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hash
}

// HandleConnectionChange records ev. With steps, every step backed by the
// routing key gets the new state. Without steps, state is kept per routing
// key and mirrored into a synthetic step 0.
func (m *Manager) HandleConnectionChange(ev transport.ConnectionChange, steps []workflow.Step, hasSteps bool) {
	at := ev.At
	if at.IsZero() {
		at = m.clock.Now()
	}
	state := workflow.ConnectionState{
		Status:       ev.Status,
		RoutingKey:   ev.RoutingKey,
		LastActivity: at,
		LastError:    ev.Error,
	}

	var indices []int
	if hasSteps && len(steps) > 0 {
		indices = m.steps.StepsForRoutingKey(ev.RoutingKey, steps)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Status == workflow.StatusError {
		msg := ev.Error
		if msg == "" {
			msg = "connection error"
		}
		m.lastErr = fmt.Errorf("%s: %s", ev.RoutingKey, msg)
	}

	if hasSteps && len(steps) > 0 {
		if len(indices) == 0 {
			log.Debug(log.CatConn, "connection change for unmapped routing key", "routing_key", ev.RoutingKey, "status", ev.Status)
		}
		for _, i := range indices {
			s := state
			s.StepIndex = i
			m.states[i] = s
		}
		return
	}

	if ev.Status == workflow.StatusDisconnected {
		delete(m.global, ev.RoutingKey)
	} else {
		m.global[ev.RoutingKey] = state
	}
	m.mirrorGlobal(state)
}

// mirrorGlobal projects the per-routing-key states onto step 0. A connected
// key wins; when the last state is a disconnect the entry is removed.
func (m *Manager) mirrorGlobal(latest workflow.ConnectionState) {
	if latest.Status == workflow.StatusConnected {
		latest.StepIndex = 0
		m.states[0] = latest
		return
	}
	for _, s := range m.global {
		if s.Connected() {
			s.StepIndex = 0
			m.states[0] = s
			return
		}
	}
	if latest.Status == workflow.StatusDisconnected {
		delete(m.states, 0)
		return
	}
	latest.StepIndex = 0
	m.states[0] = latest
}

// ConnectionStates returns a copy of every per-step state.
func (m *Manager) ConnectionStates() map[int]workflow.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]workflow.ConnectionState, len(m.states))
	for k, v := range m.states {
		out[k] = v
	}
	return out
}

// StateForStep returns the state of one step.
func (m *Manager) StateForStep(stepIndex int) (workflow.ConnectionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[stepIndex]
	return s, ok
}

// IsConnected reports whether any step or routing key is connected.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.states {
		if s.Connected() {
			return true
		}
	}
	for _, s := range m.global {
		if s.Connected() {
			return true
		}
	}
	return false
}

// IsRoutingKeyConnected asks the transport for the live status of key.
func (m *Manager) IsRoutingKeyConnected(key string) bool {
	tr, ok := m.Transport()
	if !ok {
		return false
	}
	return tr.ConnectionStateByRoutingKey(key) == workflow.StatusConnected
}

// RefreshThreadHistory requests a history replay for key on the shared transport.
func (m *Manager) RefreshThreadHistory(ctx context.Context, key string) (bool, error) {
	tr, ok := m.Transport()
	if !ok {
		return false, ErrTransportNotInitialized
	}
	return tr.RefreshThreadHistory(ctx, key)
}

// LastError returns the most recent connection error, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// ResetStates forgets every per-step and per-routing-key state.
func (m *Manager) ResetStates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[int]workflow.ConnectionState)
	m.global = make(map[string]workflow.ConnectionState)
}

// Close closes the transport and forgets all state.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.tr != nil {
		err = m.tr.Close()
	}
	m.tr = nil
	m.hash = ""
	m.states = make(map[int]workflow.ConnectionState)
	m.global = make(map[string]workflow.ConnectionState)
	return err
}
