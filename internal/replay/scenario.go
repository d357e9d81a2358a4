// Package replay runs scripted transport sessions through the routing core.
// A scenario names a module, its steps and a timeline of transport events;
// the runner drives them through an in-memory transport on a fake clock and
// reports what the host would have seen.
package replay

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/stepchat/internal/workflow"
)

// EventKind names a scripted action.
type EventKind string

const (
	// Transport-originated
	KindMessage  EventKind = "message"
	KindHandoff  EventKind = "handoff"
	KindActivity EventKind = "activity"
	KindStatus   EventKind = "status"
	KindError    EventKind = "error"

	// Host-originated
	KindSend       EventKind = "send"
	KindTyping     EventKind = "typing"
	KindLoadSteps  EventKind = "load_steps"
	KindActiveStep EventKind = "active_step"
)

var validKinds = []EventKind{
	KindMessage, KindHandoff, KindActivity, KindStatus, KindError,
	KindSend, KindTyping, KindLoadSteps, KindActiveStep,
}

// Scenario is a replay script.
//
//	module: contracts
//	agents:
//	  - {id: intake, workflow_type: intake}
//	steps:
//	  - {slug: intake, title: Intake, agent: intake}
//	events:
//	  - {at: 0s, kind: message, routing_key: intake, text: Hello}
type Scenario struct {
	Name   string `yaml:"name"`
	Module string `yaml:"module"`
	// Agents, when set, replace the configured catalog.
	Agents []workflow.Agent `yaml:"agents"`
	Steps  []workflow.Step  `yaml:"steps"`
	// Unrouted runs the scenario as a dashboard view without steps.
	Unrouted   bool `yaml:"unrouted"`
	ActiveStep int  `yaml:"active_step"`
	// DeferSteps starts with no steps until a load_steps event.
	DeferSteps bool `yaml:"defer_steps"`
	// Settle is how long to run timers after the last event. Default: 5s
	Settle time.Duration `yaml:"settle"`
	Events []Event       `yaml:"events"`
}

// Event is one scripted action at offset At from the scenario start.
type Event struct {
	At         time.Duration  `yaml:"at"`
	Kind       EventKind      `yaml:"kind"`
	RoutingKey string         `yaml:"routing_key"`
	ID         string         `yaml:"id"`
	Text       string         `yaml:"text"`
	ThreadID   string         `yaml:"thread_id"`
	Historical bool           `yaml:"historical"`
	FromUser   bool           `yaml:"from_user"`
	Status     string         `yaml:"status"`
	Error      string         `yaml:"error"`
	Step       *int           `yaml:"step"`
	Typing     bool           `yaml:"typing"`
	Data       map[string]any `yaml:"data"`
	// Target is shorthand for data.targetWorkflowType on handoff events.
	Target string `yaml:"target"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: scenario path is a CLI argument
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario. Events are ordered by At, keeping
// file order for equal offsets.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(sc.Events, func(a, b Event) int {
		return cmp.Compare(a.At, b.At)
	})
	if sc.Settle <= 0 {
		sc.Settle = 5 * time.Second
	}
	return &sc, nil
}

// Validate checks the scenario for errors.
func (sc *Scenario) Validate() error {
	if sc.Module == "" && len(sc.Agents) == 0 {
		return fmt.Errorf("scenario: module or agents is required")
	}
	if sc.Unrouted && len(sc.Steps) > 0 {
		return fmt.Errorf("scenario: unrouted scenarios cannot declare steps")
	}
	if !sc.Unrouted && len(sc.Steps) > 0 && !workflow.InRange(sc.ActiveStep, sc.Steps) {
		return fmt.Errorf("scenario: active_step %d out of range", sc.ActiveStep)
	}
	for i, ev := range sc.Events {
		if !slices.Contains(validKinds, ev.Kind) {
			return fmt.Errorf("event %d: unknown kind %q", i, ev.Kind)
		}
		if ev.At < 0 {
			return fmt.Errorf("event %d: at must not be negative", i)
		}
		switch ev.Kind {
		case KindMessage, KindHandoff, KindActivity, KindStatus, KindError:
			if ev.RoutingKey == "" {
				return fmt.Errorf("event %d (%s): routing_key is required", i, ev.Kind)
			}
		case KindLoadSteps:
			if !sc.DeferSteps {
				return fmt.Errorf("event %d: load_steps needs defer_steps", i)
			}
		case KindTyping, KindActiveStep:
			if ev.Step == nil {
				return fmt.Errorf("event %d (%s): step is required", i, ev.Kind)
			}
		}
		if ev.Kind == KindStatus {
			switch workflow.ConnectionStatus(ev.Status) {
			case workflow.StatusConnecting, workflow.StatusConnected, workflow.StatusDisconnected, workflow.StatusError:
			default:
				return fmt.Errorf("event %d: unknown status %q", i, ev.Status)
			}
		}
	}
	return nil
}
