package replay

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/stepchat/internal/agents"
	"github.com/zjrosen/stepchat/internal/clock"
	"github.com/zjrosen/stepchat/internal/connection"
	"github.com/zjrosen/stepchat/internal/flags"
	"github.com/zjrosen/stepchat/internal/handoff"
	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/messages"
	"github.com/zjrosen/stepchat/internal/orchestrator"
	"github.com/zjrosen/stepchat/internal/transport"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// defaultModule names the module of scenarios that declare agents inline
// without a module slug.
const defaultModule = "replay"

// Options configure a run.
type Options struct {
	// Source provides agents when the scenario declares none.
	Source agents.Source
	// Settings are used when valid; otherwise placeholder credentials.
	Settings workflow.Settings
	Flags    *flags.Registry
	Timings  handoff.Timings
	Messages messages.Config
	Tracer   trace.Tracer
}

// Transcript is the conversation shown at one step, or for one agent in
// unrouted scenarios.
type Transcript struct {
	StepIndex  int
	Title      string
	RoutingKey string
	Messages   []workflow.ChatMessage
	Activity   []workflow.ActivityData
}

// Entry is one observed state change.
type Entry struct {
	At    time.Duration
	Event orchestrator.Event
}

// Result is what the host would have seen.
type Result struct {
	Name        string
	Steps       []workflow.Step
	ActiveStep  int
	Transcripts []Transcript
	Timeline    []Entry
	Navigations []int
	Typing      map[int]bool
	Connections map[int]workflow.ConnectionState
	Sent        []transport.Sent
	Pending     int
	// Failures are host actions that returned an error.
	Failures []string
	// Warnings are warn and error log entries raised during the run. They
	// are only collected while logging is initialized.
	Warnings []string
}

// Run plays sc to completion and returns the final state.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	module := sc.Module
	if module == "" {
		module = defaultModule
	}
	source := opts.Source
	if len(sc.Agents) > 0 {
		source = agents.NewStaticSource(map[string][]workflow.Agent{module: sc.Agents})
	}
	if source == nil {
		return nil, fmt.Errorf("scenario %q declares no agents and no catalog was given", sc.Name)
	}

	fc := clock.NewFake()
	start := fc.Now()
	factory, created := transport.MemoryFactory(true)
	res := &Result{Name: sc.Name}

	o, err := orchestrator.New(orchestrator.Config{
		Agents:   agents.NewManager(source, module),
		Factory:  factory,
		Mode:     initialMode(sc),
		Navigate: func(step int) { res.Navigations = append(res.Navigations, step) },
		Flags:    opts.Flags,
		Messages: opts.Messages,
		Timings:  opts.Timings,
		Clock:    fc,
		Tracer:   opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = o.Close() }()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := o.Subscribe(subCtx)
	logs := log.Subscribe(subCtx)
	drain := func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				res.Timeline = append(res.Timeline, Entry{At: ev.Timestamp.Sub(start), Event: ev.Payload})
			case le, ok := <-logs:
				if !ok {
					logs = nil
					continue
				}
				if le.Payload.Level >= log.LevelWarn {
					res.Warnings = append(res.Warnings, warningText(le.Payload))
				}
			default:
				return
			}
		}
	}

	settings := opts.Settings
	if !connection.HasValidSettings(settings) {
		settings = placeholderSettings()
	}
	if err := o.Start(ctx, settings); err != nil {
		return nil, fmt.Errorf("starting scenario: %w", err)
	}
	tr := created()[0]
	drain()

	r := &run{sc: sc, o: o, tr: tr, clock: fc, res: res}
	for _, ev := range sc.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if wait := ev.At - fc.Now().Sub(start); wait > 0 {
			fc.Advance(wait)
			drain()
		}
		r.apply(ctx, ev)
		drain()
	}
	fc.Advance(sc.Settle)
	drain()

	if err := collect(ctx, o, res); err != nil {
		return nil, err
	}
	res.Sent = tr.Sent()
	log.Info(log.CatReplay, "scenario finished", "name", sc.Name, "events", len(sc.Events), "navigations", len(res.Navigations))
	return res, nil
}

func warningText(e log.Entry) string {
	text := fmt.Sprintf("[%s] %s", e.Category, e.Message)
	for _, kv := range e.Fields {
		text += fmt.Sprintf(" %v=%v", kv[0], kv[1])
	}
	return text
}

func initialMode(sc *Scenario) workflow.Mode {
	switch {
	case sc.Unrouted:
		return workflow.UnroutedMode{}
	case sc.DeferSteps:
		return workflow.RoutedMode{ActiveStep: sc.ActiveStep}
	default:
		return workflow.RoutedMode{Steps: sc.Steps, ActiveStep: sc.ActiveStep}
	}
}

func placeholderSettings() workflow.Settings {
	return workflow.Settings{
		EndpointURL:   "memory://replay",
		AuthToken:     "replay",
		TenantID:      "replay",
		ParticipantID: "replay",
	}
}

type run struct {
	sc    *Scenario
	o     *orchestrator.Orchestrator
	tr    *transport.Memory
	clock *clock.Fake
	res   *Result
}

func (r *run) apply(ctx context.Context, ev Event) {
	now := r.clock.Now()
	switch ev.Kind {
	case KindMessage:
		dir := workflow.DirectionOutgoing
		if ev.FromUser {
			dir = workflow.DirectionIncoming
		}
		r.tr.EmitMessage(ev.RoutingKey, transport.Message{
			ID:         ev.ID,
			Text:       ev.Text,
			Type:       workflow.MessageChat,
			Direction:  dir,
			Timestamp:  now,
			ThreadID:   ev.ThreadID,
			Historical: ev.Historical,
			Data:       ev.Data,
		})

	case KindHandoff:
		data := maps.Clone(ev.Data)
		if data == nil {
			data = make(map[string]any)
		}
		if ev.Target != "" {
			data["targetWorkflowType"] = ev.Target
		}
		r.tr.EmitHandoff(transport.HandoffEvent{
			WorkflowID: ev.RoutingKey,
			Message: transport.Message{
				ID:         ev.ID,
				Text:       ev.Text,
				Type:       workflow.MessageHandoff,
				Direction:  workflow.DirectionOutgoing,
				Timestamp:  now,
				Historical: ev.Historical,
				Data:       data,
			},
		})

	case KindActivity:
		payload := maps.Clone(ev.Data)
		if payload == nil {
			payload = make(map[string]any)
		}
		if ev.ID != "" {
			payload["id"] = ev.ID
		}
		if ev.Text != "" {
			payload["summary"] = ev.Text
		}
		r.tr.EmitData(transport.DataEvent{
			WorkflowID:  ev.RoutingKey,
			MessageType: orchestrator.ActivityMessageType,
			Payload:     payload,
			Timestamp:   now,
		})

	case KindStatus:
		r.tr.SetStatus(ev.RoutingKey, workflow.ConnectionStatus(ev.Status), ev.Error)

	case KindError:
		msg := ev.Error
		if msg == "" {
			msg = "transport error"
		}
		r.tr.EmitError(ev.RoutingKey, errors.New(msg))

	case KindSend:
		if _, err := r.o.SendMessage(ctx, ev.Text, ev.Data, ev.Step); err != nil {
			r.res.Failures = append(r.res.Failures, fmt.Sprintf("send %q: %v", ev.Text, err))
		}

	case KindTyping:
		r.o.SetTypingIndicator(*ev.Step, ev.Typing)

	case KindLoadSteps:
		_, active := workflow.StepsOf(r.o.Mode())
		n := r.o.SetMode(ctx, workflow.RoutedMode{Steps: r.sc.Steps, ActiveStep: active})
		log.Debug(log.CatReplay, "steps loaded", "replayed", n)

	case KindActiveStep:
		r.o.SetActiveStep(*ev.Step)
	}
}

// collect snapshots the final host-visible state into res.
func collect(ctx context.Context, o *orchestrator.Orchestrator, res *Result) error {
	mode := o.Mode()
	steps, active := workflow.StepsOf(mode)
	res.Steps = steps
	res.ActiveStep = active
	res.Typing = o.TypingStates()
	res.Connections = o.ConnectionStates()
	res.Pending = o.PendingMessages()

	if _, unrouted := mode.(workflow.UnroutedMode); unrouted {
		list, err := o.Agents(ctx)
		if err != nil {
			return fmt.Errorf("listing agents: %w", err)
		}
		for _, a := range list {
			res.Transcripts = append(res.Transcripts, Transcript{
				Title:      a.Title,
				RoutingKey: a.RoutingKey,
				Messages:   o.MessagesForRoutingKey(a.RoutingKey),
			})
		}
		return nil
	}
	for i, s := range steps {
		key, _ := o.RoutingKeyForStep(i)
		res.Transcripts = append(res.Transcripts, Transcript{
			StepIndex:  i,
			Title:      s.Title,
			RoutingKey: key,
			Messages:   o.MessagesForStep(i),
			Activity:   o.PendingActivities(i),
		})
	}
	return nil
}
