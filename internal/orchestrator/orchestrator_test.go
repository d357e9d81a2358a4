package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stepchat/internal/agents"
	"github.com/zjrosen/stepchat/internal/clock"
	"github.com/zjrosen/stepchat/internal/connection"
	"github.com/zjrosen/stepchat/internal/flags"
	"github.com/zjrosen/stepchat/internal/handoff"
	"github.com/zjrosen/stepchat/internal/pubsub"
	"github.com/zjrosen/stepchat/internal/transport"
	"github.com/zjrosen/stepchat/internal/workflow"
)

var contractSteps = []workflow.Step{
	{Slug: "intake", Title: "Intake", AgentRef: "intake"},
	{Slug: "draft", Title: "Draft", AgentRef: "drafter"},
	{Slug: "review", Title: "Review"},
}

func testSettings() workflow.Settings {
	return workflow.Settings{
		EndpointURL:   "wss://agents.example.test",
		AuthToken:     "tok",
		TenantID:      "tenant-1",
		ParticipantID: "user-9",
	}
}

type harness struct {
	o       *Orchestrator
	clock   *clock.Fake
	created func() []*transport.Memory
	source  *agents.StaticSource

	mu   sync.Mutex
	navs []int
}

func (h *harness) tr() *transport.Memory {
	list := h.created()
	return list[len(list)-1]
}

func (h *harness) navigations() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.navs...)
}

func newHarness(t *testing.T, mode workflow.Mode) *harness {
	t.Helper()
	return newHarnessWithFlags(t, mode, nil)
}

func newHarnessWithFlags(t *testing.T, mode workflow.Mode, reg *flags.Registry) *harness {
	t.Helper()
	h := &harness{
		clock: clock.NewFake(),
		source: agents.NewStaticSource(map[string][]workflow.Agent{
			"contracts": {
				{ID: "intake", RoutingKey: "intake", Title: "Intake"},
				{ID: "drafter", RoutingKey: "drafting", Title: "Drafter"},
			},
			"leases": {
				{ID: "lease", RoutingKey: "lease-review"},
			},
		}),
	}
	var factory transport.Factory
	factory, h.created = transport.MemoryFactory(true)

	o, err := New(Config{
		Agents:  agents.NewManager(h.source, "contracts"),
		Factory: factory,
		Mode:    mode,
		Navigate: func(step int) {
			h.mu.Lock()
			h.navs = append(h.navs, step)
			h.mu.Unlock()
		},
		Clock: h.clock,
		Flags: reg,
	})
	require.NoError(t, err)
	h.o = o
	t.Cleanup(func() { _ = o.Close() })
	return h
}

func startedHarness(t *testing.T, mode workflow.Mode) *harness {
	t.Helper()
	h := newHarness(t, mode)
	require.NoError(t, h.o.Start(context.Background(), testSettings()))
	return h
}

func texts(msgs []workflow.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	require.ErrorContains(t, err, "Agents is required")

	_, err = New(Config{Agents: agents.NewManager(agents.NewStaticSource(nil), "x")})
	require.ErrorContains(t, err, "Factory is required")
}

func TestStart_ConnectsModuleAgents(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps})

	connected := h.tr().Connected()
	require.Len(t, connected, 2)
	require.Equal(t, "drafting", connected[1].RoutingKey)
	require.Equal(t, 5, h.tr().HandlerCount())

	states := h.o.ConnectionStates()
	require.Equal(t, workflow.StatusConnected, states[0].Status)
	require.Equal(t, workflow.StatusConnected, states[1].Status)
	require.True(t, h.o.IsConnected())
}

func TestStart_InvalidSettings(t *testing.T) {
	h := newHarness(t, workflow.UnroutedMode{})
	err := h.o.Start(context.Background(), workflow.Settings{EndpointURL: ""})
	require.ErrorIs(t, err, connection.ErrInvalidSettings)
	require.Empty(t, h.created())
}

func TestMessageRoutesToAgentStep(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps, ActiveStep: 0})

	h.tr().EmitMessage("drafting", transport.Message{ID: "m1", Text: "hi"})

	require.Equal(t, []string{"hi"}, texts(h.o.MessagesForStep(1)))
	require.Empty(t, h.o.MessagesForStep(0))
	require.Empty(t, h.o.MessagesForStep(2), "step without agent has its own empty log")
}

func TestUnmappedKeyFallsBackToStepZero(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps, ActiveStep: 1})

	h.tr().EmitMessage("billing", transport.Message{ID: "m1", Text: "stray"})

	require.Equal(t, []string{"stray"}, texts(h.o.MessagesForStep(0)))
}

func TestStrictRoutingDropsUnmappedKeys(t *testing.T) {
	h := newHarnessWithFlags(t, workflow.RoutedMode{Steps: contractSteps, ActiveStep: 1},
		flags.New(map[string]bool{flags.FlagStrictRouting: true}))
	require.NoError(t, h.o.Start(context.Background(), testSettings()))

	h.tr().EmitMessage("billing", transport.Message{ID: "m1", Text: "stray"})
	h.tr().EmitData(transport.DataEvent{
		WorkflowID:  "billing",
		MessageType: ActivityMessageType,
		Payload:     map[string]any{"id": "a1", "summary": "stray work"},
	})
	h.tr().EmitMessage("drafting", transport.Message{ID: "m2", Text: "kept"})

	require.Empty(t, h.o.MessagesForStep(0))
	require.Empty(t, h.o.PendingActivities(0))
	require.Equal(t, []string{"kept"}, texts(h.o.MessagesForStep(1)))
}

func TestStrictRoutingStillQueuesBeforeStepsLoad(t *testing.T) {
	h := newHarnessWithFlags(t, workflow.RoutedMode{},
		flags.New(map[string]bool{flags.FlagStrictRouting: true}))
	require.NoError(t, h.o.Start(context.Background(), testSettings()))

	h.tr().EmitMessage("drafting", transport.Message{ID: "h1", Text: "early", Historical: true})
	require.Equal(t, 1, h.o.PendingMessages())
}

func TestPendingMessagesReplayWhenStepsLoad(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{})
	at := h.clock.Now()

	h.tr().EmitMessage("drafting", transport.Message{ID: "h1", Text: "earlier", Timestamp: at, Historical: true})
	h.tr().EmitMessage("intake", transport.Message{ID: "h2", Text: "welcome", Timestamp: at, Historical: true})
	require.Equal(t, 2, h.o.PendingMessages())

	added := h.o.SetMode(context.Background(), workflow.RoutedMode{Steps: contractSteps})
	require.Equal(t, 2, added)
	require.Zero(t, h.o.PendingMessages())
	require.Equal(t, []string{"earlier"}, texts(h.o.MessagesForStep(1)))
	require.Equal(t, []string{"welcome"}, texts(h.o.MessagesForStep(0)))

	h.tr().EmitMessage("drafting", transport.Message{ID: "h1", Text: "earlier", Timestamp: at, Historical: true})
	require.Len(t, h.o.MessagesForStep(1), 1, "replayed history is deduplicated")
}

func TestActivityAttachesToNextReplyOnly(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps})

	h.o.AddActivity(1, workflow.ActivityData{Summary: "Reading clauses"})
	h.tr().EmitData(transport.DataEvent{
		WorkflowID:  "drafting",
		MessageType: ActivityMessageType,
		Payload:     map[string]any{"id": "a2", "summary": "Checking precedent", "success": true},
	})
	require.Len(t, h.o.PendingActivities(1), 2)

	h.tr().EmitMessage("drafting", transport.Message{ID: "r1", Text: "first draft"})
	h.tr().EmitMessage("drafting", transport.Message{ID: "r2", Text: "second thought"})

	msgs := h.o.MessagesForStep(1)
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].ActivityLog, 2)
	require.Equal(t, "a2", msgs[0].ActivityLog[1].ID)
	require.NotNil(t, msgs[0].ActivityLog[1].Success)
	require.Empty(t, msgs[1].ActivityLog)
	require.Empty(t, h.o.PendingActivities(1))
}

func TestDuplicateReplyLeavesActivityBuffered(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps, ActiveStep: 1})
	first := transport.Message{ID: "r1", Text: "first draft", Timestamp: h.clock.Now()}

	h.tr().EmitMessage("drafting", first)
	h.o.AddActivity(1, workflow.ActivityData{Summary: "Checking precedent"})
	h.o.SetTypingIndicator(1, true)

	h.tr().EmitMessage("drafting", first)
	require.Len(t, h.o.PendingActivities(1), 1, "duplicate does not consume activity")
	h.clock.Advance(handoff.DefaultTypingExitDelay)
	require.True(t, h.o.TypingStates()[1], "duplicate does not schedule a typing exit")

	h.tr().EmitMessage("drafting", transport.Message{ID: "r2", Text: "revised draft"})
	msgs := h.o.MessagesForStep(1)
	require.Equal(t, []string{"first draft", "revised draft"}, texts(msgs))
	require.Empty(t, msgs[0].ActivityLog)
	require.Len(t, msgs[1].ActivityLog, 1)
	require.Empty(t, h.o.PendingActivities(1))
	require.False(t, h.o.TypingStates()[1])
}

func TestColdAgentCacheLoadsBeforeRouting(t *testing.T) {
	var loads atomic.Int32
	src := agents.SourceFunc(func(_ context.Context, _ string) ([]workflow.Agent, error) {
		if loads.Add(1) == 1 {
			return nil, errors.New("catalog unavailable")
		}
		return []workflow.Agent{
			{ID: "intake", RoutingKey: "intake"},
			{ID: "drafter", RoutingKey: "drafting"},
		}, nil
	})
	factory, created := transport.MemoryFactory(true)
	o, err := New(Config{
		Agents:  agents.NewManager(src, "contracts"),
		Factory: factory,
		Mode:    workflow.RoutedMode{Steps: contractSteps},
		Clock:   clock.NewFake(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	require.Error(t, o.Start(context.Background(), testSettings()), "first catalog load fails")
	tr := created()[0]

	tr.EmitMessage("drafting", transport.Message{ID: "m1", Text: "draft ready"})

	require.Empty(t, o.MessagesForStep(0))
	require.Equal(t, []string{"draft ready"}, texts(o.MessagesForStep(1)))
}

func TestActivityNotTakenByUserEcho(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps, ActiveStep: 1})
	h.o.AddActivity(1, workflow.ActivityData{Summary: "working"})

	_, err := h.o.SendMessage(context.Background(), "please revise", nil, nil)
	require.NoError(t, err)
	require.Len(t, h.o.PendingActivities(1), 1)

	h.o.ClearActivity(1)
	require.Empty(t, h.o.PendingActivities(1))
}

func TestHandoffNavigatesAfterDebounce(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps, ActiveStep: 0})
	ev := transport.HandoffEvent{
		WorkflowID: "intake",
		Message: transport.Message{
			ID:   "ho-1",
			Text: "Passing you to drafting",
			Data: map[string]any{"metadata": map[string]any{"targetWorkflowType": "drafting"}},
		},
	}

	h.tr().EmitHandoff(ev)
	h.tr().EmitHandoff(ev)
	require.Equal(t, []string{"drafting", "drafting"}, h.tr().Refreshes())
	require.True(t, h.o.TypingStates()[1])

	h.clock.Advance(handoff.DefaultNavigationDebounce)
	require.Equal(t, []int{1}, h.navigations())
	_, active := workflow.StepsOf(h.o.Mode())
	require.Equal(t, 1, active)

	banner := h.o.MessagesForStep(0)
	require.Len(t, banner, 1, "handoff notice stored once on the source step")
	require.Equal(t, workflow.MessageHandoff, banner[0].Type)

	h.clock.Advance(handoff.DefaultRefreshGrace)
	require.Empty(t, h.o.TypingStates())
}

func TestHistoricalHandoffIsInert(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps})

	h.tr().EmitMessage("intake", transport.Message{
		ID:         "old-ho",
		Type:       workflow.MessageHandoff,
		Historical: true,
		Data:       map[string]any{"targetWorkflowType": "drafting"},
	})
	h.clock.Advance(time.Minute)

	require.Empty(t, h.navigations())
	require.Empty(t, h.tr().Refreshes())
	require.Empty(t, h.o.TypingStates())
	require.Len(t, h.o.MessagesForStep(0), 1)
}

func TestSendMessage(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps, ActiveStep: 0})
	ctx := context.Background()
	target := 1

	h.tr().EmitMessage("drafting", transport.Message{ID: "t0", Text: "ready", ThreadID: "thread-7"})

	msg, err := h.o.SendMessage(ctx, "draft the NDA", nil, &target)
	require.NoError(t, err)
	require.Equal(t, "thread-7", msg.ThreadID)
	require.Equal(t, workflow.DirectionIncoming, msg.Direction)
	require.NotEmpty(t, msg.ID)

	sent := h.tr().Sent()
	require.Len(t, sent, 1)
	require.Equal(t, transport.Sent{Kind: "chat", RoutingKey: "drafting", Text: "draft the NDA"}, sent[0])
	require.Equal(t, []string{"ready", "draft the NDA"}, texts(h.o.MessagesForStep(1)))
	require.True(t, h.o.TypingStates()[1])

	h.tr().EmitMessage("drafting", transport.Message{ID: "r1", Text: "Here is a draft"})
	require.True(t, h.o.TypingStates()[1], "reply without activity exits after a delay")
	h.clock.Advance(handoff.DefaultTypingExitDelay)
	require.False(t, h.o.TypingStates()[1])
}

func TestSendMessage_WithData(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps, ActiveStep: 1})

	_, err := h.o.SendMessage(context.Background(), "use this clause", map[string]any{"clauseId": "c-12"}, nil)
	require.NoError(t, err)

	sent := h.tr().Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "data", sent[0].Kind)
	require.Equal(t, "drafting", sent[0].RoutingKey)
	require.Equal(t, map[string]any{"clauseId": "c-12", "text": "use this clause"}, sent[0].Payload)
}

func TestSendMessage_Errors(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, workflow.RoutedMode{Steps: contractSteps})
	_, err := h.o.SendMessage(ctx, "hello", nil, nil)
	require.ErrorIs(t, err, connection.ErrTransportNotInitialized)

	require.NoError(t, h.o.Start(ctx, testSettings()))
	review := 2
	_, err = h.o.SendMessage(ctx, "hello", nil, &review)
	require.ErrorIs(t, err, ErrNoRoutingKey)

	boom := errors.New("socket closed")
	h.tr().SendErr = boom
	_, err = h.o.SendMessage(ctx, "hello", nil, nil)
	require.ErrorIs(t, err, boom)
	require.Empty(t, h.o.TypingStates(), "failed send clears typing")
}

func TestApplySettings_ReinitializesOnlyOnHashChange(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps})
	ctx := context.Background()
	first := h.tr()

	cosmetic := testSettings()
	cosmetic.DisplayName = "Pat"
	require.NoError(t, h.o.ApplySettings(ctx, cosmetic))
	require.Len(t, h.created(), 1)

	rotated := testSettings()
	rotated.AuthToken = "tok-2"
	require.NoError(t, h.o.ApplySettings(ctx, rotated))
	require.Len(t, h.created(), 2)
	require.True(t, first.IsClosed())
	require.Zero(t, first.HandlerCount())
	require.Equal(t, 5, h.tr().HandlerCount())

	h.tr().EmitMessage("intake", transport.Message{ID: "x", Text: "after rotate"})
	require.Equal(t, []string{"after rotate"}, texts(h.o.MessagesForStep(0)))
}

func TestUnroutedModeMirrorsStepZero(t *testing.T) {
	h := startedHarness(t, workflow.UnroutedMode{})

	s, ok := h.o.ConnectionStates()[0]
	require.True(t, ok)
	require.True(t, s.Connected())

	h.tr().EmitMessage("drafting", transport.Message{ID: "d1", Text: "dashboard hello"})
	require.Equal(t, []string{"dashboard hello"}, texts(h.o.MessagesForRoutingKey("drafting")))
	require.Zero(t, h.o.PendingMessages())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	removed := h.o.Subscribe(ctx, pubsub.DeletedEvent)

	h.tr().SetStatus("intake", workflow.StatusDisconnected, "")
	h.tr().SetStatus("drafting", workflow.StatusDisconnected, "")
	_, ok = h.o.ConnectionStates()[0]
	require.False(t, ok)
	require.False(t, h.o.IsConnected())

	select {
	case ev := <-removed:
		require.Equal(t, EventConnectionChanged, ev.Payload.Kind)
		require.Equal(t, "drafting", ev.Payload.RoutingKey)
		require.Nil(t, ev.Payload.Connection)
	case <-time.After(time.Second):
		t.Fatal("expected removal of the step 0 entry")
	}
}

func TestErrorsAreSurfaced(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.o.Subscribe(ctx)

	h.tr().EmitError("drafting", errors.New("quota exceeded"))
	h.tr().SetStatus("intake", workflow.StatusError, "token expired")

	var errs []error
	deadline := time.After(time.Second)
	for len(errs) < 2 {
		select {
		case ev := <-events:
			if ev.Payload.Kind == EventError {
				errs = append(errs, ev.Payload.Err)
			}
		case <-deadline:
			t.Fatalf("expected two error events, got %v", errs)
		}
	}
	require.ErrorContains(t, errs[0], "quota exceeded")
	require.ErrorContains(t, errs[1], "token expired")
	require.ErrorContains(t, h.o.LastError(), "token expired")
}

func TestSubscribeFiltersCreatedEvents(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	created := h.o.Subscribe(ctx, pubsub.CreatedEvent)

	h.o.SetTypingIndicator(0, true)
	h.tr().EmitMessage("intake", transport.Message{ID: "c1", Text: "created"})

	select {
	case ev := <-created:
		require.Equal(t, EventMessageAdded, ev.Payload.Kind)
		require.Equal(t, "created", ev.Payload.Message.Text)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message event")
	}
}

func TestSetModuleResetsState(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps})
	ctx := context.Background()

	h.tr().EmitMessage("intake", transport.Message{ID: "m", Text: "old module"})
	h.o.AddActivity(0, workflow.ActivityData{Summary: "x"})

	changed, err := h.o.SetModule(ctx, "contracts")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = h.o.SetModule(ctx, "leases")
	require.NoError(t, err)
	require.True(t, changed)
	require.Empty(t, h.o.MessagesForRoutingKey("intake"))
	require.Empty(t, h.o.PendingActivities(0))

	connected := h.tr().Connected()
	require.Equal(t, "lease-review", connected[len(connected)-1].RoutingKey)
}

func TestClose(t *testing.T) {
	h := startedHarness(t, workflow.RoutedMode{Steps: contractSteps})
	tr := h.tr()
	h.tr().EmitHandoff(transport.HandoffEvent{
		WorkflowID: "intake",
		Message:    transport.Message{Data: map[string]any{"targetWorkflowType": "drafting"}},
	})

	require.NoError(t, h.o.Close())
	require.NoError(t, h.o.Close())
	require.True(t, tr.IsClosed())
	require.Zero(t, tr.HandlerCount())
	require.Zero(t, h.clock.Pending())

	h.clock.Advance(time.Minute)
	require.Empty(t, h.navigations())

	_, err := h.o.SendMessage(context.Background(), "late", nil, nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, h.o.ApplySettings(context.Background(), testSettings()), ErrClosed)
}
