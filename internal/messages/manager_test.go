package messages

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/stepchat/internal/agents"
	"github.com/zjrosen/stepchat/internal/workflow"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func twoAgentSteps() []workflow.Step {
	return []workflow.Step{
		{Slug: "intake", Title: "Intake", AgentRef: "A"},
		{Slug: "drafting", Title: "Drafting", AgentRef: "B"},
	}
}

func newAgents() *agents.Manager {
	return agents.NewManager(agents.NewStaticSource(map[string][]workflow.Agent{
		"contracts": {
			{ID: "A", RoutingKey: "A"},
			{ID: "B", RoutingKey: "B"},
		},
	}), "contracts")
}

func newStore() (*Manager, *agents.Manager) {
	am := newAgents()
	return NewManager(am, DefaultConfig()), am
}

func chat(text string, step int, at time.Time) workflow.ChatMessage {
	return workflow.ChatMessage{
		Text:      text,
		Direction: workflow.DirectionOutgoing,
		Type:      workflow.MessageChat,
		Timestamp: at,
		StepIndex: step,
	}
}

func texts(msgs []workflow.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestAddMessage_RoutesByAgent(t *testing.T) {
	store, am := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()

	step := am.WorkflowIDToStepIndex("B", steps, 0)
	require.Equal(t, 0, step, "cold cache resolves to 0")

	_, err := am.AgentsForModule(ctx)
	require.NoError(t, err)
	step = am.WorkflowIDToStepIndex("B", steps, 0)
	require.Equal(t, 1, step)

	msg := chat("hi", step, base)
	msg.WorkflowID = "B"
	require.True(t, store.AddMessage(ctx, msg, steps))

	require.Equal(t, []string{"hi"}, texts(store.GetMessagesForStep(1, steps)))
	require.Empty(t, store.GetMessagesForStep(0, steps))
}

func TestGetMessagesForStep_ColdCacheReturnsEmpty(t *testing.T) {
	store, _ := newStore()
	store.AddMessageForRoutingKey(chat("hello", 0, base), "A")

	require.Empty(t, store.GetMessagesForStep(0, twoAgentSteps()))
	require.Len(t, store.MessagesForRoutingKey("A"), 1)
}

func TestAddMessage_SharedAgentSharesHistory(t *testing.T) {
	store, _ := newStore()
	steps := []workflow.Step{{AgentRef: "A"}, {AgentRef: "A"}, {AgentRef: "B"}}
	ctx := context.Background()

	store.AddMessage(ctx, chat("from step 0", 0, base), steps)
	store.AddMessage(ctx, chat("from step 1", 1, base.Add(time.Minute)), steps)

	require.Equal(t, []string{"from step 0", "from step 1"}, texts(store.GetMessagesForStep(0, steps)))
	require.Equal(t, store.GetMessagesForStep(0, steps), store.GetMessagesForStep(1, steps))
	require.Empty(t, store.GetMessagesForStep(2, steps))
}

func TestAddMessage_StepWithoutAgentGetsOwnLog(t *testing.T) {
	store, _ := newStore()
	steps := []workflow.Step{{Slug: "cover"}, {AgentRef: "A"}}
	ctx := context.Background()

	require.True(t, store.AddMessage(ctx, chat("note", 0, base), steps))
	require.Equal(t, []string{"note"}, texts(store.GetMessagesForStep(0, steps)))
	require.Empty(t, store.GetMessagesForStep(1, steps))
}

func TestAddMessage_SortedByTimestampStable(t *testing.T) {
	store, _ := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()

	store.AddMessage(ctx, chat("third", 0, base.Add(3*time.Second)), steps)
	store.AddMessage(ctx, chat("first", 0, base.Add(time.Second)), steps)
	store.AddMessage(ctx, chat("tie-a", 0, base.Add(2*time.Second)), steps)
	tieB := chat("tie-b", 0, base.Add(2*time.Second))
	tieB.ID = "b"
	store.AddMessage(ctx, tieB, steps)

	require.Equal(t, []string{"first", "tie-a", "tie-b", "third"}, texts(store.GetMessagesForStep(0, steps)))
}

func TestAddMessage_LiveDedup(t *testing.T) {
	store, _ := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()

	require.True(t, store.AddMessage(ctx, chat("same", 0, base), steps))
	require.False(t, store.AddMessage(ctx, chat("same", 0, base.Add(999*time.Millisecond)), steps))
	require.True(t, store.AddMessage(ctx, chat("same", 0, base.Add(1500*time.Millisecond)), steps))

	a := chat("dup text", 0, base.Add(time.Hour))
	a.ID = "m1"
	b := a
	b.ID = "m2"
	require.True(t, store.AddMessage(ctx, a, steps))
	require.True(t, store.AddMessage(ctx, b, steps), "distinct ids are both kept")
	require.False(t, store.AddMessage(ctx, a, steps), "same id is a duplicate")

	require.Len(t, store.GetMessagesForStep(0, steps), 4)
}

func TestAddMessage_HistoricalDedup(t *testing.T) {
	store, _ := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()

	h := chat("replayed", 1, base)
	h.ID = "h1"
	h.Historical = true

	require.True(t, store.AddMessage(ctx, h, steps))
	require.False(t, store.AddMessage(ctx, h, steps))

	other := h
	other.Timestamp = base.Add(time.Second)
	other.ID = "h2"
	require.True(t, store.AddMessage(ctx, other, steps))
	require.Len(t, store.GetMessagesForStep(1, steps), 2)
}

func TestAddMessage_HistoryReplayOfLiveTurnIsSkipped(t *testing.T) {
	store, _ := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()

	live := chat("answer", 0, base)
	live.ID = "srv-9"
	require.True(t, store.AddMessage(ctx, live, steps))

	replay := live
	replay.Historical = true
	require.False(t, store.AddMessage(ctx, replay, steps))
	require.Len(t, store.GetMessagesForStep(0, steps), 1)
}

func TestAddMessage_HistoricalWithKnownIDIsSkipped(t *testing.T) {
	store, _ := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()

	live := chat("answer", 0, base)
	live.ID = "srv-9"
	require.True(t, store.AddMessage(ctx, live, steps))

	replay := live
	replay.Historical = true
	replay.Timestamp = base.Add(40 * time.Millisecond)
	require.False(t, store.AddMessage(ctx, replay, steps), "server clock skew does not duplicate the turn")
	require.Len(t, store.GetMessagesForStep(0, steps), 1)
}

func TestAddMessageFunc_AcceptRunsOnlyForStoredMessages(t *testing.T) {
	store, _ := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()

	calls := 0
	accept := func(m *workflow.ChatMessage) {
		calls++
		m.ActivityLog = []workflow.ActivityData{{ID: "a1", Summary: "read"}}
	}

	msg := chat("reply", 1, base)
	msg.ID = "r1"
	stored, added := store.AddMessageFunc(ctx, msg, steps, accept)
	require.True(t, added)
	require.Len(t, stored.ActivityLog, 1)
	require.Len(t, store.GetMessagesForStep(1, steps)[0].ActivityLog, 1)

	_, added = store.AddMessageFunc(ctx, msg, steps, accept)
	require.False(t, added)
	_, added = store.AddMessageFunc(ctx, chat("early", 0, base), nil, accept)
	require.False(t, added, "queued")
	_, added = store.AddMessageForRoutingKeyFunc(msg, "B", accept)
	require.False(t, added)
	require.Equal(t, 1, calls)
}

func TestHistoricalDedupProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store, _ := newStore()
		steps := twoAgentSteps()
		ctx := context.Background()

		id := rapid.StringMatching(`[a-z0-9]{0,6}`).Draw(t, "id")
		text := rapid.StringMatching(`[a-z ]{1,12}`).Draw(t, "text")
		offset := rapid.Int64Range(0, 1_000_000).Draw(t, "offset")
		step := rapid.IntRange(0, 1).Draw(t, "step")
		repeats := rapid.IntRange(1, 8).Draw(t, "repeats")

		msg := chat(text, step, base.Add(time.Duration(offset)*time.Millisecond))
		msg.ID = id
		msg.Historical = true
		for range repeats {
			store.AddMessage(ctx, msg, steps)
		}

		if got := len(store.GetMessagesForStep(step, steps)); got != 1 {
			t.Fatalf("expected 1 message after %d replays, got %d", repeats, got)
		}
	})
}

func TestLiveTextDedupProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store, _ := newStore()
		steps := twoAgentSteps()
		ctx := context.Background()

		text := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "text")
		deltas := rapid.SliceOfN(rapid.Int64Range(0, 999), 1, 6).Draw(t, "deltas")

		for _, d := range deltas {
			store.AddMessage(ctx, chat(text, 0, base.Add(time.Duration(d)*time.Millisecond)), steps)
		}
		// Every timestamp lies within one second of the first one stored, so
		// ordering aside only a single entry can survive.
		if got := len(store.GetMessagesForStep(0, steps)); got != 1 {
			t.Fatalf("expected 1 message, got %d (deltas %v)", got, deltas)
		}
	})
}

func TestPendingMessages_RoundTrip(t *testing.T) {
	store, _ := newStore()
	ctx := context.Background()

	a := chat("for A", 0, base)
	a.WorkflowID = "A"
	b := chat("for B", 0, base.Add(time.Second))
	b.WorkflowID = "B"
	b.Historical = true
	anon := chat("no workflow", 0, base.Add(2*time.Second))

	for _, msg := range []workflow.ChatMessage{a, b, anon} {
		require.False(t, store.AddMessage(ctx, msg, nil))
	}
	require.Equal(t, 3, store.PendingCount())

	steps := []workflow.Step{{Slug: "cover"}, {AgentRef: "A"}, {AgentRef: "B"}}
	require.Equal(t, 3, store.ProcessPendingMessages(ctx, steps))
	require.Zero(t, store.PendingCount())

	require.Equal(t, []string{"for A", "no workflow"}, texts(store.GetMessagesForStep(1, steps)),
		"messages without workflow id land on the first agent step")
	require.Equal(t, []string{"for B"}, texts(store.GetMessagesForStep(2, steps)))

	require.Zero(t, store.ProcessPendingMessages(ctx, steps), "replaying twice adds nothing")
	require.Len(t, store.GetMessagesForStep(2, steps), 1)
}

func TestPendingMessages_StaysQueuedWithoutSteps(t *testing.T) {
	store, _ := newStore()
	store.AddMessage(context.Background(), chat("early", 0, base), nil)

	require.Zero(t, store.ProcessPendingMessages(context.Background(), nil))
	require.Equal(t, 1, store.PendingCount())
}

func TestPendingRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store, _ := newStore()
		ctx := context.Background()
		n := rapid.IntRange(1, 20).Draw(t, "n")

		want := map[string]int{}
		for i := range n {
			key := rapid.SampledFrom([]string{"A", "B"}).Draw(t, "key")
			msg := chat(fmt.Sprintf("msg-%d", i), 0, base.Add(time.Duration(i)*time.Hour))
			msg.WorkflowID = key
			msg.Historical = rapid.Bool().Draw(t, "historical")
			store.AddMessage(ctx, msg, nil)
			want[key]++
		}

		steps := twoAgentSteps()
		store.ProcessPendingMessages(ctx, steps)
		store.ProcessPendingMessages(ctx, steps)

		if got := len(store.GetMessagesForStep(0, steps)); got != want["A"] {
			t.Fatalf("step 0: want %d got %d", want["A"], got)
		}
		if got := len(store.GetMessagesForStep(1, steps)); got != want["B"] {
			t.Fatalf("step 1: want %d got %d", want["B"], got)
		}
	})
}

func TestThreadIDLastWriteWins(t *testing.T) {
	store, _ := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()

	_, ok := store.GetThreadID(1)
	require.False(t, ok)

	m1 := chat("one", 1, base)
	m1.ThreadID = "t-1"
	m2 := chat("two", 1, base.Add(time.Minute))
	m2.ThreadID = "t-2"
	store.AddMessage(ctx, m1, steps)
	store.AddMessage(ctx, m2, steps)

	id, ok := store.GetThreadID(1)
	require.True(t, ok)
	require.Equal(t, "t-2", id)
}

func TestSeenSetIsBounded(t *testing.T) {
	am := newAgents()
	store := NewManager(am, Config{SeenLimit: 10, SeenTrim: 5})
	ctx := context.Background()
	steps := twoAgentSteps()

	for i := range 11 {
		msg := chat(fmt.Sprintf("h%d", i), 0, base.Add(time.Duration(i)*time.Second))
		msg.Historical = true
		store.AddMessage(ctx, msg, steps)
	}
	require.Equal(t, 5, store.SeenCount())
}

func TestReset(t *testing.T) {
	store, _ := newStore()
	steps := twoAgentSteps()
	ctx := context.Background()
	msg := chat("x", 0, base)
	msg.ThreadID = "t"
	store.AddMessage(ctx, msg, steps)
	store.AddMessage(ctx, chat("queued", 0, base), nil)

	store.Reset()

	require.Empty(t, store.GetMessagesForStep(0, steps))
	require.Zero(t, store.PendingCount())
	_, ok := store.GetThreadID(0)
	require.False(t, ok)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, DefaultConfig(), cfg)

	cfg = Config{SeenLimit: 3, SeenTrim: 9}.withDefaults()
	require.Equal(t, 3, cfg.SeenTrim)
}
