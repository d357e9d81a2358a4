package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/stepchat/internal/workflow"
)

func TestMemory_OnAndOff(t *testing.T) {
	m := NewMemory()
	var got []Event
	off := m.On(EventMessage, func(ev Event) { got = append(got, ev) })

	m.EmitMessage("drafting", Message{Text: "hello"})
	off()
	m.EmitMessage("drafting", Message{Text: "ignored"})

	require.Len(t, got, 1)
	require.Equal(t, "drafting", got[0].WorkflowID)
	require.Equal(t, "hello", got[0].Message.Text)
	require.Zero(t, m.HandlerCount())
}

func TestMemory_AutoConnectEmitsTransitions(t *testing.T) {
	factory, created := MemoryFactory(true)
	tr, err := factory(workflow.Settings{EndpointURL: "mem://"})
	require.NoError(t, err)

	var statuses []workflow.ConnectionStatus
	tr.On(EventConnectionChange, func(ev Event) { statuses = append(statuses, ev.Connection.Status) })

	require.NoError(t, tr.Connect(context.Background(), DescriptorsFor([]workflow.Agent{{ID: "a", RoutingKey: "review"}})))
	require.Equal(t, []workflow.ConnectionStatus{workflow.StatusConnecting, workflow.StatusConnected}, statuses)
	require.Equal(t, workflow.StatusConnected, tr.ConnectionStateByRoutingKey("review"))
	require.Equal(t, workflow.StatusDisconnected, tr.ConnectionStateByRoutingKey("other"))

	require.Len(t, created(), 1)
	require.Equal(t, "mem://", created()[0].Settings.EndpointURL)
}

func TestMemory_DataSubscriptionFiltersTypes(t *testing.T) {
	m := NewMemory()
	var got []string
	unsub := m.SubscribeToData("activity-sub", []string{"activity"}, func(ev DataEvent) {
		got = append(got, ev.MessageType)
	})

	m.EmitData(DataEvent{MessageType: "activity"})
	m.EmitData(DataEvent{MessageType: "telemetry"})
	unsub()
	m.EmitData(DataEvent{MessageType: "activity"})

	require.Equal(t, []string{"activity"}, got)
}

func TestMemory_HandoffSubscription(t *testing.T) {
	m := NewMemory()
	var got []HandoffEvent
	unsub := m.SubscribeToHandoffs(func(ev HandoffEvent) { got = append(got, ev) })

	m.EmitHandoff(HandoffEvent{WorkflowID: "intake"})
	unsub()
	m.EmitHandoff(HandoffEvent{WorkflowID: "intake"})

	require.Len(t, got, 1)
}

func TestMemory_SendAndRefresh(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SendChat(ctx, "review", "hi"))
	require.NoError(t, m.SendData(ctx, "review", map[string]any{"k": "v"}))
	require.Equal(t, []Sent{
		{Kind: "chat", RoutingKey: "review", Text: "hi"},
		{Kind: "data", RoutingKey: "review", Payload: map[string]any{"k": "v"}},
	}, m.Sent())

	ok, err := m.RefreshThreadHistory(ctx, "review")
	require.NoError(t, err)
	require.False(t, ok, "not connected")

	m.SetStatus("review", workflow.StatusConnected, "")
	ok, err = m.RefreshThreadHistory(ctx, "review")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"review", "review"}, m.Refreshes())

	m.SendErr = errors.New("socket gone")
	require.Error(t, m.SendChat(ctx, "review", "again"))
}

func TestMemory_Close(t *testing.T) {
	m := NewMemory()
	m.On(EventError, func(Event) {})
	require.NoError(t, m.Close())

	require.True(t, m.IsClosed())
	require.Zero(t, m.HandlerCount())
	require.ErrorIs(t, m.SendChat(context.Background(), "x", "y"), ErrClosed)
	require.ErrorIs(t, m.Connect(context.Background(), nil), ErrClosed)
	_, err := m.RefreshThreadHistory(context.Background(), "x")
	require.ErrorIs(t, err, ErrClosed)
}
