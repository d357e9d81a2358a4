package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/stepchat/internal/handoff"
	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/transport"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// store adds msg to the log and publishes it when it was kept. An
// unrouted mode stores by routing key; a routed mode without steps queues.
// accept, when set, runs only for a message that is actually stored.
func (o *Orchestrator) store(ctx context.Context, mode workflow.Mode, msg workflow.ChatMessage, accept func(*workflow.ChatMessage)) bool {
	var added bool
	if _, unrouted := mode.(workflow.UnroutedMode); unrouted {
		msg, added = o.messages.AddMessageForRoutingKeyFunc(msg, msg.WorkflowID, accept)
	} else {
		steps, _ := workflow.StepsOf(mode)
		msg, added = o.messages.AddMessageFunc(ctx, msg, steps, accept)
	}
	if added {
		o.publish(Event{Kind: EventMessageAdded, StepIndex: msg.StepIndex, RoutingKey: msg.WorkflowID, Message: &msg})
	}
	return added
}

// onMessage routes a chat message to its step. A live agent reply takes
// the step's buffered activity and advances the typing indicator.
func (o *Orchestrator) onMessage(ev transport.Event) {
	if ev.Message == nil {
		return
	}
	msg := o.toChatMessage(ev.WorkflowID, *ev.Message)
	if msg.Type == workflow.MessageHandoff {
		o.handleHandoffMessage(msg)
		return
	}

	mode := o.Mode()
	steps, active := workflow.StepsOf(mode)
	_, unrouted := mode.(workflow.UnroutedMode)
	step, ok := o.stepFor(msg.WorkflowID, steps, active)
	if !ok {
		log.Warn(log.CatOrch, "dropping message for unmapped routing key", "routing_key", msg.WorkflowID, "id", msg.ID)
		return
	}
	msg.StepIndex = step

	// Without steps yet the step is a guess; leave activity for the real one.
	resolved := unrouted || len(steps) > 0
	if !msg.IsAgentReply() || !resolved {
		o.store(o.ctx, mode, msg, nil)
		return
	}
	// Activity is taken inside the store so a duplicate reply leaves it
	// buffered for the next real one.
	var hadActivity bool
	added := o.store(o.ctx, mode, msg, func(m *workflow.ChatMessage) {
		m.ActivityLog = o.activity.ExtractAndClearPendingActivities(m.StepIndex)
		hadActivity = len(m.ActivityLog) > 0
	})
	if added {
		o.handoffs.OnAgentMessage(msg.StepIndex, hadActivity)
	}
}

// stepFor resolves the step behind key. Unmapped keys fall back to step 0
// unless strict routing is on and steps are loaded. A cold agent cache is
// loaded first so the key is matched against the real catalog.
func (o *Orchestrator) stepFor(key string, steps []workflow.Step, active int) (int, bool) {
	if len(steps) > 0 {
		if _, err := o.agents.AgentsForModule(o.ctx); err != nil {
			log.Warn(log.CatOrch, "resolving step without agent catalog", "routing_key", key, "error", err)
		}
	}
	if o.strict && len(steps) > 0 {
		return o.agents.StepIndexForRoutingKey(key, steps, active)
	}
	return o.agents.WorkflowIDToStepIndex(key, steps, active), true
}

func (o *Orchestrator) onHandoff(ev transport.HandoffEvent) {
	msg := o.toChatMessage(ev.WorkflowID, ev.Message)
	msg.Type = workflow.MessageHandoff
	o.handleHandoffMessage(msg)
}

// handleHandoffMessage records the handoff notice on the source step and
// lets the handoff manager refresh and navigate.
func (o *Orchestrator) handleHandoffMessage(msg workflow.ChatMessage) {
	mode := o.Mode()
	steps, active := workflow.StepsOf(mode)
	if step, ok := o.stepFor(msg.WorkflowID, steps, active); ok {
		msg.StepIndex = step
		o.store(o.ctx, mode, msg, nil)
	} else {
		log.Warn(log.CatOrch, "handoff notice from unmapped routing key not stored", "routing_key", msg.WorkflowID)
	}

	intent, ok := workflow.ParseHandoffIntent(msg)
	if ok {
		o.publish(Event{Kind: EventHandoff, StepIndex: msg.StepIndex, RoutingKey: msg.WorkflowID, Handoff: &intent})
	}
	if msg.Historical {
		return
	}

	out, err := o.handoffs.HandleHandoff(o.ctx, msg, steps, active)
	if err != nil {
		if errors.Is(err, handoff.ErrNoTargetStep) {
			log.Debug(log.CatOrch, "handoff not routed", "error", err)
			return
		}
		log.ErrorErr(log.CatOrch, "handling handoff", err)
		return
	}
	log.Debug(log.CatOrch, "handoff handled", "target_step", out.TargetStep, "navigating", out.Navigating, "refreshed", out.Refreshed)
}

// onConnectionChange projects the change onto step state and publishes the
// state of every affected step.
func (o *Orchestrator) onConnectionChange(ev transport.Event) {
	if ev.Connection == nil {
		return
	}
	change := *ev.Connection
	if change.RoutingKey == "" {
		change.RoutingKey = ev.WorkflowID
	}

	steps, _ := workflow.StepsOf(o.Mode())
	hasSteps := len(steps) > 0
	o.conns.HandleConnectionChange(change, steps, hasSteps)

	affected := []int{0}
	if hasSteps {
		affected = o.agents.StepsForRoutingKey(change.RoutingKey, steps)
	}
	for _, i := range affected {
		ev := Event{Kind: EventConnectionChanged, StepIndex: i, RoutingKey: change.RoutingKey}
		if state, ok := o.conns.StateForStep(i); ok {
			ev.Connection = &state
		}
		o.publish(ev)
	}

	if change.Status == workflow.StatusError {
		o.publish(Event{Kind: EventError, RoutingKey: change.RoutingKey, Err: o.conns.LastError()})
	}
}

// onError surfaces a transport-level error to the host.
func (o *Orchestrator) onError(ev transport.Event) {
	err := ev.Err
	if err == nil {
		err = errors.New("unknown transport error")
	}
	log.ErrorErr(log.CatTransport, "transport error", err, "workflow_id", ev.WorkflowID)
	o.publish(Event{Kind: EventError, RoutingKey: ev.WorkflowID, Err: err})
}

// onData buffers an activity notice for the step of its routing key.
func (o *Orchestrator) onData(ev transport.DataEvent) {
	if ev.MessageType != ActivityMessageType {
		return
	}
	steps, active := workflow.StepsOf(o.Mode())
	step, ok := o.stepFor(ev.WorkflowID, steps, active)
	if !ok {
		log.Debug(log.CatOrch, "dropping activity for unmapped routing key", "routing_key", ev.WorkflowID)
		return
	}
	o.AddActivity(step, activityFromPayload(ev.Payload, ev.Timestamp))
}

func (o *Orchestrator) onNavigate(stepIndex int) {
	o.SetActiveStep(stepIndex)
	if o.navigate != nil {
		o.navigate(stepIndex)
	}
	o.publish(Event{Kind: EventNavigated, StepIndex: stepIndex})
}

func (o *Orchestrator) onTypingChange(stepIndex int, typing bool) {
	o.publish(Event{Kind: EventTypingChanged, StepIndex: stepIndex, Typing: typing})
}

// toChatMessage converts a transport message. Missing timestamps take the
// current time; a missing direction means the agent sent it.
func (o *Orchestrator) toChatMessage(workflowID string, m transport.Message) workflow.ChatMessage {
	msg := workflow.ChatMessage{
		ID:         m.ID,
		Text:       m.Text,
		Direction:  m.Direction,
		Type:       m.Type,
		Timestamp:  m.Timestamp,
		ThreadID:   m.ThreadID,
		Historical: m.Historical,
		WorkflowID: workflowID,
		Data:       m.Data,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = o.clock.Now()
	}
	if msg.Direction == "" {
		msg.Direction = workflow.DirectionOutgoing
	}
	if msg.Type == "" {
		msg.Type = workflow.MessageChat
	}
	return msg
}

// activityFromPayload reads an activity notice. Unknown fields are ignored.
func activityFromPayload(payload map[string]any, at time.Time) workflow.ActivityData {
	entry := workflow.ActivityData{Timestamp: at}
	entry.ID, _ = payload["id"].(string)
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Summary, _ = payload["summary"].(string)
	if entry.Summary == "" {
		entry.Summary, _ = payload["message"].(string)
	}
	entry.Details, _ = payload["details"].(string)
	if ok, isBool := payload["success"].(bool); isBool {
		entry.Success = &ok
	}
	return entry
}
