// Package agents resolves which backend agent, and which routing key, backs
// each workflow step. Agent lists are cached per module and every resolution
// miss is fail-soft: callers get nil, false or step 0, never an error.
package agents

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/stepchat/internal/cachemanager"
	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/workflow"
)

type moduleKey string

// Manager is the AgentManager.
type Manager struct {
	agents *cachemanager.ReadThroughCache[moduleKey, []workflow.Agent, string]

	mu     sync.RWMutex
	module string
}

// NewManager creates a Manager loading from source for moduleSlug.
func NewManager(source Source, moduleSlug string) *Manager {
	cache := cachemanager.NewInMemoryCacheManager[moduleKey, []workflow.Agent](
		"agents", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	return &Manager{
		agents: cachemanager.NewReadThroughCache[moduleKey, []workflow.Agent, string](
			cache, source.AgentsForModule, false),
		module: moduleSlug,
	}
}

// Module returns the current module slug.
func (m *Manager) Module() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.module
}

// SetModule switches module. The previous module's cached agents are dropped.
// Returns true when the slug changed.
func (m *Manager) SetModule(slug string) bool {
	m.mu.Lock()
	prev := m.module
	m.module = slug
	m.mu.Unlock()

	if prev == slug {
		return false
	}
	m.agents.Invalidate(context.Background(), moduleKey(prev))
	log.Info(log.CatAgents, "module changed", "from", prev, "to", slug)
	return true
}

// AgentsForModule returns the agents of the current module, loading them on
// first use.
func (m *Manager) AgentsForModule(ctx context.Context) ([]workflow.Agent, error) {
	module := m.Module()
	list, err := m.agents.Get(ctx, moduleKey(module), module, cachemanager.DefaultExpiration)
	if err != nil {
		return nil, fmt.Errorf("loading agents for module %s: %w", module, err)
	}
	return list, nil
}

// CachedAgents returns the current module's agents without loading.
// ok is false while the cache is cold.
func (m *Manager) CachedAgents() ([]workflow.Agent, bool) {
	return m.agents.Peek(context.Background(), moduleKey(m.Module()))
}

// Warm reports whether the current module's agent list is cached.
func (m *Manager) Warm() bool {
	_, ok := m.CachedAgents()
	return ok
}

// AgentByID finds an agent of the current module by ID, loading the list if needed.
func (m *Manager) AgentByID(ctx context.Context, id string) *workflow.Agent {
	list, err := m.AgentsForModule(ctx)
	if err != nil {
		log.Debug(log.CatAgents, "agent lookup without catalog", "id", id, "error", err)
		return nil
	}
	return find(list, func(a workflow.Agent) bool { return a.ID == id })
}

// AgentForStep returns the agent backing steps[stepIndex] from the cache.
func (m *Manager) AgentForStep(stepIndex int, steps []workflow.Step) *workflow.Agent {
	if !workflow.InRange(stepIndex, steps) || !steps[stepIndex].HasAgent() {
		return nil
	}
	list, ok := m.CachedAgents()
	if !ok {
		return nil
	}
	return agentForRef(list, steps[stepIndex].AgentRef)
}

// RoutingKeyForStep returns the routing key of the agent backing steps[stepIndex].
func (m *Manager) RoutingKeyForStep(stepIndex int, steps []workflow.Step) (string, bool) {
	a := m.AgentForStep(stepIndex, steps)
	if a == nil {
		return "", false
	}
	return a.RoutingKey, true
}

// StepsForRoutingKey returns, in step order, every step index whose agent
// matches key.
func (m *Manager) StepsForRoutingKey(key string, steps []workflow.Step) []int {
	list, ok := m.CachedAgents()
	if !ok || key == "" {
		return nil
	}
	var matches []int
	for i, step := range steps {
		if !step.HasAgent() {
			continue
		}
		if a := agentForRef(list, step.AgentRef); a != nil && a.Matches(key) {
			matches = append(matches, i)
		}
	}
	return matches
}

// StepIndexForRoutingKey resolves key to a step. With several matches the
// active step wins when it is one of them, otherwise the first match does.
func (m *Manager) StepIndexForRoutingKey(key string, steps []workflow.Step, activeStep int) (int, bool) {
	matches := m.StepsForRoutingKey(key, steps)
	switch len(matches) {
	case 0:
		return 0, false
	case 1:
		return matches[0], true
	}
	for _, i := range matches {
		if i == activeStep {
			return i, true
		}
	}
	return matches[0], true
}

// WorkflowIDToStepIndex resolves a transport routing key to a step index.
// Unresolvable keys and empty step lists map to step 0.
func (m *Manager) WorkflowIDToStepIndex(key string, steps []workflow.Step, activeStep int) int {
	if len(steps) == 0 {
		return 0
	}
	i, ok := m.StepIndexForRoutingKey(key, steps, activeStep)
	if !ok {
		log.Debug(log.CatAgents, "no step for routing key, using step 0", "routing_key", key)
		return 0
	}
	return i
}

// StepIndexFromHandoffPayload resolves the target step named in a handoff payload.
func (m *Manager) StepIndexFromHandoffPayload(payload map[string]any, steps []workflow.Step) (int, bool) {
	target, ok := workflow.ExtractHandoffTarget(payload)
	if !ok {
		return 0, false
	}
	return m.StepIndexForRoutingKey(target, steps, -1)
}

// FirstAgentStep returns the first step backed by a known agent.
func (m *Manager) FirstAgentStep(steps []workflow.Step) (int, bool) {
	for i := range steps {
		if m.AgentForStep(i, steps) != nil {
			return i, true
		}
	}
	return 0, false
}

// agentForRef matches a step's agent reference by ID, then by routing key.
func agentForRef(list []workflow.Agent, ref string) *workflow.Agent {
	if a := find(list, func(a workflow.Agent) bool { return a.ID == ref }); a != nil {
		return a
	}
	return find(list, func(a workflow.Agent) bool { return a.RoutingKey == ref })
}

func find(list []workflow.Agent, pred func(workflow.Agent) bool) *workflow.Agent {
	for i := range list {
		if pred(list[i]) {
			a := list[i]
			return &a
		}
	}
	return nil
}
