// Package activity buffers transient "agent is working" notices per step
// until the agent's next reply consumes them.
package activity

import (
	"slices"
	"sync"

	"github.com/zjrosen/stepchat/internal/log"
	"github.com/zjrosen/stepchat/internal/workflow"
)

// Manager is the ActivityLogManager.
type Manager struct {
	mu      sync.Mutex
	pending map[int][]workflow.ActivityData
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{pending: make(map[int][]workflow.ActivityData)}
}

// AddActivityLog buffers entry for stepIndex.
func (m *Manager) AddActivityLog(stepIndex int, entry workflow.ActivityData) {
	m.mu.Lock()
	m.pending[stepIndex] = append(m.pending[stepIndex], entry)
	n := len(m.pending[stepIndex])
	m.mu.Unlock()
	log.Debug(log.CatActivity, "buffered activity", "step", stepIndex, "id", entry.ID, "pending", n)
}

// ClearActivityLogs discards everything buffered for stepIndex.
func (m *Manager) ClearActivityLogs(stepIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, stepIndex)
}

// ExtractAndClearPendingActivities returns and removes the buffer of
// stepIndex in one step, so two replies can never both claim it.
func (m *Manager) ExtractAndClearPendingActivities(stepIndex int) []workflow.ActivityData {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.pending[stepIndex]
	delete(m.pending, stepIndex)
	if len(entries) == 0 {
		return nil
	}
	return entries
}

// PendingActivities returns a copy of the buffer without consuming it.
func (m *Manager) PendingActivities(stepIndex int) []workflow.ActivityData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pending[stepIndex])
}

// Reset discards every buffer.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = make(map[int][]workflow.ActivityData)
}
