package agent

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/server/internal/observability"
	"github.com/hrygo/agentruntime/server/service/session"
)

// Limits bound what a single runtime process accepts. Zero disables a limit.
type Limits struct {
	MaxAgents           int
	MaxSessionsPerAgent int
}

// AgentStatus describes an agent for callers outside the package.
type AgentStatus struct {
	AgentID        int32 `json:"agentId"`
	TenantID       int32 `json:"tenantId,omitempty"`
	Registered     bool  `json:"registered"`
	Active         bool  `json:"active"`
	ActiveSessions int   `json:"activeSessions"`
	MaxSessions    int   `json:"maxSessions"`
}

// Manager owns the agentID to Instance map.
// Lock order is manager, then instance, then registry.
type Manager struct {
	mu        sync.RWMutex
	instances map[int32]*Instance

	registry *session.Registry
	metrics  *observability.Metrics
	limits   Limits
}

// NewManager creates a manager whose instances create sessions in registry.
func NewManager(registry *session.Registry, limits Limits, metrics *observability.Metrics) *Manager {
	if metrics == nil {
		metrics = observability.GlobalMetrics()
	}
	return &Manager{
		instances: make(map[int32]*Instance),
		registry:  registry,
		metrics:   metrics,
		limits:    limits,
	}
}

// RegisterAgent creates the instance or replaces the config of the existing one.
// created is false when an existing instance was updated.
func (m *Manager) RegisterAgent(_ context.Context, cfg *Config) (created bool, err error) {
	if cfg == nil || cfg.AgentID <= 0 {
		return false, apperrors.InvalidArgument("agent id must be positive")
	}
	normalized := cfg.normalized(m.limits.MaxSessionsPerAgent)

	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.instances[cfg.AgentID]; ok {
		inst.UpdateConfig(normalized)
		slog.Info("agent config updated", slog.Int(observability.LogFieldAgentID, int(cfg.AgentID)))
		return false, nil
	}
	if m.limits.MaxAgents > 0 && len(m.instances) >= m.limits.MaxAgents {
		return false, ErrTooManyAgents
	}

	inst := newInstance(normalized, m.registry, m.metrics)
	inst.Initialize()
	m.instances[cfg.AgentID] = inst
	return true, nil
}

// UnregisterAgent ends the agent's sessions and forgets it. Unknown ids are ignored.
func (m *Manager) UnregisterAgent(ctx context.Context, agentID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[agentID]
	if !ok {
		return nil
	}
	err := inst.Cleanup(ctx)
	delete(m.instances, agentID)
	slog.Info("agent unregistered", slog.Int(observability.LogFieldAgentID, int(agentID)))
	return err
}

// GetAgentInstance returns the live instance for agentID.
func (m *Manager) GetAgentInstance(agentID int32) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[agentID]
	return inst, ok
}

// ListAgents returns registered agent ids in ascending order.
func (m *Manager) ListAgents() []int32 {
	m.mu.RLock()
	ids := make([]int32, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// GetAgentStatus returns the agent's status, or a zero status with Registered false.
func (m *Manager) GetAgentStatus(agentID int32) AgentStatus {
	inst, ok := m.GetAgentInstance(agentID)
	if !ok {
		return AgentStatus{AgentID: agentID}
	}
	st := inst.GetStatus()
	return AgentStatus{
		AgentID:        agentID,
		TenantID:       inst.Config().TenantID,
		Registered:     true,
		Active:         st.Active,
		ActiveSessions: st.ActiveSessions,
		MaxSessions:    st.MaxSessions,
	}
}

// Count returns the number of registered agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}
