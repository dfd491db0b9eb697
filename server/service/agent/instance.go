// Package agent tracks registered agents and the sessions attached to them.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hrygo/agentruntime/server/internal/observability"
	"github.com/hrygo/agentruntime/server/service/session"
)

// InstanceStatus is a point-in-time view of an instance.
type InstanceStatus struct {
	Active         bool `json:"active"`
	ActiveSessions int  `json:"activeSessions"`
	MaxSessions    int  `json:"maxSessions"`
}

// Instance is the live runtime of one registered agent.
// The attached session set is its capacity ledger.
type Instance struct {
	mu          sync.Mutex
	config      *Config
	sessions    map[string]struct{}
	initialized bool

	registry *session.Registry
	metrics  *observability.Metrics
}

func newInstance(cfg *Config, registry *session.Registry, metrics *observability.Metrics) *Instance {
	return &Instance{
		config:   cfg,
		sessions: make(map[string]struct{}),
		registry: registry,
		metrics:  metrics,
	}
}

// Initialize marks the instance ready for joins. Calling it again has no effect.
func (i *Instance) Initialize() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.initialized {
		return
	}
	i.initialized = true
	slog.Info("agent instance initialized",
		slog.Int(observability.LogFieldAgentID, int(i.config.AgentID)),
		slog.Int(observability.LogFieldTenantID, int(i.config.TenantID)),
	)
}

// Config returns the current configuration. Callers must not modify it.
func (i *Instance) Config() *Config {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.config
}

// UpdateConfig swaps the configuration. Attached sessions are kept even when the new limit is lower.
func (i *Instance) UpdateConfig(cfg *Config) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.config = cfg
	if len(i.sessions) > cfg.MaxConcurrentSessions {
		slog.Warn("agent is over its new session limit",
			slog.Int(observability.LogFieldAgentID, int(cfg.AgentID)),
			slog.Int("attached", len(i.sessions)),
			slog.Int("max", cfg.MaxConcurrentSessions),
		)
	}
}

// JoinRoom reserves a slot, creates the session and marks it active.
func (i *Instance) JoinRoom(ctx context.Context, roomName, sessionID string) (*session.Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.initialized {
		return nil, agentNotRegistered(i.config.AgentID)
	}
	if len(i.sessions) >= i.config.MaxConcurrentSessions {
		i.metrics.RecordCapacityRejection(i.config.AgentID)
		return nil, ErrCapacityExceeded
	}

	s, err := i.registry.CreateSession(ctx, &session.Create{
		SessionID: sessionID,
		AgentID:   i.config.AgentID,
		TenantID:  i.config.TenantID,
		RoomName:  roomName,
	})
	if err != nil {
		return nil, err
	}
	i.sessions[s.SessionID] = struct{}{}

	if err := i.registry.UpdateSessionStatus(ctx, s.SessionID, session.StatusActive, nil); err != nil {
		return nil, err
	}
	i.metrics.RecordSessionCreated(i.config.AgentID)

	if active, ok := i.registry.GetSession(s.SessionID); ok {
		return active, nil
	}
	return s, nil
}

// LeaveRoom detaches the session and ends it.
func (i *Instance) LeaveRoom(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.sessions, sessionID)
	return i.registry.EndSession(ctx, sessionID)
}

// FailSession detaches the session and marks it as error.
func (i *Instance) FailSession(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.sessions, sessionID)
	return i.registry.FailSession(ctx, sessionID)
}

// HasSession reports whether sessionID is attached.
func (i *Instance) HasSession(sessionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.sessions[sessionID]
	return ok
}

// GetStatus reports the attached count against the configured limit.
func (i *Instance) GetStatus() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return InstanceStatus{
		Active:         i.initialized,
		ActiveSessions: len(i.sessions),
		MaxSessions:    i.config.MaxConcurrentSessions,
	}
}

// Cleanup stops accepting joins and ends every attached session.
// It keeps going past individual failures and returns them joined.
func (i *Instance) Cleanup(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.initialized = false
	var errs []error
	for id := range i.sessions {
		if err := i.registry.EndSession(ctx, id); err != nil {
			slog.Warn("failed to end session during cleanup",
				slog.Int(observability.LogFieldAgentID, int(i.config.AgentID)),
				slog.String(observability.LogFieldSessionID, id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
		delete(i.sessions, id)
	}
	return errors.Join(errs...)
}
