package agent

import (
	"context"
	"time"

	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/server/service/session"
	"github.com/hrygo/agentruntime/store"
)

// DefaultMetricsRange is used when a metrics query names no range.
const DefaultMetricsRange = "24h"

var metricsRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ParseRange converts a range name such as "7d" to a duration.
func ParseRange(name string) (time.Duration, error) {
	if name == "" {
		name = DefaultMetricsRange
	}
	d, ok := metricsRanges[name]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrCodeInvalidArgument, "unsupported range %q", name)
	}
	return d, nil
}

// SessionMetrics aggregates durable session rows, plus live counts where they apply.
type SessionMetrics struct {
	Range                string    `json:"range"`
	Since                time.Time `json:"since"`
	TotalSessions        int64     `json:"totalSessions"`
	OpenSessions         int64     `json:"openSessions"`
	EndedSessions        int64     `json:"endedSessions"`
	ErrorSessions        int64     `json:"errorSessions"`
	TotalDurationSeconds int64     `json:"totalDurationSeconds"`
	AvgDurationSeconds   float64   `json:"avgDurationSeconds"`
	MaxParticipants      int32     `json:"maxParticipants"`
	LiveSessions         int       `json:"liveSessions"`
}

// AgentMetrics aggregates one agent's sessions over rangeName.
func (r *Runtime) AgentMetrics(ctx context.Context, agentID int32, rangeName string) (*SessionMetrics, error) {
	m, err := r.sessionMetrics(ctx, rangeName, &store.FindAgentSessionStats{AgentID: &agentID})
	if err != nil {
		return nil, err
	}
	m.LiveSessions = len(r.registry.GetAgentSessions(agentID))
	return m, nil
}

// TenantMetrics aggregates every session of a tenant over rangeName.
func (r *Runtime) TenantMetrics(ctx context.Context, tenantID int32, rangeName string) (*SessionMetrics, error) {
	m, err := r.sessionMetrics(ctx, rangeName, &store.FindAgentSessionStats{TenantID: &tenantID})
	if err != nil {
		return nil, err
	}
	for _, agentID := range r.manager.ListAgents() {
		if st := r.manager.GetAgentStatus(agentID); st.TenantID == tenantID {
			m.LiveSessions += st.ActiveSessions
		}
	}
	return m, nil
}

// SessionMetricsFor reports a single session. The range does not apply.
func (r *Runtime) SessionMetricsFor(ctx context.Context, sessionID string) (*SessionMetrics, error) {
	stats, err := r.store.GetAgentSessionStats(ctx, &store.FindAgentSessionStats{SessionID: &sessionID})
	if err != nil {
		return nil, apperrors.DependencyUnavailable("failed to load session stats", err)
	}
	_, live := r.registry.GetSession(sessionID)
	if stats.TotalSessions == 0 && !live {
		return nil, session.ErrSessionNotFound
	}
	m := metricsFromStats(stats)
	if live {
		m.LiveSessions = 1
	}
	return m, nil
}

func (r *Runtime) sessionMetrics(ctx context.Context, rangeName string, find *store.FindAgentSessionStats) (*SessionMetrics, error) {
	window, err := ParseRange(rangeName)
	if err != nil {
		return nil, err
	}
	if rangeName == "" {
		rangeName = DefaultMetricsRange
	}
	since := r.now().Add(-window)
	find.StartedAfter = &since

	stats, err := r.store.GetAgentSessionStats(ctx, find)
	if err != nil {
		return nil, apperrors.DependencyUnavailable("failed to load session stats", err)
	}
	m := metricsFromStats(stats)
	m.Range = rangeName
	m.Since = since
	return m, nil
}

func metricsFromStats(stats *store.AgentSessionStats) *SessionMetrics {
	return &SessionMetrics{
		TotalSessions:        stats.TotalSessions,
		OpenSessions:         stats.OpenSessions,
		EndedSessions:        stats.EndedSessions,
		ErrorSessions:        stats.ErrorSessions,
		TotalDurationSeconds: stats.TotalDurationSeconds,
		AvgDurationSeconds:   stats.AvgDurationSeconds(),
		MaxParticipants:      stats.MaxParticipants,
	}
}
