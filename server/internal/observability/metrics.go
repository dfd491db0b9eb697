package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects in-process counters for the session lifecycle.
type Metrics struct {
	mu sync.Mutex

	sessionsCreated    atomic.Int64
	sessionsEnded      atomic.Int64
	sessionsFailed     atomic.Int64
	capacityRejections atomic.Int64
	persistFailures    atomic.Int64
	tokensIssued       atomic.Int64

	agentMetrics map[int32]*AgentMetrics

	// Recent session durations, oldest first.
	durations    []time.Duration
	maxDurations int
}

// AgentMetrics holds the counters for one agent.
type AgentMetrics struct {
	sessionsCreated    atomic.Int64
	sessionsEnded      atomic.Int64
	capacityRejections atomic.Int64
	totalDuration      atomic.Int64 // seconds
}

// NewMetrics creates a new metrics collector.
func NewMetrics(maxDurations int) *Metrics {
	if maxDurations <= 0 {
		maxDurations = 1000
	}
	return &Metrics{
		agentMetrics: make(map[int32]*AgentMetrics),
		durations:    make([]time.Duration, 0, maxDurations),
		maxDurations: maxDurations,
	}
}

var globalMetrics = NewMetrics(1000)

// GlobalMetrics returns the process-wide metrics instance.
func GlobalMetrics() *Metrics {
	return globalMetrics
}

// RecordSessionCreated counts a session that joined its agent.
func (m *Metrics) RecordSessionCreated(agentID int32) {
	m.sessionsCreated.Add(1)
	m.agent(agentID).sessionsCreated.Add(1)
}

// RecordSessionEnded counts a session reaching a terminal status.
func (m *Metrics) RecordSessionEnded(agentID int32, duration time.Duration, failed bool) {
	m.sessionsEnded.Add(1)
	if failed {
		m.sessionsFailed.Add(1)
	}
	am := m.agent(agentID)
	am.sessionsEnded.Add(1)
	am.totalDuration.Add(int64(duration / time.Second))

	m.mu.Lock()
	if len(m.durations) >= m.maxDurations {
		m.durations = m.durations[1:]
	}
	m.durations = append(m.durations, duration)
	m.mu.Unlock()
}

// RecordCapacityRejection counts a join refused at the session ceiling.
func (m *Metrics) RecordCapacityRejection(agentID int32) {
	m.capacityRejections.Add(1)
	m.agent(agentID).capacityRejections.Add(1)
}

// RecordPersistFailure counts a durable write that failed.
func (m *Metrics) RecordPersistFailure() {
	m.persistFailures.Add(1)
}

// RecordTokenIssued counts a join credential handed out.
func (m *Metrics) RecordTokenIssued() {
	m.tokensIssued.Add(1)
}

// PersistFailures returns the number of failed durable writes.
func (m *Metrics) PersistFailures() int64 {
	return m.persistFailures.Load()
}

func (m *Metrics) agent(agentID int32) *AgentMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	am, ok := m.agentMetrics[agentID]
	if !ok {
		am = &AgentMetrics{}
		m.agentMetrics[agentID] = am
	}
	return am
}

// Reset resets all metrics (useful for testing).
func (m *Metrics) Reset() {
	m.sessionsCreated.Store(0)
	m.sessionsEnded.Store(0)
	m.sessionsFailed.Store(0)
	m.capacityRejections.Store(0)
	m.persistFailures.Store(0)
	m.tokensIssued.Store(0)

	m.mu.Lock()
	m.agentMetrics = make(map[int32]*AgentMetrics)
	m.durations = make([]time.Duration, 0, m.maxDurations)
	m.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents := make(map[int32]*AgentMetricsSnapshot, len(m.agentMetrics))
	for agentID, am := range m.agentMetrics {
		agents[agentID] = am.snapshot()
	}

	return &MetricsSnapshot{
		SessionsCreated:    m.sessionsCreated.Load(),
		SessionsEnded:      m.sessionsEnded.Load(),
		SessionsFailed:     m.sessionsFailed.Load(),
		CapacityRejections: m.capacityRejections.Load(),
		PersistFailures:    m.persistFailures.Load(),
		TokensIssued:       m.tokensIssued.Load(),
		Agents:             agents,
		DurationP50:        percentile(m.durations, 0.50),
		DurationP95:        percentile(m.durations, 0.95),
	}
}

// AgentSnapshot returns the counters for one agent, zero when never seen.
func (m *Metrics) AgentSnapshot(agentID int32) *AgentMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if am, ok := m.agentMetrics[agentID]; ok {
		return am.snapshot()
	}
	return &AgentMetricsSnapshot{}
}

func (am *AgentMetrics) snapshot() *AgentMetricsSnapshot {
	s := &AgentMetricsSnapshot{
		SessionsCreated:    am.sessionsCreated.Load(),
		SessionsEnded:      am.sessionsEnded.Load(),
		CapacityRejections: am.capacityRejections.Load(),
		TotalDurationSecs:  am.totalDuration.Load(),
	}
	if s.SessionsEnded > 0 {
		s.AverageDurationSecs = s.TotalDurationSecs / s.SessionsEnded
	}
	return s
}

// Must be called with lock held.
func percentile(durations []time.Duration, q float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	SessionsCreated    int64
	SessionsEnded      int64
	SessionsFailed     int64
	CapacityRejections int64
	PersistFailures    int64
	TokensIssued       int64
	Agents             map[int32]*AgentMetricsSnapshot
	DurationP50        time.Duration
	DurationP95        time.Duration
}

// AgentMetricsSnapshot represents metrics for a specific agent.
type AgentMetricsSnapshot struct {
	SessionsCreated     int64
	SessionsEnded       int64
	CapacityRejections  int64
	TotalDurationSecs   int64
	AverageDurationSecs int64
}

// FailureRate returns the share of ended sessions that ended in error, 0-100.
func (s *MetricsSnapshot) FailureRate() float64 {
	if s.SessionsEnded == 0 {
		return 0
	}
	return float64(s.SessionsFailed) / float64(s.SessionsEnded) * 100.0
}
