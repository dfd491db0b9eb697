package store

import "time"

// Durable session statuses. They mirror the in-memory lifecycle.
const (
	AgentSessionConnecting = "connecting"
	AgentSessionActive     = "active"
	AgentSessionEnded      = "ended"
	AgentSessionError      = "error"
)

// AgentSession is the durable record of one call session.
type AgentSession struct {
	ID                int64
	AgentID           int32
	TenantID          int32
	SessionID         string
	RoomName          string
	RuntimeInstanceID *int32
	Status            string
	StartedAt         time.Time
	EndedAt           *time.Time
	DurationSeconds   *int64
	ParticipantCount  int32
}

// IsTerminal reports whether the record reached ended or error.
func (s *AgentSession) IsTerminal() bool {
	return s.Status == AgentSessionEnded || s.Status == AgentSessionError
}

// UpdateAgentSession specifies the fields to change on a session record.
type UpdateAgentSession struct {
	SessionID        string
	Status           *string
	EndedAt          *time.Time
	DurationSeconds  *int64
	ParticipantCount *int32
}

// FindAgentSession specifies the conditions for finding session records.
type FindAgentSession struct {
	SessionID         *string
	AgentID           *int32
	TenantID          *int32
	RuntimeInstanceID *int32
	StatusList        []string
	StartedAfter      *time.Time
	Limit             int
}

// DeleteAgentSession specifies the conditions for purging session records.
type DeleteAgentSession struct {
	EndedBefore *time.Time // Delete terminal records that ended before this time
}

// FindAgentSessionStats narrows the rows aggregated by GetAgentSessionStats.
type FindAgentSessionStats struct {
	AgentID      *int32
	TenantID     *int32
	SessionID    *string
	StartedAfter *time.Time
}

// AgentSessionStats represents aggregated session metrics.
type AgentSessionStats struct {
	TotalSessions        int64
	OpenSessions         int64 // connecting or active
	EndedSessions        int64
	ErrorSessions        int64
	TotalDurationSeconds int64
	MaxParticipants      int32
}

// AvgDurationSeconds returns the mean duration over terminal sessions.
func (s *AgentSessionStats) AvgDurationSeconds() float64 {
	terminal := s.EndedSessions + s.ErrorSessions
	if terminal == 0 {
		return 0
	}
	return float64(s.TotalDurationSeconds) / float64(terminal)
}
