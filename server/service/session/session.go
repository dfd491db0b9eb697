// Package session owns the canonical records of call sessions and their persistence.
package session

import (
	"time"

	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// IsTerminal reports whether the status is ended or error.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusConnecting, StatusActive, StatusEnded, StatusError:
		return true
	}
	return false
}

var (
	// ErrSessionNotFound is returned for session ids the registry has never seen.
	ErrSessionNotFound = apperrors.New(apperrors.ErrCodeSessionNotFound, "session not found")
	// ErrDuplicateSession is returned when a caller-supplied id is already in use.
	ErrDuplicateSession = apperrors.New(apperrors.ErrCodeInvalidArgument, "session id already in use")
)

// Session is one live or historical call.
// EndedAt is set if and only if Status is terminal.
type Session struct {
	SessionID        string     `json:"sessionId"`
	AgentID          int32      `json:"agentId"`
	TenantID         int32      `json:"tenantId"`
	RoomName         string     `json:"roomName"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	ParticipantCount int32      `json:"participantCount"`
}

// Duration returns the floor-rounded call length. ok is false until the session is terminal.
func (s *Session) Duration() (d time.Duration, ok bool) {
	if s.EndedAt == nil {
		return 0, false
	}
	return s.EndedAt.Sub(s.StartedAt).Truncate(time.Second), true
}

// DurationSeconds returns Duration in whole seconds.
func (s *Session) DurationSeconds() (int64, bool) {
	d, ok := s.Duration()
	return int64(d / time.Second), ok
}

func (s *Session) clone() *Session {
	c := *s
	if s.EndedAt != nil {
		endedAt := *s.EndedAt
		c.EndedAt = &endedAt
	}
	return &c
}

// Create describes a session to open.
type Create struct {
	// SessionID is optional; a fresh id is generated when empty.
	SessionID string
	AgentID   int32
	TenantID  int32
	RoomName  string
}
