package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"

	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/store"
)

const (
	breakerMaxFailures = 5
	breakerTimeout     = 30 * time.Second
	breakerInterval    = time.Minute
)

// SessionStore is the part of the store the persister writes to.
type SessionStore interface {
	CreateAgentSession(ctx context.Context, create *store.AgentSession) (*store.AgentSession, error)
	UpdateAgentSession(ctx context.Context, update *store.UpdateAgentSession) error
}

// StorePersister writes sessions to the agent_instance_sessions table.
// Writes go through a circuit breaker so an unreachable database fails fast.
type StorePersister struct {
	store             SessionStore
	runtimeInstanceID *int32
	breaker           *gobreaker.CircuitBreaker[struct{}]
}

// NewStorePersister creates a persister. runtimeInstanceID may be nil.
func NewStorePersister(s SessionStore, runtimeInstanceID *int32) *StorePersister {
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "session-store",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &StorePersister{
		store:             s,
		runtimeInstanceID: runtimeInstanceID,
		breaker:           breaker,
	}
}

// SaveSession inserts the session row.
func (p *StorePersister) SaveSession(ctx context.Context, s *Session) error {
	record := &store.AgentSession{
		AgentID:           s.AgentID,
		TenantID:          s.TenantID,
		SessionID:         s.SessionID,
		RoomName:          s.RoomName,
		RuntimeInstanceID: p.runtimeInstanceID,
		Status:            string(s.Status),
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
		ParticipantCount:  s.ParticipantCount,
	}
	if seconds, ok := s.DurationSeconds(); ok {
		record.DurationSeconds = &seconds
	}
	return p.execute(func() error {
		_, err := p.store.CreateAgentSession(ctx, record)
		return err
	})
}

// UpdateSession writes status, participant count and, once terminal, end time and duration.
func (p *StorePersister) UpdateSession(ctx context.Context, s *Session) error {
	status := string(s.Status)
	participants := s.ParticipantCount
	update := &store.UpdateAgentSession{
		SessionID:        s.SessionID,
		Status:           &status,
		ParticipantCount: &participants,
		EndedAt:          s.EndedAt,
	}
	if seconds, ok := s.DurationSeconds(); ok {
		update.DurationSeconds = &seconds
	}
	return p.execute(func() error {
		return p.store.UpdateAgentSession(ctx, update)
	})
}

// State exposes the breaker state for readiness reporting.
func (p *StorePersister) State() gobreaker.State {
	return p.breaker.State()
}

func (p *StorePersister) execute(fn func() error) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.DependencyUnavailable("session store circuit open", err)
	}
	return apperrors.Wrap(err, apperrors.ErrCodePersistenceFailure, "failed to persist session")
}
