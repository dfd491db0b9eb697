package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/store"
)

type mockSessionStore struct {
	created []*store.AgentSession
	updated []*store.UpdateAgentSession
	err     error
}

func (m *mockSessionStore) CreateAgentSession(_ context.Context, create *store.AgentSession) (*store.AgentSession, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.created = append(m.created, create)
	return create, nil
}

func (m *mockSessionStore) UpdateAgentSession(_ context.Context, update *store.UpdateAgentSession) error {
	if m.err != nil {
		return m.err
	}
	m.updated = append(m.updated, update)
	return nil
}

func TestStorePersister(t *testing.T) {
	ctx := context.Background()
	mock := &mockSessionStore{}
	instanceID := int32(7)
	p := NewStorePersister(mock, &instanceID)

	startedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &Session{SessionID: "s1", AgentID: 1, TenantID: 2, RoomName: "room", Status: StatusConnecting, StartedAt: startedAt}
	require.NoError(t, p.SaveSession(ctx, s))
	require.Len(t, mock.created, 1)
	row := mock.created[0]
	assert.Equal(t, "s1", row.SessionID)
	assert.Equal(t, "connecting", row.Status)
	assert.Equal(t, &instanceID, row.RuntimeInstanceID)
	assert.Nil(t, row.DurationSeconds)

	s.Status = StatusActive
	s.ParticipantCount = 3
	require.NoError(t, p.UpdateSession(ctx, s))
	require.Len(t, mock.updated, 1)
	assert.Equal(t, "active", *mock.updated[0].Status)
	assert.Equal(t, int32(3), *mock.updated[0].ParticipantCount)
	assert.Nil(t, mock.updated[0].EndedAt)
	assert.Nil(t, mock.updated[0].DurationSeconds)

	endedAt := startedAt.Add(61*time.Second + 900*time.Millisecond)
	s.Status, s.EndedAt = StatusEnded, &endedAt
	require.NoError(t, p.UpdateSession(ctx, s))
	last := mock.updated[1]
	assert.Equal(t, "ended", *last.Status)
	require.NotNil(t, last.DurationSeconds)
	assert.Equal(t, int64(61), *last.DurationSeconds)
}

func TestStorePersisterCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	mock := &mockSessionStore{err: errors.New("connection refused")}
	p := NewStorePersister(mock, nil)
	s := &Session{SessionID: "s1", Status: StatusConnecting, StartedAt: time.Now()}

	for i := 0; i < breakerMaxFailures; i++ {
		err := p.SaveSession(ctx, s)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodePersistenceFailure))
	}
	assert.Equal(t, gobreaker.StateOpen, p.State())

	err := p.SaveSession(ctx, s)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDependencyUnavailable))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
