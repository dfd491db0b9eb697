package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/agentruntime/internal/profile"
	"github.com/hrygo/agentruntime/store/cache"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	settingCache *cache.LRU
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:       driver,
		profile:      profile,
		settingCache: cache.NewLRU(256, 10*time.Minute),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.GetDB().PingContext(ctx)
}

func (s *Store) Close() error {
	s.settingCache.Clear()
	return s.driver.Close()
}

func (s *Store) CreateAgentSession(ctx context.Context, create *AgentSession) (*AgentSession, error) {
	return s.driver.CreateAgentSession(ctx, create)
}

func (s *Store) UpdateAgentSession(ctx context.Context, update *UpdateAgentSession) error {
	return s.driver.UpdateAgentSession(ctx, update)
}

func (s *Store) ListAgentSessions(ctx context.Context, find *FindAgentSession) ([]*AgentSession, error) {
	return s.driver.ListAgentSessions(ctx, find)
}

// GetAgentSession returns the record for sessionID, or nil when there is none.
func (s *Store) GetAgentSession(ctx context.Context, sessionID string) (*AgentSession, error) {
	list, err := s.driver.ListAgentSessions(ctx, &FindAgentSession{SessionID: &sessionID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) DeleteAgentSessions(ctx context.Context, delete *DeleteAgentSession) (int64, error) {
	if delete == nil || delete.EndedBefore == nil {
		return 0, errors.New("ended_before is required for deletion")
	}
	return s.driver.DeleteAgentSessions(ctx, delete)
}

func (s *Store) GetAgentSessionStats(ctx context.Context, find *FindAgentSessionStats) (*AgentSessionStats, error) {
	return s.driver.GetAgentSessionStats(ctx, find)
}

func (s *Store) UpsertAgentRegistration(ctx context.Context, upsert *AgentRegistration) (*AgentRegistration, error) {
	return s.driver.UpsertAgentRegistration(ctx, upsert)
}

func (s *Store) ListAgentRegistrations(ctx context.Context, find *FindAgentRegistration) ([]*AgentRegistration, error) {
	return s.driver.ListAgentRegistrations(ctx, find)
}

func (s *Store) DeleteAgentRegistration(ctx context.Context, delete *DeleteAgentRegistration) error {
	return s.driver.DeleteAgentRegistration(ctx, delete)
}
