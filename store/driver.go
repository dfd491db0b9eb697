package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)

	// AgentSession model related methods.
	CreateAgentSession(ctx context.Context, create *AgentSession) (*AgentSession, error)
	UpdateAgentSession(ctx context.Context, update *UpdateAgentSession) error
	ListAgentSessions(ctx context.Context, find *FindAgentSession) ([]*AgentSession, error)
	DeleteAgentSessions(ctx context.Context, delete *DeleteAgentSession) (int64, error)
	GetAgentSessionStats(ctx context.Context, find *FindAgentSessionStats) (*AgentSessionStats, error)

	// AgentRegistration model related methods.
	UpsertAgentRegistration(ctx context.Context, upsert *AgentRegistration) (*AgentRegistration, error)
	ListAgentRegistrations(ctx context.Context, find *FindAgentRegistration) ([]*AgentRegistration, error)
	DeleteAgentRegistration(ctx context.Context, delete *DeleteAgentRegistration) error

	// Setting model related methods.
	UpsertSetting(ctx context.Context, upsert *Setting) (*Setting, error)
	ListSettings(ctx context.Context, find *FindSetting) ([]*Setting, error)
	DeleteSetting(ctx context.Context, delete *DeleteSetting) error
}
