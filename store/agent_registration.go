package store

// AgentRegistration is a persisted agent registration used for restart recovery.
type AgentRegistration struct {
	AgentID  int32
	TenantID int32
	// Config is the JSON encoded agent configuration.
	Config    string
	CreatedTs int64
	UpdatedTs int64
}

type FindAgentRegistration struct {
	AgentID  *int32
	TenantID *int32
}

type DeleteAgentRegistration struct {
	AgentID int32
}
