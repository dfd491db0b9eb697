package agent

import (
	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
)

// Sentinel errors. Match them with errors.Is; messages returned to callers may carry more detail.
var (
	ErrAgentNotRegistered = apperrors.New(apperrors.ErrCodeAgentNotRegistered, "agent not registered")
	ErrCapacityExceeded   = apperrors.New(apperrors.ErrCodeCapacityExceeded, "agent is at capacity")
	ErrTenantMismatch     = apperrors.New(apperrors.ErrCodeTenantMismatch, "tenant does not own agent")
	ErrTooManyAgents      = apperrors.New(apperrors.ErrCodeTooManyAgents, "runtime is at its agent limit")
)

func agentNotRegistered(agentID int32) error {
	return apperrors.Newf(apperrors.ErrCodeAgentNotRegistered, "agent %d is not registered", agentID)
}
