package v1

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/server/internal/observability"
	"github.com/hrygo/agentruntime/server/service/agent"
)

// RegisterAgentRequest is the body of POST /api/agents/register.
type RegisterAgentRequest struct {
	AgentID  int32           `json:"agentId"`
	TenantID int32           `json:"tenantId"`
	Config   json.RawMessage `json:"config"`
}

// RegisterAgent registers or updates an agent.
// POST /api/agents/register
func (s *APIV1Service) RegisterAgent(c echo.Context) error {
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AgentID <= 0 || req.TenantID <= 0 {
		return badRequest(c, "agentId and tenantId must be positive")
	}
	if len(req.Config) == 0 {
		return badRequest(c, "config is required")
	}

	// The envelope ids fill in a config that omits them.
	var raw map[string]any
	if err := json.Unmarshal(req.Config, &raw); err != nil || raw == nil {
		return badRequest(c, "config must be a JSON object")
	}
	if _, ok := raw["agentId"]; !ok {
		raw["agentId"] = req.AgentID
	}
	if _, ok := raw["tenantId"]; !ok {
		raw["tenantId"] = req.TenantID
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return writeError(c, err)
	}

	cfg, err := agent.ParseConfig(data)
	if err != nil {
		return writeError(c, err)
	}
	if cfg.AgentID != req.AgentID {
		return badRequest(c, "config agentId does not match agentId")
	}

	ctx := c.Request().Context()
	if reqCtx, ok := observability.FromContext(ctx); ok {
		reqCtx.WithAgent(req.AgentID, req.TenantID)
	}
	created, err := s.Runtime.RegisterAgent(ctx, req.TenantID, cfg)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"agentId": req.AgentID,
		"created": created,
	})
}

// UnregisterAgent removes an agent and ends its sessions.
// DELETE /api/agents/:agentId
func (s *APIV1Service) UnregisterAgent(c echo.Context) error {
	agentID, err := parseID(c.Param("agentId"))
	if err != nil {
		return badRequest(c, "invalid agent id")
	}
	if err := s.Runtime.UnregisterAgent(c.Request().Context(), agentID); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// GetAgent returns the status of a registered agent.
// GET /api/agents/:agentId
func (s *APIV1Service) GetAgent(c echo.Context) error {
	agentID, err := parseID(c.Param("agentId"))
	if err != nil {
		return agentNotFound(c)
	}
	status := s.Runtime.GetAgentStatus(agentID)
	if !status.Registered {
		return agentNotFound(c)
	}
	return c.JSON(http.StatusOK, status)
}

// ListAgents returns the ids of every registered agent.
// GET /api/agents
func (s *APIV1Service) ListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]int32{"agents": s.Runtime.ListAgents()})
}

// agentNotFound writes the 404 used by agent lookups.
func agentNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]string{
		"error": "agent not found",
		"code":  string(apperrors.ErrCodeAgentNotRegistered),
	})
}

func parseID(raw string) (int32, error) {
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, strconv.ErrRange
	}
	return int32(id), nil
}
