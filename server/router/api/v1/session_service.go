package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/agentruntime/server/internal/observability"
	"github.com/hrygo/agentruntime/server/service/agent"
)

// CreateSessionRequest is the body of POST /api/sessions/create.
type CreateSessionRequest struct {
	AgentID             int32  `json:"agentId"`
	TenantID            int32  `json:"tenantId"`
	RoomName            string `json:"roomName"`
	ParticipantName     string `json:"participantName,omitempty"`
	ParticipantIdentity string `json:"participantIdentity,omitempty"`
}

// IssueTokenRequest is the body of POST /api/sessions/:sessionId/token.
type IssueTokenRequest struct {
	Identity string `json:"identity,omitempty"`
	Name     string `json:"name"`
}

// CreateSession opens a session on an agent.
// POST /api/sessions/create
func (s *APIV1Service) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AgentID <= 0 || req.TenantID <= 0 {
		return badRequest(c, "agentId and tenantId must be positive")
	}
	if req.RoomName == "" {
		return badRequest(c, "roomName is required")
	}

	ctx := c.Request().Context()
	if reqCtx, ok := observability.FromContext(ctx); ok {
		reqCtx.WithAgent(req.AgentID, req.TenantID)
	}
	handle, err := s.Runtime.CreateSession(ctx, &agent.CreateSessionRequest{
		AgentID:             req.AgentID,
		TenantID:            req.TenantID,
		RoomName:            req.RoomName,
		ParticipantName:     req.ParticipantName,
		ParticipantIdentity: req.ParticipantIdentity,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"session": handle,
	})
}

// EndSession ends a session.
// POST /api/sessions/:sessionId/end
func (s *APIV1Service) EndSession(c echo.Context) error {
	if err := s.Runtime.EndSession(c.Request().Context(), c.Param("sessionId")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// GetSession returns a live session or its durable record.
// GET /api/sessions/:sessionId
func (s *APIV1Service) GetSession(c echo.Context) error {
	session, err := s.Runtime.GetSessionRecord(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// IssueToken issues a join token for another participant of a live session.
// POST /api/sessions/:sessionId/token
func (s *APIV1Service) IssueToken(c echo.Context) error {
	var req IssueTokenRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	token, err := s.Runtime.IssueJoinToken(c.Request().Context(), c.Param("sessionId"), req.Identity, req.Name)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, token)
}
