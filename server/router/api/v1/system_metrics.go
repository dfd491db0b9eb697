package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RuntimeMetricsResponse is the in-process view of the runtime.
type RuntimeMetricsResponse struct {
	Agents             int     `json:"agents"`
	SessionsCreated    int64   `json:"sessionsCreated"`
	SessionsEnded      int64   `json:"sessionsEnded"`
	SessionsFailed     int64   `json:"sessionsFailed"`
	CapacityRejections int64   `json:"capacityRejections"`
	PersistFailures    int64   `json:"persistFailures"`
	TokensIssued       int64   `json:"tokensIssued"`
	FailureRate        float64 `json:"failureRate"`
	P50DurationMs      int64   `json:"p50DurationMs"`
	P95DurationMs      int64   `json:"p95DurationMs"`
}

// GetAgentMetrics aggregates one agent's sessions.
// GET /api/metrics/agent/:agentId?range=24h
func (s *APIV1Service) GetAgentMetrics(c echo.Context) error {
	agentID, err := parseID(c.Param("agentId"))
	if err != nil {
		return badRequest(c, "invalid agent id")
	}
	metrics, err := s.Runtime.AgentMetrics(c.Request().Context(), agentID, c.QueryParam("range"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, metrics)
}

// GetTenantMetrics aggregates a tenant's sessions.
// GET /api/metrics/tenant/:tenantId?range=24h
func (s *APIV1Service) GetTenantMetrics(c echo.Context) error {
	tenantID, err := parseID(c.Param("tenantId"))
	if err != nil {
		return badRequest(c, "invalid tenant id")
	}
	metrics, err := s.Runtime.TenantMetrics(c.Request().Context(), tenantID, c.QueryParam("range"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, metrics)
}

// GetSessionMetrics reports a single session.
// GET /api/metrics/session/:sessionId
func (s *APIV1Service) GetSessionMetrics(c echo.Context) error {
	metrics, err := s.Runtime.SessionMetricsFor(c.Request().Context(), c.Param("sessionId"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, metrics)
}

// GetRuntimeMetrics returns the process counters.
// GET /api/metrics/runtime
func (s *APIV1Service) GetRuntimeMetrics(c echo.Context) error {
	snap := s.Metrics.Snapshot()
	return c.JSON(http.StatusOK, RuntimeMetricsResponse{
		Agents:             len(s.Runtime.ListAgents()),
		SessionsCreated:    snap.SessionsCreated,
		SessionsEnded:      snap.SessionsEnded,
		SessionsFailed:     snap.SessionsFailed,
		CapacityRejections: snap.CapacityRejections,
		PersistFailures:    snap.PersistFailures,
		TokensIssued:       snap.TokensIssued,
		FailureRate:        snap.FailureRate(),
		P50DurationMs:      snap.DurationP50.Milliseconds(),
		P95DurationMs:      snap.DurationP95.Milliseconds(),
	})
}

// Health reports liveness.
// GET /api/health
func (s *APIV1Service) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.Profile.Version,
	})
}

// Ready reports whether the store is reachable.
// GET /api/health/ready
func (s *APIV1Service) Ready(c echo.Context) error {
	if err := s.Runtime.Ready(c.Request().Context()); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ready",
		"agents": len(s.Runtime.ListAgents()),
	})
}
