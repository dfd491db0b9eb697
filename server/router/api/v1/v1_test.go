package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/agentruntime/internal/profile"
	"github.com/hrygo/agentruntime/plugin/livekit"
	"github.com/hrygo/agentruntime/server/internal/observability"
	"github.com/hrygo/agentruntime/server/service/agent"
	"github.com/hrygo/agentruntime/server/service/session"
	teststore "github.com/hrygo/agentruntime/store/test"
)

const testAPIKey = "test-api-key"

type testServer struct {
	echo     *echo.Echo
	runtime  *agent.Runtime
	registry *session.Registry
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	metrics := observability.NewMetrics(0)
	registry := session.NewRegistry(
		session.WithPersister(session.NewStorePersister(st, nil)),
		session.WithMetrics(metrics),
	)
	creds := livekit.Credentials{URL: "wss://lk.test", APIKey: "key", APISecret: "secret-for-api-tests"}
	runtime := agent.NewRuntime(registry, st, agent.Options{
		Limits:      agent.Limits{MaxAgents: 10, MaxSessionsPerAgent: 10},
		Credentials: livekit.NewResolver(creds, nil),
		Metrics:     metrics,
	})
	t.Cleanup(func() { _ = runtime.Close(context.Background()) })

	p := &profile.Profile{APIKey: apiKey, Version: "0.1.0", RateLimit: 1000, RateBurst: 1000}
	e := echo.New()
	NewAPIV1Service(p, runtime, metrics).RegisterRoutes(e)
	return &testServer{echo: e, runtime: runtime, registry: registry}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func (s *testServer) register(t *testing.T, agentID, tenantID, max int) {
	t.Helper()
	body := `{"agentId": ` + itoa(agentID) + `, "tenantId": ` + itoa(tenantID) +
		`, "config": {"name": "agent", "maxConcurrentSessions": ` + itoa(max) + `}}`
	rec, resp := s.do(t, http.MethodPost, "/api/agents/register", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, true, resp["success"])
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, testAPIKey)

	for _, header := range []string{"", "Bearer wrong", testAPIKey} {
		req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
		if header != "" {
			req.Header.Set(echo.HeaderAuthorization, header)
		}
		rec := httptest.NewRecorder()
		s.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
		assert.Contains(t, rec.Body.String(), `"code":"UNAUTHORIZED"`)
	}

	rec, _ := s.do(t, http.MethodGet, "/api/agents", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "health needs no key")
}

func TestAuthenticationDisabledWithoutKey(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestAgentEndpoints(t *testing.T) {
	s := newTestServer(t, testAPIKey)
	s.register(t, 2, 9, 3)
	s.register(t, 1, 9, 3)

	rec, resp := s.do(t, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{float64(1), float64(2)}, resp["agents"])

	rec, resp = s.do(t, http.MethodGet, "/api/agents/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["registered"])
	assert.Equal(t, float64(3), resp["maxSessions"])

	rec, _ = s.do(t, http.MethodGet, "/api/agents/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/agents/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodDelete, "/api/agents/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/agents/1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterAgentValidation(t *testing.T) {
	s := newTestServer(t, testAPIKey)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"missing ids", `{"config": {"name": "x"}}`},
		{"missing config", `{"agentId": 1, "tenantId": 1}`},
		{"null config", `{"agentId": 1, "tenantId": 1, "config": null}`},
		{"array config", `{"agentId": 1, "tenantId": 1, "config": [1]}`},
		{"schema violation", `{"agentId": 1, "tenantId": 1, "config": {"name": ""}}`},
		{"mismatched agent", `{"agentId": 1, "tenantId": 1, "config": {"agentId": 2, "name": "x"}}`},
		{"bad schema version", `{"agentId": 1, "tenantId": 1, "config": {"schemaVersion": 7, "name": "x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, http.MethodPost, "/api/agents/register", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_ARGUMENT", resp["code"])
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, testAPIKey)
	s.register(t, 1, 9, 1)

	rec, resp := s.do(t, http.MethodPost, "/api/sessions/create",
		`{"agentId": 1, "tenantId": 9, "roomName": "room-a", "participantName": "Ada"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sess := resp["session"].(map[string]any)
	sessionID := sess["sessionId"].(string)
	assert.Equal(t, "room-a", sess["roomName"])
	assert.Equal(t, "wss://lk.test", sess["serverUrl"])
	assert.NotEmpty(t, sess["token"])

	rec, resp = s.do(t, http.MethodPost, "/api/sessions/create", `{"agentId": 1, "tenantId": 9, "roomName": "room-b"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CAPACITY_EXCEEDED", resp["code"])

	rec, resp = s.do(t, http.MethodGet, "/api/sessions/"+sessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", resp["status"])

	rec, resp = s.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/token", `{"name": "Guest"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, resp["token"])

	rec, _ = s.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/end", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/end", "")
	assert.Equal(t, http.StatusOK, rec.Code, "ending twice succeeds")

	require.NoError(t, s.registry.Flush(context.Background()))
	rec, resp = s.do(t, http.MethodGet, "/api/sessions/"+sessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ended", resp["status"])
	assert.NotNil(t, resp["endedAt"])

	rec, _ = s.do(t, http.MethodPost, "/api/sessions/create", `{"agentId": 1, "tenantId": 9, "roomName": "room-b"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionErrors(t *testing.T) {
	s := newTestServer(t, testAPIKey)
	s.register(t, 1, 9, 1)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"not registered", http.MethodPost, "/api/sessions/create", `{"agentId": 5, "tenantId": 9, "roomName": "r"}`, http.StatusBadRequest, "AGENT_NOT_REGISTERED"},
		{"tenant mismatch", http.MethodPost, "/api/sessions/create", `{"agentId": 1, "tenantId": 8, "roomName": "r"}`, http.StatusBadRequest, "TENANT_MISMATCH"},
		{"missing room", http.MethodPost, "/api/sessions/create", `{"agentId": 1, "tenantId": 9}`, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"end unknown", http.MethodPost, "/api/sessions/nope/end", "", http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"get unknown", http.MethodGet, "/api/sessions/nope", "", http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"token unknown", http.MethodPost, "/api/sessions/nope/token", `{"name": "x"}`, http.StatusNotFound, "SESSION_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, resp["code"])
			assert.NotEmpty(t, resp["error"])
		})
	}
}

func TestMetricsEndpoints(t *testing.T) {
	s := newTestServer(t, testAPIKey)
	s.register(t, 1, 9, 5)
	rec, resp := s.do(t, http.MethodPost, "/api/sessions/create", `{"agentId": 1, "tenantId": 9, "roomName": "r"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := resp["session"].(map[string]any)["sessionId"].(string)
	require.NoError(t, s.registry.Flush(context.Background()))

	rec, resp = s.do(t, http.MethodGet, "/api/metrics/agent/1?range=1h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), resp["totalSessions"])
	assert.Equal(t, "1h", resp["range"])

	rec, _ = s.do(t, http.MethodGet, "/api/metrics/tenant/9", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/api/metrics/session/"+sessionID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = s.do(t, http.MethodGet, "/api/metrics/agent/1?range=1y", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", resp["code"])

	rec, resp = s.do(t, http.MethodGet, "/api/metrics/runtime", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), resp["sessionsCreated"])
	assert.Equal(t, float64(1), resp["agents"])
}

func TestReady(t *testing.T) {
	s := newTestServer(t, testAPIKey)
	rec, resp := s.do(t, http.MethodGet, "/api/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", resp["status"])
}
