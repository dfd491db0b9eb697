package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/agentruntime/plugin/events"
	"github.com/hrygo/agentruntime/plugin/livekit"
	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/server/internal/observability"
	"github.com/hrygo/agentruntime/server/service/session"
	"github.com/hrygo/agentruntime/store"
	teststore "github.com/hrygo/agentruntime/store/test"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (*recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

func newRuntimeOverStore(t *testing.T, st *store.Store, opts Options) (*Runtime, *session.Registry) {
	t.Helper()
	metrics := observability.NewMetrics(0)
	registry := session.NewRegistry(
		session.WithPersister(session.NewStorePersister(st, opts.RuntimeInstanceID)),
		session.WithMetrics(metrics),
	)
	opts.Metrics = metrics
	rt := NewRuntime(registry, st, opts)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt, registry
}

func newTestRuntime(t *testing.T, opts Options) (*Runtime, *session.Registry, *store.Store) {
	t.Helper()
	st := teststore.NewTestingStore(context.Background(), t)
	rt, registry := newRuntimeOverStore(t, st, opts)
	return rt, registry, st
}

func TestRuntimeCapacityScenario(t *testing.T) {
	ctx := context.Background()
	rt, _, _ := newTestRuntime(t, Options{})

	_, err := rt.RegisterAgent(ctx, 9, testConfig(1, 9, 1))
	require.NoError(t, err)

	first, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 9, RoomName: "room-a"})
	require.NoError(t, err)
	assert.Equal(t, "room-a", first.RoomName)
	assert.Equal(t, session.StatusActive, first.Status)
	assert.NotEmpty(t, first.SessionID)

	_, err = rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 9, RoomName: "room-b"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	require.NoError(t, rt.EndSession(ctx, first.SessionID))

	second, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 9, RoomName: "room-b"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestRuntimeCreateSessionRejections(t *testing.T) {
	ctx := context.Background()
	rt, registry, st := newTestRuntime(t, Options{})

	_, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 42, TenantID: 1, RoomName: "room"})
	assert.ErrorIs(t, err, ErrAgentNotRegistered)
	assert.Equal(t, 0, registry.Count())
	require.NoError(t, registry.Flush(ctx))
	records, err := st.ListAgentSessions(ctx, &store.FindAgentSession{})
	require.NoError(t, err)
	assert.Empty(t, records, "a rejected create must not leave a record")

	_, err = rt.RegisterAgent(ctx, 9, testConfig(1, 9, 1))
	require.NoError(t, err)
	_, err = rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 10, RoomName: "room"})
	assert.ErrorIs(t, err, ErrTenantMismatch)

	_, err = rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 9})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
}

func TestRuntimeRegisterAgentValidation(t *testing.T) {
	ctx := context.Background()
	rt, _, _ := newTestRuntime(t, Options{})

	_, err := rt.RegisterAgent(ctx, 9, nil)
	assert.Error(t, err)
	_, err = rt.RegisterAgent(ctx, 9, testConfig(1, 8, 1))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
	_, err = rt.RegisterAgent(ctx, 9, &Config{AgentID: 1})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))

	created, err := rt.RegisterAgent(ctx, 9, &Config{AgentID: 1, Name: "inherits tenant"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int32(9), rt.GetAgentStatus(1).TenantID)
}

func TestRuntimeRegisterAgentWithoutSchemaVersion(t *testing.T) {
	ctx := context.Background()
	rt, _, st := newTestRuntime(t, Options{})

	cfg := testConfig(1, 9, 3)
	require.Zero(t, cfg.SchemaVersion)
	created, err := rt.RegisterAgent(ctx, 9, cfg)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Zero(t, cfg.SchemaVersion, "caller config must not change")

	agentID := int32(1)
	regs, err := st.ListAgentRegistrations(ctx, &store.FindAgentRegistration{AgentID: &agentID})
	require.NoError(t, err)
	require.Len(t, regs, 1)
	reg := regs[0]
	stored, err := ParseConfig([]byte(reg.Config))
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, stored.SchemaVersion)
	assert.Contains(t, reg.Config, `"schemaVersion":1`)
}

func TestRuntimeRegistrationStoreFollowsMemory(t *testing.T) {
	ctx := context.Background()
	rt, _, st := newTestRuntime(t, Options{})
	agentID := int32(1)

	storedRegistration := func() *Config {
		regs, err := st.ListAgentRegistrations(ctx, &store.FindAgentRegistration{AgentID: &agentID})
		require.NoError(t, err)
		if len(regs) == 0 {
			return nil
		}
		cfg, err := ParseConfig([]byte(regs[0].Config))
		require.NoError(t, err)
		return cfg
	}

	for round := 0; round < 20; round++ {
		var wg sync.WaitGroup
		for i := 1; i <= 8; i++ {
			wg.Add(1)
			go func(limit int) {
				defer wg.Done()
				if limit%3 == 0 {
					assert.NoError(t, rt.UnregisterAgent(ctx, agentID))
					return
				}
				_, err := rt.RegisterAgent(ctx, 9, testConfig(agentID, 9, limit))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		status := rt.GetAgentStatus(agentID)
		stored := storedRegistration()
		if !status.Registered {
			assert.Nil(t, stored, "round %d: unregistered agent still stored", round)
			continue
		}
		require.NotNil(t, stored, "round %d: registered agent missing from store", round)
		assert.Equal(t, status.MaxSessions, stored.MaxConcurrentSessions, "round %d", round)
	}
}

func TestRuntimeEndSession(t *testing.T) {
	ctx := context.Background()
	rt, registry, st := newTestRuntime(t, Options{})
	_, err := rt.RegisterAgent(ctx, 1, testConfig(1, 1, 5))
	require.NoError(t, err)

	handle, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 1, RoomName: "room"})
	require.NoError(t, err)

	require.NoError(t, rt.EndSession(ctx, handle.SessionID))
	assert.NoError(t, rt.EndSession(ctx, handle.SessionID), "ending twice is a no-op")
	assert.ErrorIs(t, rt.EndSession(ctx, "does-not-exist"), session.ErrSessionNotFound)
	assert.Zero(t, rt.GetAgentStatus(1).ActiveSessions)

	_, live := rt.GetSession(handle.SessionID)
	assert.False(t, live)

	require.NoError(t, registry.Flush(ctx))
	record, err := st.GetAgentSession(ctx, handle.SessionID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, store.AgentSessionEnded, record.Status)
	require.NotNil(t, record.EndedAt)
	require.NotNil(t, record.DurationSeconds)
	assert.GreaterOrEqual(t, *record.DurationSeconds, int64(0))

	historical, err := rt.GetSessionRecord(ctx, handle.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, historical.Status)
	_, err = rt.GetSessionRecord(ctx, "does-not-exist")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRuntimeUnregisterEndsSessions(t *testing.T) {
	ctx := context.Background()
	rt, registry, st := newTestRuntime(t, Options{})
	_, err := rt.RegisterAgent(ctx, 1, testConfig(1, 1, 5))
	require.NoError(t, err)

	var ids []string
	for _, room := range []string{"a", "b", "c"} {
		handle, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 1, RoomName: room})
		require.NoError(t, err)
		ids = append(ids, handle.SessionID)
	}

	require.NoError(t, rt.UnregisterAgent(ctx, 1))
	assert.Empty(t, rt.ListAgents())
	for _, id := range ids {
		assert.NoError(t, rt.EndSession(ctx, id), "sessions ended by unregister stay ended")
	}

	require.NoError(t, registry.Flush(ctx))
	records, err := st.ListAgentSessions(ctx, &store.FindAgentSession{StatusList: []string{store.AgentSessionEnded}})
	require.NoError(t, err)
	assert.Len(t, records, 3)

	regs, err := st.ListAgentRegistrations(ctx, &store.FindAgentRegistration{})
	require.NoError(t, err)
	assert.Empty(t, regs)
}

func TestRuntimeEndSessionAfterAgentRemoved(t *testing.T) {
	ctx := context.Background()
	rt, registry, _ := newTestRuntime(t, Options{})

	s, err := registry.CreateSession(ctx, &session.Create{AgentID: 5, TenantID: 1, RoomName: "room"})
	require.NoError(t, err)
	require.NoError(t, rt.EndSession(ctx, s.SessionID))
	assert.True(t, registry.WasEnded(s.SessionID))
}

func TestRuntimeRestore(t *testing.T) {
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	instanceID := int32(3)

	before, beforeRegistry := newRuntimeOverStore(t, st, Options{RuntimeInstanceID: &instanceID})
	_, err := before.RegisterAgent(ctx, 9, testConfig(1, 9, 2))
	require.NoError(t, err)
	handle, err := before.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 9, RoomName: "room"})
	require.NoError(t, err)
	require.NoError(t, beforeRegistry.Flush(ctx))

	after, _ := newRuntimeOverStore(t, st, Options{RuntimeInstanceID: &instanceID})
	require.NoError(t, after.Restore(ctx))

	status := after.GetAgentStatus(1)
	assert.True(t, status.Registered)
	assert.Equal(t, 2, status.MaxSessions)
	assert.Zero(t, status.ActiveSessions)

	record, err := st.GetAgentSession(ctx, handle.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentSessionError, record.Status)
	assert.NotNil(t, record.EndedAt)

	assert.NoError(t, after.EndSession(ctx, handle.SessionID), "reconciled sessions are already terminal")
}

func TestRuntimeEndSessionClosesOrphanRecord(t *testing.T) {
	ctx := context.Background()
	rt, _, st := newTestRuntime(t, Options{})

	_, err := st.CreateAgentSession(ctx, &store.AgentSession{
		AgentID:   1,
		TenantID:  1,
		SessionID: "orphan",
		RoomName:  "room",
		Status:    store.AgentSessionActive,
		StartedAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, rt.EndSession(ctx, "orphan"))
	record, err := st.GetAgentSession(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, store.AgentSessionEnded, record.Status)
	require.NotNil(t, record.DurationSeconds)
	assert.GreaterOrEqual(t, *record.DurationSeconds, int64(59))
}

func TestRuntimeJoinTokens(t *testing.T) {
	ctx := context.Background()
	creds := livekit.Credentials{URL: "wss://lk.example", APIKey: "key", APISecret: "a-long-enough-test-secret"}
	rt, _, _ := newTestRuntime(t, Options{Credentials: livekit.NewResolver(creds, nil)})
	_, err := rt.RegisterAgent(ctx, 1, testConfig(1, 1, 5))
	require.NoError(t, err)

	handle, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 1, RoomName: "room", ParticipantName: "Ada"})
	require.NoError(t, err)
	require.NotEmpty(t, handle.Token)
	assert.Equal(t, creds.URL, handle.ServerURL)

	claims, err := livekit.ParseToken(handle.Token, creds.APISecret)
	require.NoError(t, err)
	assert.Equal(t, "room", claims.Video.Room)
	assert.Equal(t, "Ada", claims.Subject)

	token, err := rt.IssueJoinToken(ctx, handle.SessionID, "guest-1", "Guest")
	require.NoError(t, err)
	claims, err = livekit.ParseToken(token.Token, creds.APISecret)
	require.NoError(t, err)
	assert.Equal(t, "guest-1", claims.Subject)

	_, err = rt.IssueJoinToken(ctx, "missing", "guest", "")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = rt.IssueJoinToken(ctx, handle.SessionID, "", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
}

func TestRuntimeJoinTokenPerAgentCredentials(t *testing.T) {
	ctx := context.Background()
	rt, _, _ := newTestRuntime(t, Options{})
	cfg := testConfig(1, 1, 5)
	cfg.LiveKitConfig = &LiveKitConfig{URL: "wss://agent", APIKey: "agent-key", APISecret: "agent-secret-agent-secret"}
	_, err := rt.RegisterAgent(ctx, 1, cfg)
	require.NoError(t, err)

	handle, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 1, RoomName: "room", ParticipantName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "wss://agent", handle.ServerURL)
	_, err = livekit.ParseToken(handle.Token, "agent-secret-agent-secret")
	assert.NoError(t, err)
}

func TestRuntimeJoinTokenNotConfigured(t *testing.T) {
	ctx := context.Background()
	rt, _, _ := newTestRuntime(t, Options{})
	_, err := rt.RegisterAgent(ctx, 1, testConfig(1, 1, 5))
	require.NoError(t, err)

	handle, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 1, RoomName: "room", ParticipantName: "Ada"})
	require.NoError(t, err, "a missing token never fails the session")
	assert.Empty(t, handle.Token)

	_, err = rt.IssueJoinToken(ctx, handle.SessionID, "guest", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDependencyUnavailable))
}

func TestRuntimeReapStale(t *testing.T) {
	ctx := context.Background()
	rt, registry, _ := newTestRuntime(t, Options{})
	_, err := rt.RegisterAgent(ctx, 1, testConfig(1, 1, 5))
	require.NoError(t, err)

	stuck, err := registry.CreateSession(ctx, &session.Create{AgentID: 1, TenantID: 1, RoomName: "stuck"})
	require.NoError(t, err)
	active, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 1, RoomName: "ok"})
	require.NoError(t, err)

	assert.Zero(t, rt.ReapStale(ctx, 0))

	rt.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 1, rt.ReapStale(ctx, time.Minute))
	assert.True(t, registry.WasEnded(stuck.SessionID))
	_, live := rt.GetSession(active.SessionID)
	assert.True(t, live, "active sessions are not reaped")
}

func TestRuntimeMetrics(t *testing.T) {
	ctx := context.Background()
	rt, registry, _ := newTestRuntime(t, Options{})
	_, err := rt.RegisterAgent(ctx, 9, testConfig(1, 9, 5))
	require.NoError(t, err)

	ended, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 9, RoomName: "a"})
	require.NoError(t, err)
	require.NoError(t, rt.EndSession(ctx, ended.SessionID))
	open, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 9, RoomName: "b"})
	require.NoError(t, err)
	require.NoError(t, registry.Flush(ctx))

	agentMetrics, err := rt.AgentMetrics(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultMetricsRange, agentMetrics.Range)
	assert.Equal(t, int64(2), agentMetrics.TotalSessions)
	assert.Equal(t, int64(1), agentMetrics.EndedSessions)
	assert.Equal(t, int64(1), agentMetrics.OpenSessions)
	assert.Equal(t, 1, agentMetrics.LiveSessions)

	tenantMetrics, err := rt.TenantMetrics(ctx, 9, "7d")
	require.NoError(t, err)
	assert.Equal(t, int64(2), tenantMetrics.TotalSessions)
	assert.Equal(t, 1, tenantMetrics.LiveSessions)

	sessionMetrics, err := rt.SessionMetricsFor(ctx, open.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sessionMetrics.TotalSessions)
	assert.Equal(t, 1, sessionMetrics.LiveSessions)

	_, err = rt.SessionMetricsFor(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = rt.AgentMetrics(ctx, 1, "2w")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
}

func TestRuntimePublishesEvents(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	rt, _, _ := newTestRuntime(t, Options{Publisher: publisher})

	_, err := rt.RegisterAgent(ctx, 1, testConfig(1, 1, 5))
	require.NoError(t, err)
	handle, err := rt.CreateSession(ctx, &CreateSessionRequest{AgentID: 1, TenantID: 1, RoomName: "room"})
	require.NoError(t, err)
	require.NoError(t, rt.EndSession(ctx, handle.SessionID))
	require.NoError(t, rt.UnregisterAgent(ctx, 1))

	assert.Eventually(t, func() bool { return len(publisher.Types()) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{
		events.TypeAgentRegistered,
		events.TypeSessionCreated,
		events.TypeSessionEnded,
		events.TypeAgentUnregistered,
	}, publisher.Types())
}

func TestRuntimeReady(t *testing.T) {
	rt, _, _ := newTestRuntime(t, Options{})
	assert.NoError(t, rt.Ready(context.Background()))
}
