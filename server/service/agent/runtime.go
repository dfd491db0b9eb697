package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/agentruntime/plugin/events"
	"github.com/hrygo/agentruntime/plugin/livekit"
	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/server/internal/observability"
	"github.com/hrygo/agentruntime/server/service/session"
	"github.com/hrygo/agentruntime/store"
)

const readyTimeout = 2 * time.Second

// Options configures a Runtime.
type Options struct {
	Limits Limits
	// RuntimeInstanceID scopes orphan reconciliation to rows written by this process. Nil reconciles every open row.
	RuntimeInstanceID *int32
	// AgentsFile is an optional YAML file of agents registered by Restore.
	AgentsFile  string
	Publisher   events.Publisher
	Credentials *livekit.Resolver
	TokenTTL    time.Duration
	Metrics     *observability.Metrics
}

// CreateSessionRequest asks for a new session on an agent.
type CreateSessionRequest struct {
	AgentID  int32
	TenantID int32
	RoomName string
	// ParticipantName, when set, requests a join token for the caller.
	ParticipantName     string
	ParticipantIdentity string
}

// SessionHandle is what a caller needs to join a new session.
type SessionHandle struct {
	SessionID string           `json:"sessionId"`
	RoomName  string           `json:"roomName"`
	Status    session.Status   `json:"status"`
	StartedAt time.Time        `json:"startedAt"`
	Token     string           `json:"token,omitempty"`
	ServerURL string           `json:"serverUrl,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	Session   *session.Session `json:"-"`
}

// Runtime is the entry point used by the API: it composes the manager, the registry and the store.
type Runtime struct {
	manager  *Manager
	registry *session.Registry
	store    *store.Store

	publisher         events.Publisher
	credentials       *livekit.Resolver
	tokens            *livekit.TokenIssuer
	metrics           *observability.Metrics
	runtimeInstanceID *int32
	agentsFile        string
	now               func() time.Time

	regMu    sync.Mutex
	regLocks map[int32]*sync.Mutex
}

// NewRuntime creates a runtime over registry and s.
func NewRuntime(registry *session.Registry, s *store.Store, opts Options) *Runtime {
	if opts.Metrics == nil {
		opts.Metrics = observability.GlobalMetrics()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.Credentials == nil {
		opts.Credentials = livekit.NewResolver(livekit.Credentials{}, s)
	}
	return &Runtime{
		manager:           NewManager(registry, opts.Limits, opts.Metrics),
		registry:          registry,
		store:             s,
		publisher:         opts.Publisher,
		credentials:       opts.Credentials,
		tokens:            livekit.NewTokenIssuer(opts.TokenTTL),
		metrics:           opts.Metrics,
		runtimeInstanceID: opts.RuntimeInstanceID,
		agentsFile:        opts.AgentsFile,
		now:               time.Now,
	}
}

// Manager exposes the agent manager.
func (r *Runtime) Manager() *Manager {
	return r.manager
}

// lockRegistration serializes registration changes of one agent across memory and the store.
func (r *Runtime) lockRegistration(agentID int32) func() {
	r.regMu.Lock()
	if r.regLocks == nil {
		r.regLocks = make(map[int32]*sync.Mutex)
	}
	mu, ok := r.regLocks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		r.regLocks[agentID] = mu
	}
	r.regMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// RegisterAgent registers cfg for tenantID and records the registration for restart recovery.
func (r *Runtime) RegisterAgent(ctx context.Context, tenantID int32, cfg *Config) (bool, error) {
	if cfg == nil {
		return false, apperrors.InvalidArgument("agent config is required")
	}
	cfg = cfg.Clone()
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if cfg.TenantID == 0 {
		cfg.TenantID = tenantID
	}
	if cfg.TenantID != tenantID {
		return false, apperrors.Newf(apperrors.ErrCodeInvalidArgument,
			"config tenant %d does not match tenant %d", cfg.TenantID, tenantID)
	}
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	return r.register(ctx, cfg, true)
}

func (r *Runtime) register(ctx context.Context, cfg *Config, persist bool) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "runtime.register_agent",
		observability.AgentAttr(cfg.AgentID), observability.TenantAttr(cfg.TenantID))
	defer span.End()

	unlock := r.lockRegistration(cfg.AgentID)
	defer unlock()

	created, err := r.manager.RegisterAgent(ctx, cfg)
	if err != nil {
		observability.RecordError(span, err)
		return false, err
	}

	if persist {
		if err := r.saveRegistration(ctx, cfg); err != nil {
			slog.ErrorContext(ctx, "failed to persist agent registration",
				slog.Int(observability.LogFieldAgentID, int(cfg.AgentID)),
				slog.String("error", err.Error()),
			)
		}
	}
	r.publish(events.Event{Type: events.TypeAgentRegistered, AgentID: cfg.AgentID, TenantID: cfg.TenantID})
	slog.InfoContext(ctx, "agent registered",
		slog.Int(observability.LogFieldAgentID, int(cfg.AgentID)),
		slog.Int(observability.LogFieldTenantID, int(cfg.TenantID)),
		slog.Bool("created", created),
	)
	return created, nil
}

func (r *Runtime) saveRegistration(ctx context.Context, cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to encode agent config")
	}
	_, err = r.store.UpsertAgentRegistration(ctx, &store.AgentRegistration{
		AgentID:  cfg.AgentID,
		TenantID: cfg.TenantID,
		Config:   string(raw),
	})
	return err
}

// UnregisterAgent ends the agent's sessions and removes its registration. Unknown ids are a no-op.
func (r *Runtime) UnregisterAgent(ctx context.Context, agentID int32) error {
	ctx, span := observability.StartSpan(ctx, "runtime.unregister_agent", observability.AgentAttr(agentID))
	defer span.End()

	unlock := r.lockRegistration(agentID)
	defer unlock()

	inst, ok := r.manager.GetAgentInstance(agentID)
	if !ok {
		return nil
	}
	tenantID := inst.Config().TenantID

	if err := r.manager.UnregisterAgent(ctx, agentID); err != nil {
		observability.RecordError(span, err)
		slog.WarnContext(ctx, "agent cleanup reported errors",
			slog.Int(observability.LogFieldAgentID, int(agentID)),
			slog.String("error", err.Error()),
		)
	}
	if err := r.store.DeleteAgentRegistration(ctx, &store.DeleteAgentRegistration{AgentID: agentID}); err != nil {
		slog.ErrorContext(ctx, "failed to delete agent registration",
			slog.Int(observability.LogFieldAgentID, int(agentID)),
			slog.String("error", err.Error()),
		)
	}
	r.publish(events.Event{Type: events.TypeAgentUnregistered, AgentID: agentID, TenantID: tenantID})
	return nil
}

// CreateSession opens a session on a registered agent and, when asked, issues a join token.
func (r *Runtime) CreateSession(ctx context.Context, req *CreateSessionRequest) (*SessionHandle, error) {
	if req == nil || req.RoomName == "" {
		return nil, apperrors.InvalidArgument("room name is required")
	}
	ctx, span := observability.StartSpan(ctx, "runtime.create_session",
		observability.AgentAttr(req.AgentID), observability.TenantAttr(req.TenantID))
	defer span.End()

	inst, ok := r.manager.GetAgentInstance(req.AgentID)
	if !ok {
		err := agentNotRegistered(req.AgentID)
		observability.RecordError(span, err)
		return nil, err
	}
	cfg := inst.Config()
	if cfg.TenantID != req.TenantID {
		err := apperrors.Newf(apperrors.ErrCodeTenantMismatch,
			"tenant %d does not own agent %d", req.TenantID, req.AgentID)
		observability.RecordError(span, err)
		return nil, err
	}

	s, err := inst.JoinRoom(ctx, req.RoomName, "")
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(observability.SessionAttr(s.SessionID))
	r.publish(events.Event{
		Type:      events.TypeSessionCreated,
		AgentID:   s.AgentID,
		TenantID:  s.TenantID,
		SessionID: s.SessionID,
		RoomName:  s.RoomName,
	})

	handle := &SessionHandle{
		SessionID: s.SessionID,
		RoomName:  s.RoomName,
		Status:    s.Status,
		StartedAt: s.StartedAt,
		Session:   s,
	}
	if req.ParticipantName == "" {
		return handle, nil
	}

	identity := req.ParticipantIdentity
	if identity == "" {
		identity = req.ParticipantName
	}
	token, err := r.issueToken(ctx, cfg, s.RoomName, identity, req.ParticipantName)
	switch {
	case err == nil:
		handle.Token = token.Token
		handle.ServerURL = token.ServerURL
		handle.ExpiresAt = &token.ExpiresAt
	case errors.Is(err, livekit.ErrNotConfigured):
		slog.DebugContext(ctx, "livekit not configured, session created without token",
			slog.String(observability.LogFieldSessionID, s.SessionID))
	default:
		slog.WarnContext(ctx, "failed to issue join token",
			slog.String(observability.LogFieldSessionID, s.SessionID),
			slog.String("error", err.Error()),
		)
	}
	return handle, nil
}

// EndSession ends a session and releases its capacity slot.
// Ending an already-ended session returns nil; an unknown id returns session.ErrSessionNotFound.
func (r *Runtime) EndSession(ctx context.Context, sessionID string) error {
	ctx, span := observability.StartSpan(ctx, "runtime.end_session", observability.SessionAttr(sessionID))
	defer span.End()

	s, ok := r.registry.GetSession(sessionID)
	if !ok {
		if r.registry.WasEnded(sessionID) {
			return nil
		}
		err := r.endRecord(ctx, sessionID, session.StatusEnded)
		if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			observability.RecordError(span, err)
		}
		return err
	}

	var err error
	if inst, ok := r.manager.GetAgentInstance(s.AgentID); ok {
		err = inst.LeaveRoom(ctx, sessionID)
	} else {
		err = r.registry.EndSession(ctx, sessionID)
	}
	if err != nil {
		observability.RecordError(span, err)
		return err
	}
	r.publish(events.Event{
		Type:      events.TypeSessionEnded,
		AgentID:   s.AgentID,
		TenantID:  s.TenantID,
		SessionID: sessionID,
		RoomName:  s.RoomName,
	})
	return nil
}

// endRecord closes a durable row that has no live session, such as one left open by a previous process.
func (r *Runtime) endRecord(ctx context.Context, sessionID string, status session.Status) error {
	record, err := r.store.GetAgentSession(ctx, sessionID)
	if err != nil {
		return apperrors.DependencyUnavailable("failed to load session record", err)
	}
	if record == nil {
		return session.ErrSessionNotFound
	}
	if record.IsTerminal() {
		return nil
	}
	if err := r.closeRecord(ctx, record, status); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePersistenceFailure, "failed to end session record")
	}
	return nil
}

func (r *Runtime) closeRecord(ctx context.Context, record *store.AgentSession, status session.Status) error {
	endedAt := r.now()
	if endedAt.Before(record.StartedAt) {
		endedAt = record.StartedAt
	}
	statusValue := string(status)
	duration := int64(endedAt.Sub(record.StartedAt) / time.Second)
	return r.store.UpdateAgentSession(ctx, &store.UpdateAgentSession{
		SessionID:       record.SessionID,
		Status:          &statusValue,
		EndedAt:         &endedAt,
		DurationSeconds: &duration,
	})
}

// GetSession returns the live session.
func (r *Runtime) GetSession(sessionID string) (*session.Session, bool) {
	return r.registry.GetSession(sessionID)
}

// GetSessionRecord returns the live session or, failing that, its durable record.
func (r *Runtime) GetSessionRecord(ctx context.Context, sessionID string) (*session.Session, error) {
	if s, ok := r.registry.GetSession(sessionID); ok {
		return s, nil
	}
	record, err := r.store.GetAgentSession(ctx, sessionID)
	if err != nil {
		return nil, apperrors.DependencyUnavailable("failed to load session record", err)
	}
	if record == nil {
		return nil, session.ErrSessionNotFound
	}
	return sessionFromRecord(record), nil
}

func sessionFromRecord(record *store.AgentSession) *session.Session {
	return &session.Session{
		SessionID:        record.SessionID,
		AgentID:          record.AgentID,
		TenantID:         record.TenantID,
		RoomName:         record.RoomName,
		Status:           session.Status(record.Status),
		StartedAt:        record.StartedAt,
		EndedAt:          record.EndedAt,
		ParticipantCount: record.ParticipantCount,
	}
}

// GetAgentStatus passes through to the manager.
func (r *Runtime) GetAgentStatus(agentID int32) AgentStatus {
	return r.manager.GetAgentStatus(agentID)
}

// ListAgents passes through to the manager.
func (r *Runtime) ListAgents() []int32 {
	return r.manager.ListAgents()
}

// IssueJoinToken issues a token for another participant of a live session.
func (r *Runtime) IssueJoinToken(ctx context.Context, sessionID, identity, name string) (*livekit.JoinToken, error) {
	s, ok := r.registry.GetSession(sessionID)
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	if identity == "" {
		identity = name
	}
	if identity == "" {
		return nil, apperrors.InvalidArgument("identity or name is required")
	}

	var cfg *Config
	if inst, ok := r.manager.GetAgentInstance(s.AgentID); ok {
		cfg = inst.Config()
	}
	token, err := r.issueToken(ctx, cfg, s.RoomName, identity, name)
	if errors.Is(err, livekit.ErrNotConfigured) {
		return nil, apperrors.DependencyUnavailable("livekit is not configured", err)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to issue join token")
	}
	return token, nil
}

func (r *Runtime) issueToken(ctx context.Context, cfg *Config, room, identity, name string) (*livekit.JoinToken, error) {
	creds, err := r.credentials.Resolve(ctx)
	if err != nil {
		slog.WarnContext(ctx, "falling back to static livekit credentials", slog.String("error", err.Error()))
	}
	if cfg != nil && cfg.LiveKitConfig != nil && cfg.LiveKitConfig.APIKey != "" && cfg.LiveKitConfig.APISecret != "" {
		creds = livekit.Credentials{
			URL:       cfg.LiveKitConfig.URL,
			APIKey:    cfg.LiveKitConfig.APIKey,
			APISecret: cfg.LiveKitConfig.APISecret,
		}
	}
	token, err := r.tokens.Issue(creds, room, identity, name)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordTokenIssued()
	return token, nil
}

// Ready returns an error when the store cannot be reached.
func (r *Runtime) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := r.store.Ping(ctx); err != nil {
		return apperrors.DependencyUnavailable("store is unreachable", err)
	}
	return nil
}

// Restore reconciles sessions left open by a previous process, then re-registers persisted agents
// and the agents file. It must run before the runtime accepts sessions.
func (r *Runtime) Restore(ctx context.Context) error {
	reconciled, err := r.reconcileOrphans(ctx)
	if err != nil {
		return err
	}

	registrations, err := r.store.ListAgentRegistrations(ctx, &store.FindAgentRegistration{})
	if err != nil {
		return errors.Wrap(err, "failed to list agent registrations")
	}
	restored := 0
	for _, reg := range registrations {
		cfg, err := ParseConfig([]byte(reg.Config))
		if err != nil {
			slog.WarnContext(ctx, "skipping invalid stored registration",
				slog.Int(observability.LogFieldAgentID, int(reg.AgentID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, err := r.register(ctx, cfg, false); err != nil {
			slog.WarnContext(ctx, "failed to restore agent",
				slog.Int(observability.LogFieldAgentID, int(reg.AgentID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		restored++
	}

	loaded := 0
	if r.agentsFile != "" {
		configs, err := LoadAgentsFile(r.agentsFile)
		if err != nil {
			return err
		}
		for _, cfg := range configs {
			if _, err := r.register(ctx, cfg, true); err != nil {
				return errors.Wrapf(err, "failed to register agent %d from %s", cfg.AgentID, r.agentsFile)
			}
			loaded++
		}
	}

	slog.InfoContext(ctx, "runtime restored",
		slog.Int("reconciled_sessions", reconciled),
		slog.Int("restored_agents", restored),
		slog.Int("file_agents", loaded),
	)
	return nil
}

// reconcileOrphans marks open rows from a previous process as error.
// After a restart the capacity ledger is empty, so those sessions can no longer be tracked.
func (r *Runtime) reconcileOrphans(ctx context.Context) (int, error) {
	orphans, err := r.store.ListAgentSessions(ctx, &store.FindAgentSession{
		RuntimeInstanceID: r.runtimeInstanceID,
		StatusList:        []string{store.AgentSessionConnecting, store.AgentSessionActive},
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to list open sessions")
	}
	count := 0
	for _, record := range orphans {
		if _, live := r.registry.GetSession(record.SessionID); live {
			continue
		}
		if err := r.closeRecord(ctx, record, session.StatusError); err != nil {
			slog.WarnContext(ctx, "failed to reconcile orphaned session",
				slog.String(observability.LogFieldSessionID, record.SessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		count++
	}
	return count, nil
}

// ReapStale fails sessions that stayed in connecting longer than timeout. A non-positive timeout disables it.
func (r *Runtime) ReapStale(ctx context.Context, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	reaped := 0
	for _, s := range r.registry.ListStale(session.StatusConnecting, r.now().Add(-timeout)) {
		var err error
		if inst, ok := r.manager.GetAgentInstance(s.AgentID); ok {
			err = inst.FailSession(ctx, s.SessionID)
		} else {
			err = r.registry.FailSession(ctx, s.SessionID)
		}
		if err != nil {
			slog.WarnContext(ctx, "failed to reap stale session",
				slog.String(observability.LogFieldSessionID, s.SessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.publish(events.Event{
			Type:      events.TypeSessionFailed,
			AgentID:   s.AgentID,
			TenantID:  s.TenantID,
			SessionID: s.SessionID,
			RoomName:  s.RoomName,
		})
		reaped++
	}
	return reaped
}

// PruneEnded forgets ended session ids older than before.
func (r *Runtime) PruneEnded(before time.Time) int {
	return r.registry.PruneEnded(before)
}

// PurgeHistory deletes terminal session rows that ended before cutoff.
func (r *Runtime) PurgeHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.store.DeleteAgentSessions(ctx, &store.DeleteAgentSession{EndedBefore: &cutoff})
}

// Close drains pending session writes and closes the event publisher.
func (r *Runtime) Close(ctx context.Context) error {
	regErr := r.registry.Close(ctx)
	pubErr := r.publisher.Close()
	if regErr != nil {
		return regErr
	}
	return pubErr
}

func (r *Runtime) publish(event events.Event) {
	if _, ok := r.publisher.(events.NoopPublisher); ok {
		return
	}
	event.At = r.now()
	events.PublishAsync(r.publisher, event)
}
