package session

import (
	"context"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/server/internal/observability"
)

// Registry owns the live session index.
// Persistence is queued under the lock and applied by a background writer, so no
// registry call waits on durable storage.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byAgent  map[int32]map[string]struct{}
	// ended holds ids removed from the live index, keyed to their removal time.
	ended map[string]time.Time

	writer  *writer
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*registryOptions)

type registryOptions struct {
	persister Persister
	onFailure FailureHandler
	metrics   *observability.Metrics
	now       func() time.Time
}

// WithPersister sets where session transitions are written. Without one the registry is memory-only.
func WithPersister(p Persister) Option {
	return func(o *registryOptions) { o.persister = p }
}

// WithFailureHandler replaces LogFailure.
func WithFailureHandler(h FailureHandler) Option {
	return func(o *registryOptions) { o.onFailure = h }
}

// WithMetrics sets the metrics sink. Defaults to observability.GlobalMetrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *registryOptions) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *registryOptions) { o.now = now }
}

// NewRegistry creates a registry. Call Close to drain pending writes.
func NewRegistry(opts ...Option) *Registry {
	o := &registryOptions{
		onFailure: LogFailure,
		metrics:   observability.GlobalMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	r := &Registry{
		sessions: make(map[string]*Session),
		byAgent:  make(map[int32]map[string]struct{}),
		ended:    make(map[string]time.Time),
		metrics:  o.metrics,
		now:      o.now,
	}
	if o.persister != nil {
		r.writer = newWriter(o.persister, o.onFailure)
	}
	return r
}

// CreateSession opens a session in connecting state.
func (r *Registry) CreateSession(_ context.Context, create *Create) (*Session, error) {
	if create == nil || create.RoomName == "" {
		return nil, apperrors.InvalidArgument("room name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := create.SessionID
	if id == "" {
		id = shortuuid.New()
	}
	if _, ok := r.sessions[id]; ok {
		return nil, ErrDuplicateSession
	}
	if _, ok := r.ended[id]; ok {
		return nil, ErrDuplicateSession
	}

	s := &Session{
		SessionID: id,
		AgentID:   create.AgentID,
		TenantID:  create.TenantID,
		RoomName:  create.RoomName,
		Status:    StatusConnecting,
		StartedAt: r.now(),
	}
	r.sessions[id] = s
	ids, ok := r.byAgent[s.AgentID]
	if !ok {
		ids = make(map[string]struct{})
		r.byAgent[s.AgentID] = ids
	}
	ids[id] = struct{}{}

	r.persistLocked(opSave, s)
	return s.clone(), nil
}

// UpdateSessionStatus moves a live session to status.
// Unknown ids and sessions that are already terminal are left alone.
func (r *Registry) UpdateSessionStatus(_ context.Context, id string, status Status, participantCount *int32) error {
	if !status.Valid() {
		return apperrors.Newf(apperrors.ErrCodeInvalidArgument, "invalid session status %q", status)
	}
	if participantCount != nil && *participantCount < 0 {
		return apperrors.InvalidArgument("participant count must not be negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.transitionLocked(id, status, participantCount)
	return nil
}

// EndSession marks the session ended and removes it from the live index.
// Ending an id that was already removed is a no-op.
func (r *Registry) EndSession(ctx context.Context, id string) error {
	return r.finish(ctx, id, StatusEnded)
}

// FailSession marks the session as error and removes it from the live index.
func (r *Registry) FailSession(ctx context.Context, id string) error {
	return r.finish(ctx, id, StatusError)
}

func (r *Registry) finish(_ context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		if _, wasEnded := r.ended[id]; wasEnded {
			return nil
		}
		return ErrSessionNotFound
	}

	r.transitionLocked(id, status, nil)
	r.removeLocked(id)
	return nil
}

// Must be called with lock held.
func (r *Registry) transitionLocked(id string, status Status, participantCount *int32) {
	s, ok := r.sessions[id]
	if !ok || s.Status.IsTerminal() {
		return
	}

	s.Status = status
	if participantCount != nil {
		s.ParticipantCount = *participantCount
	}
	if status.IsTerminal() {
		endedAt := r.now()
		if endedAt.Before(s.StartedAt) {
			endedAt = s.StartedAt
		}
		s.EndedAt = &endedAt
		d, _ := s.Duration()
		r.metrics.RecordSessionEnded(s.AgentID, d, status == StatusError)
	}
	r.persistLocked(opUpdate, s)
}

// Must be called with lock held.
func (r *Registry) removeLocked(id string) {
	s := r.sessions[id]
	delete(r.sessions, id)
	if ids, ok := r.byAgent[s.AgentID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byAgent, s.AgentID)
		}
	}
	r.ended[id] = r.now()
}

// Must be called with lock held.
func (r *Registry) persistLocked(kind string, s *Session) {
	if r.writer == nil {
		return
	}
	r.writer.enqueue(writeOp{kind: kind, snapshot: s.clone()})
}

// GetSession returns a copy of the live session.
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// GetAgentSessions returns copies of the agent's live sessions in no particular order.
func (r *Registry) GetAgentSessions(agentID int32) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byAgent[agentID]
	list := make([]*Session, 0, len(ids))
	for id := range ids {
		list = append(list, r.sessions[id].clone())
	}
	return list
}

// ListStale returns live sessions in status that started before olderThan.
func (r *Registry) ListStale(status Status, olderThan time.Time) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var list []*Session
	for _, s := range r.sessions {
		if s.Status == status && s.StartedAt.Before(olderThan) {
			list = append(list, s.clone())
		}
	}
	return list
}

// WasEnded reports whether id was removed from the live index and is still remembered.
func (r *Registry) WasEnded(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ended[id]
	return ok
}

// PruneEnded forgets ended ids removed before the cutoff and returns how many were dropped.
func (r *Registry) PruneEnded(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, at := range r.ended {
		if at.Before(before) {
			delete(r.ended, id)
			pruned++
		}
	}
	return pruned
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Flush waits until every transition accepted so far has been handed to the persister.
func (r *Registry) Flush(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	return r.writer.flush(ctx)
}

// Close drains pending writes and stops the writer. Transitions after Close are not persisted.
func (r *Registry) Close(ctx context.Context) error {
	if r.writer == nil {
		return nil
	}
	return r.writer.close(ctx)
}
