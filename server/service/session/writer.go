package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/agentruntime/server/internal/observability"
)

const persistTimeout = 10 * time.Second

// Persister writes session snapshots to durable storage.
type Persister interface {
	SaveSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
}

// FailureHandler observes persistence errors. It must not block.
type FailureHandler func(ctx context.Context, op string, s *Session, err error)

// LogFailure is the default FailureHandler: it logs and counts the failure.
func LogFailure(ctx context.Context, op string, s *Session, err error) {
	observability.GlobalMetrics().RecordPersistFailure()
	slog.ErrorContext(ctx, "failed to persist session",
		slog.String("op", op),
		slog.String(observability.LogFieldSessionID, s.SessionID),
		slog.Int64(observability.LogFieldAgentID, int64(s.AgentID)),
		slog.String("status", string(s.Status)),
		slog.String("error", err.Error()),
	)
}

const (
	opSave    = "save"
	opUpdate  = "update"
	opBarrier = "barrier"
)

type writeOp struct {
	kind     string
	snapshot *Session
	done     chan struct{} // barrier only
}

// writer applies persistence operations one at a time in the order they were enqueued.
// enqueue never blocks, so it is safe to call while holding the registry lock.
type writer struct {
	persister Persister
	onFailure FailureHandler

	mu      sync.Mutex
	pending []writeOp
	closed  bool
	notify  chan struct{}
	stopped chan struct{}
}

func newWriter(persister Persister, onFailure FailureHandler) *writer {
	w := &writer{
		persister: persister,
		onFailure: onFailure,
		notify:    make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) enqueue(op writeOp) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.pending = append(w.pending, op)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	return true
}

func (w *writer) run() {
	defer close(w.stopped)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		closed := w.closed
		w.mu.Unlock()

		for _, op := range batch {
			w.apply(op)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.notify
	}
}

func (w *writer) apply(op writeOp) {
	if op.kind == opBarrier {
		close(op.done)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "session.persist",
		observability.SessionAttr(op.snapshot.SessionID),
		observability.AgentAttr(op.snapshot.AgentID),
	)
	defer span.End()

	var err error
	switch op.kind {
	case opSave:
		err = w.persister.SaveSession(ctx, op.snapshot)
	case opUpdate:
		err = w.persister.UpdateSession(ctx, op.snapshot)
	}
	if err != nil {
		observability.RecordError(span, err)
		w.onFailure(ctx, op.kind, op.snapshot, err)
	}
}

// flush blocks until every operation enqueued before the call has been applied.
func (w *writer) flush(ctx context.Context) error {
	done := make(chan struct{})
	if !w.enqueue(writeOp{kind: opBarrier, done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting work and waits for the queue to drain.
func (w *writer) close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
