// Package maintenance runs the periodic housekeeping jobs of the runtime.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	reapSchedule      = "@every 30s"
	pruneSchedule     = "@every 10m"
	retentionSchedule = "@daily"

	tombstoneTTL = time.Hour
)

// Runtime is the housekeeping surface of the agent runtime.
type Runtime interface {
	ReapStale(ctx context.Context, timeout time.Duration) int
	PruneEnded(before time.Time) int
	PurgeHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

// Runner reaps stuck sessions and trims history on a cron schedule.
type Runner struct {
	runtime        Runtime
	cron           *cron.Cron
	connectTimeout time.Duration
	retention      time.Duration
	now            func() time.Time
}

// NewRunner creates a runner. A zero connectTimeout disables reaping and zero retentionDays disables purging.
func NewRunner(runtime Runtime, connectTimeout time.Duration, retentionDays int) *Runner {
	return &Runner{
		runtime:        runtime,
		cron:           cron.New(),
		connectTimeout: connectTimeout,
		retention:      time.Duration(retentionDays) * 24 * time.Hour,
		now:            time.Now,
	}
}

// Run starts the schedule and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	jobs := []struct {
		schedule string
		fn       func(context.Context)
	}{
		{reapSchedule, r.reap},
		{pruneSchedule, r.prune},
		{retentionSchedule, r.purge},
	}
	for _, job := range jobs {
		fn := job.fn
		if _, err := r.cron.AddFunc(job.schedule, func() { fn(ctx) }); err != nil {
			return err
		}
	}

	r.RunOnce(ctx)
	r.cron.Start()
	<-ctx.Done()
	<-r.cron.Stop().Done()
	slog.Info("maintenance runner stopped")
	return nil
}

// RunOnce runs every job immediately.
func (r *Runner) RunOnce(ctx context.Context) {
	r.reap(ctx)
	r.prune(ctx)
	r.purge(ctx)
}

func (r *Runner) reap(ctx context.Context) {
	if r.connectTimeout <= 0 {
		return
	}
	if n := r.runtime.ReapStale(ctx, r.connectTimeout); n > 0 {
		slog.Warn("failed sessions stuck in connecting", slog.Int("count", n), slog.Duration("timeout", r.connectTimeout))
	}
}

func (r *Runner) prune(context.Context) {
	if n := r.runtime.PruneEnded(r.now().Add(-tombstoneTTL)); n > 0 {
		slog.Debug("pruned ended session ids", slog.Int("count", n))
	}
}

func (r *Runner) purge(ctx context.Context) {
	if r.retention <= 0 {
		return
	}
	n, err := r.runtime.PurgeHistory(ctx, r.now().Add(-r.retention))
	if err != nil {
		slog.Error("failed to purge session history", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.Info("purged session history", slog.Int64("count", n))
	}
}
