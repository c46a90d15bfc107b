package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"llmarena/pkg/core"
)

// StartWatchdog begins the periodic timeout sweep. This is the only
// automatic termination path besides explicit cancellation.
func (r *Registry) StartWatchdog() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	spec := fmt.Sprintf("@every %s", r.watchdogInterval)
	if _, err := c.AddFunc(spec, func() { r.SweepTimeouts(context.Background()) }); err != nil {
		return fmt.Errorf("jobs: failed to schedule watchdog: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("timeout watchdog started", "interval", r.watchdogInterval)
	return nil
}

// SweepTimeouts force-fails every running job whose deadline has elapsed
// and requests cancellation of its token. Best-effort: the handler may be
// stuck on an external call that ignores the signal.
func (r *Registry) SweepTimeouts(ctx context.Context) {
	overdue, err := r.store.ExpiredRunning(ctx, time.Now())
	if err != nil {
		r.logger.Error("watchdog sweep failed", "error", err)
		return
	}

	for _, job := range overdue {
		r.logger.Warn("job exceeded timeout, force-failing",
			"job_id", job.ID, "type", job.Type, "timeout_at", job.TimeoutAt)

		token := r.token(job.ID)
		r.finalize(ctx, job.ID, core.StatusFailed, core.TimeoutErrorMessage, Result{})
		if token != nil {
			token.Cancel()
		}
	}
}
