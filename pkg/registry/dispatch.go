package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmarena/pkg/core"
	"llmarena/pkg/security"
)

// startGranted transitions a job that already holds a slot to running and
// dispatches its handler. Caller must hold transMu.
func (r *Registry) startGranted(ctx context.Context, job *core.Job) {
	if !core.CanTransition(job.Status, core.StatusRunning) {
		// Degrade, don't crash: log and give the slot back.
		r.logger.Warn("invalid job transition requested, dropping",
			"job_id", job.ID, "from", job.Status, "to", core.StatusRunning)
		r.promoteLocked(ctx, job.UserID, r.slots.Release(job.UserID))
		return
	}

	now := time.Now()
	timeoutAt := now.Add(time.Duration(job.TimeoutSeconds) * time.Second)
	if err := r.store.MarkRunning(ctx, job.ID, now, timeoutAt); err != nil {
		// A stale transition means the record was finalized after this
		// in-memory copy was loaded (cancelled in the submission window);
		// the terminal status stands and the slot goes back.
		if errors.Is(err, core.ErrStaleTransition) || errors.Is(err, core.ErrJobNotFound) {
			r.logger.Warn("job no longer runnable, dropping start", "job_id", job.ID, "error", err)
		} else {
			r.logger.Error("failed to mark job running", "job_id", job.ID, "error", err)
		}
		r.promoteLocked(ctx, job.UserID, r.slots.Release(job.UserID))
		return
	}
	job.Status = core.StatusRunning
	job.StartedAt = &now
	job.TimeoutAt = &timeoutAt

	token := core.NewToken()
	r.putToken(job.ID, token)

	r.metrics.JobStarted()
	r.notifier.SendToUser(job.UserID, core.NewJobStarted(job))
	r.logger.Info("job started", "job_id", job.ID, "user_id", job.UserID, "type", job.Type)

	r.wg.Add(1)
	go r.dispatch(job, token)
}

// dispatch is the independent task body wrapping one handler execution.
// It classifies the outcome and finalizes the record exactly once; a
// late return after the watchdog already failed the job is dropped by the
// transition table.
func (r *Registry) dispatch(job *core.Job, token *core.Token) {
	defer r.wg.Done()

	ctx, stop := token.Context(r.baseCtx)
	defer stop()

	result, err := r.runHandler(ctx, job)

	switch {
	case token.Cancelled() || errors.Is(err, context.Canceled):
		// Cancellation wins even over a handler that ignored the signal and
		// returned a result.
		r.finalize(context.Background(), job.ID, core.StatusCancelled, "", Result{})
	case err == nil:
		r.finalize(context.Background(), job.ID, core.StatusDone, "", result)
	default:
		r.finalize(context.Background(), job.ID, core.StatusFailed, err.Error(), Result{})
	}
}

// runHandler invokes the registered handler, converting panics into errors
// so a misbehaving handler can never take the orchestrator down.
func (r *Registry) runHandler(ctx context.Context, job *core.Job) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	h, ok := r.handler(job.Type)
	if !ok {
		return Result{}, core.ErrUnknownJobType
	}
	rep := &reporter{registry: r, jobID: job.ID, userID: job.UserID}
	return h(ctx, job, rep)
}

// finalize applies a terminal transition under the transition lock.
func (r *Registry) finalize(ctx context.Context, jobID string, status core.JobStatus, errMsg string, result Result) {
	r.transMu.Lock()
	defer r.transMu.Unlock()
	r.finalizeLocked(ctx, jobID, status, errMsg, result)
}

// finalizeLocked persists the terminal status, destroys the token, releases
// the slot if one was held, promotes the user's queued jobs, and broadcasts
// the terminal event. Caller must hold transMu.
//
// A request outside the state table is logged and skipped, leaving the
// prior status intact. This permissiveness keeps a logic race from
// crashing the pipeline and is deliberate.
func (r *Registry) finalizeLocked(ctx context.Context, jobID string, status core.JobStatus, errMsg string, result Result) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		r.logger.Error("finalize: failed to load job", "job_id", jobID, "error", err)
		return
	}
	if !core.CanTransition(job.Status, status) {
		r.logger.Warn("invalid job transition requested, dropping",
			"job_id", jobID, "from", job.Status, "to", status)
		return
	}

	if err := r.store.Finalize(ctx, jobID, status, errMsg, result.Ref, result.Type); err != nil {
		r.logger.Error("failed to finalize job", "job_id", jobID, "status", status, "error", err)
		return
	}

	wasRunning := job.Status == core.StatusRunning
	r.dropToken(jobID)
	r.metrics.JobFinalized(status, wasRunning)
	r.logger.Info("job finalized", "job_id", jobID, "status", status)

	switch status {
	case core.StatusDone:
		r.notifier.SendToUser(job.UserID, core.NewJobCompleted(jobID, result.Ref))
	case core.StatusFailed:
		r.notifier.SendToUser(job.UserID, core.NewJobFailed(jobID, security.SanitizeErrorMessage(errMsg)))
	case core.StatusCancelled:
		r.notifier.SendToUser(job.UserID, core.NewJobCancelled(jobID))
	}

	if wasRunning {
		r.promoteLocked(ctx, job.UserID, r.slots.Release(job.UserID))
	}
}

// promoteLocked starts jobs whose slots were just granted by a release.
// A promoted job that can no longer run (cancelled in the gap, record
// missing) gives its slot back, which may promote the next in line.
// Caller must hold transMu.
func (r *Registry) promoteLocked(ctx context.Context, userID string, ids []string) {
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		r.metrics.QueueDepth(-1)

		job, err := r.store.Get(ctx, id)
		if err != nil {
			r.logger.Error("promote: failed to load queued job", "job_id", id, "error", err)
			ids = append(ids, r.slots.Release(userID)...)
			continue
		}
		if !core.CanTransition(job.Status, core.StatusRunning) {
			r.logger.Warn("promote: queued job no longer runnable",
				"job_id", id, "status", job.Status)
			ids = append(ids, r.slots.Release(userID)...)
			continue
		}
		r.startGranted(ctx, job)
	}
}

// reporter is the per-job progress funnel. One handler-side aggregator is
// the only writer, so lastPct needs no locking.
type reporter struct {
	registry *Registry
	jobID    string
	userID   string
	lastPct  int
}

func (p *reporter) Progress(pct int, detail string) {
	pct = security.ClampProgress(pct)
	// Monotonically non-decreasing while running.
	if pct < p.lastPct {
		pct = p.lastPct
	}
	p.lastPct = pct

	if err := p.registry.store.UpdateProgress(context.Background(), p.jobID, pct, detail); err != nil {
		p.registry.logger.Warn("failed to persist progress", "job_id", p.jobID, "error", err)
	}
	p.registry.notifier.SendToUser(p.userID, core.NewJobProgress(p.jobID, pct, detail))
}

func (p *reporter) Emit(kind string, data map[string]any) {
	p.registry.notifier.SendToUser(p.userID, core.NewCustomEvent(p.jobID, kind, data))
}
