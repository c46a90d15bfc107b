// Package registry implements the job orchestrator: it accepts
// submissions, drives the lifecycle state machine, dispatches handlers as
// goroutines, enforces the per-user concurrency policy through the slot
// manager, and notifies the broadcast layer.
//
// The registry is an explicit value constructed once at process start and
// passed by reference to every consumer. It is the single writer of job
// records; handlers communicate upward only through the progress reporter
// and their return value.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"llmarena/pkg/core"
	"llmarena/pkg/security"
	"llmarena/pkg/slots"
	"llmarena/pkg/storage"
)

// Result is what a handler returns on success: an opaque pointer to the
// domain record it created.
type Result struct {
	Ref  string
	Type string
}

// Reporter is the handler's only upward channel. Calls are fire-and-forget;
// handlers must not assume delivery.
type Reporter interface {
	// Progress reports (0-100, detail). Values are clamped and kept
	// monotonically non-decreasing while the job runs.
	Progress(pct int, detail string)

	// Emit relays a job-type-specific sub-event as an opaque payload.
	Emit(kind string, data map[string]any)
}

// HandlerFunc is the executable unit bound to a job type. The context is
// cancelled when the job's token is signalled; handlers check it at safe
// points between sequential steps and return promptly.
type HandlerFunc func(ctx context.Context, job *core.Job, p Reporter) (Result, error)

// Notifier fans events out to a user's live connections. Implemented by
// the ws hub; a nil notifier is replaced with a no-op.
type Notifier interface {
	SendToUser(userID string, event core.Event)
	BroadcastAdmins(event core.Event)
}

// Metrics receives lifecycle counters. Optional.
type Metrics interface {
	JobSubmitted(jobType string)
	JobStarted()
	JobFinalized(status core.JobStatus, wasRunning bool)
	QueueDepth(delta int)
}

// Registry is the orchestrator.
type Registry struct {
	store    storage.Storage
	slots    *slots.Manager
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger

	handlers   map[string]HandlerFunc
	handlersMu sync.RWMutex

	// Cancellation token registry: job id -> token, running jobs only.
	tokens   map[string]*core.Token
	tokensMu sync.Mutex

	// transMu serializes every state transition so concurrent completions,
	// cancels, and the watchdog cannot interleave half-applied writes.
	transMu sync.Mutex

	defaultTimeout   time.Duration
	watchdogInterval time.Duration

	cron    *cron.Cron
	wg      sync.WaitGroup
	closed  atomic.Bool
	baseCtx context.Context
	stop    context.CancelFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets the broadcast layer.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDefaultTimeout sets the timeout applied when a submission omits one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultTimeout = d }
}

// WithWatchdogInterval sets the timeout sweep interval.
func WithWatchdogInterval(d time.Duration) Option {
	return func(r *Registry) { r.watchdogInterval = d }
}

// New creates a Registry over the given store and slot manager.
func New(store storage.Storage, sm *slots.Manager, opts ...Option) *Registry {
	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		store:            store,
		slots:            sm,
		handlers:         make(map[string]HandlerFunc),
		tokens:           make(map[string]*core.Token),
		defaultTimeout:   core.DefaultTimeoutSeconds * time.Second,
		watchdogInterval: time.Minute,
		logger:           slog.Default(),
		baseCtx:          ctx,
		stop:             stop,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.notifier == nil {
		r.notifier = noopNotifier{}
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	return r
}

// Register binds a handler to a job type. Registration happens at startup,
// before the registry accepts submissions for that type; an invalid name
// or duplicate registration is a programming error.
func (r *Registry) Register(name string, fn HandlerFunc) {
	if err := security.ValidateJobTypeName(name); err != nil {
		panic(fmt.Sprintf("jobs: invalid handler name %q: %v", name, err))
	}
	if fn == nil {
		panic(fmt.Sprintf("jobs: nil handler for %q", name))
	}

	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("jobs: handler %q registered twice", name))
	}
	r.handlers[name] = fn
}

// HasHandler checks if a handler is registered.
func (r *Registry) HasHandler(name string) bool {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

func (r *Registry) handler(name string) (HandlerFunc, bool) {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Submit validates the job type, persists a pending record, and either
// starts the job or queues it behind the user's concurrency limit. It
// returns the job id immediately and never blocks on handler completion.
func (r *Registry) Submit(ctx context.Context, jobType, userID string, params []byte, timeoutSeconds int) (string, error) {
	if r.closed.Load() {
		return "", core.ErrRegistryClosed
	}
	if !r.HasHandler(jobType) {
		return "", core.ErrUnknownJobType
	}
	if len(params) > security.MaxParamsSize {
		return "", core.ErrParamsTooLarge
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(r.defaultTimeout / time.Second)
	}

	job := &core.Job{
		ID:             uuid.New().String(),
		UserID:         userID,
		Type:           jobType,
		Params:         params,
		Status:         core.StatusPending,
		TimeoutSeconds: timeoutSeconds,
	}
	if err := r.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("jobs: failed to persist submission: %w", err)
	}

	r.metrics.JobSubmitted(jobType)
	r.notifier.SendToUser(userID, core.NewJobCreated(job))

	r.transMu.Lock()
	defer r.transMu.Unlock()

	if r.slots.Acquire(userID, job.ID) {
		r.startGranted(ctx, job)
	} else {
		if err := r.store.MarkQueued(ctx, job.ID); err != nil {
			if errors.Is(err, core.ErrStaleTransition) {
				// Finalized in the submission window; the terminal record
				// stands and the job never enters the wait queue.
				r.logger.Warn("job finalized before queueing", "job_id", job.ID)
				r.slots.RemoveQueued(userID, job.ID)
				return job.ID, nil
			}
			r.logger.Error("failed to queue job", "job_id", job.ID, "error", err)
		}
		job.Status = core.StatusQueued
		r.metrics.QueueDepth(1)
		r.logger.Info("job queued", "job_id", job.ID, "user_id", userID, "type", jobType)
	}
	return job.ID, nil
}

// Cancel requests cancellation. Pending and queued jobs finalize directly;
// running jobs have their token signalled and finalize asynchronously once
// the handler observes it. Cancelling a terminal job is a no-op.
func (r *Registry) Cancel(ctx context.Context, jobID, actor string) error {
	r.transMu.Lock()

	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		r.transMu.Unlock()
		return err
	}

	switch {
	case job.Status.Terminal():
		// Idempotent: terminal fields stay untouched.
		r.transMu.Unlock()
		return nil

	case job.Status == core.StatusRunning:
		token := r.token(jobID)
		r.transMu.Unlock()
		if token == nil {
			// Ghost job: running in storage with no token in this process.
			r.logger.Warn("cancelling ghost job without token", "job_id", jobID, "actor", actor)
			r.finalize(ctx, jobID, core.StatusCancelled, "", Result{})
			return nil
		}
		r.logger.Info("cancellation requested", "job_id", jobID, "actor", actor)
		token.Cancel()
		return nil

	default: // pending or queued: no handler is running
		if job.Status == core.StatusQueued {
			r.slots.RemoveQueued(job.UserID, jobID)
			r.metrics.QueueDepth(-1)
		}
		r.finalizeLocked(ctx, jobID, core.StatusCancelled, "", Result{})
		r.transMu.Unlock()
		return nil
	}
}

// Get returns a job record.
func (r *Registry) Get(ctx context.Context, jobID string) (*core.Job, error) {
	return r.store.Get(ctx, jobID)
}

// List returns a user's jobs, optionally filtered by status.
func (r *Registry) List(ctx context.Context, userID string, status *core.JobStatus, limit int) ([]*core.Job, error) {
	return r.store.ListByUser(ctx, userID, status, limit)
}

// ListAll returns jobs across all users. Admin surface.
func (r *Registry) ListAll(ctx context.Context, status *core.JobStatus, limit int) ([]*core.Job, error) {
	return r.store.ListAll(ctx, status, limit)
}

// Recover rewrites every stale non-terminal record to interrupted. Runs
// once at process start, before submissions are accepted, so no job is
// silently stuck after a crash or restart.
func (r *Registry) Recover(ctx context.Context) error {
	n, err := r.store.InterruptActive(ctx)
	if err != nil {
		return fmt.Errorf("jobs: startup recovery failed: %w", err)
	}
	if n > 0 {
		r.logger.Info("startup recovery marked stale jobs interrupted", "count", n)
	}
	return nil
}

// Close stops the watchdog, refuses new submissions, and waits for
// in-flight dispatch goroutines until ctx expires.
func (r *Registry) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.cron != nil {
		r.cron.Stop()
	}
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("registry shutdown timed out with handlers in flight")
		return ctx.Err()
	}
}

func (r *Registry) token(jobID string) *core.Token {
	r.tokensMu.Lock()
	defer r.tokensMu.Unlock()
	return r.tokens[jobID]
}

func (r *Registry) putToken(jobID string, t *core.Token) {
	r.tokensMu.Lock()
	defer r.tokensMu.Unlock()
	r.tokens[jobID] = t
}

func (r *Registry) dropToken(jobID string) {
	r.tokensMu.Lock()
	defer r.tokensMu.Unlock()
	delete(r.tokens, jobID)
}

type noopNotifier struct{}

func (noopNotifier) SendToUser(string, core.Event) {}
func (noopNotifier) BroadcastAdmins(core.Event)    {}

type noopMetrics struct{}

func (noopMetrics) JobSubmitted(string)               {}
func (noopMetrics) JobStarted()                       {}
func (noopMetrics) JobFinalized(core.JobStatus, bool) {}
func (noopMetrics) QueueDepth(int)                    {}
