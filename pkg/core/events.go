package core

import (
	"time"
)

// Event is one message on the live client channel. Every event carries a
// "type" discriminator; the remaining fields depend on the type. Delivery
// is best-effort: a dropped connection silently loses events until the next
// sync snapshot.
type Event interface {
	EventType() string
}

// Wire event type discriminators.
const (
	EventSync         = "sync"
	EventJobCreated   = "job_created"
	EventJobStarted   = "job_started"
	EventJobProgress  = "job_progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
)

// SyncEvent is pushed synchronously on (re)connect so a client can rebuild
// state without an event log.
type SyncEvent struct {
	Type       string `json:"type"`
	ActiveJobs []*Job `json:"active_jobs"`
	RecentJobs []*Job `json:"recent_jobs"`
}

func (e *SyncEvent) EventType() string { return e.Type }

// NewSync builds a sync snapshot. Nil slices are normalized so the wire
// form always carries arrays.
func NewSync(active, recent []*Job) *SyncEvent {
	if active == nil {
		active = []*Job{}
	}
	if recent == nil {
		recent = []*Job{}
	}
	return &SyncEvent{Type: EventSync, ActiveJobs: active, RecentJobs: recent}
}

// JobCreatedEvent announces a newly persisted job.
type JobCreatedEvent struct {
	Type           string    `json:"type"`
	JobID          string    `json:"job_id"`
	JobType        string    `json:"job_type"`
	Status         JobStatus `json:"status"`
	ProgressDetail string    `json:"progress_detail"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e *JobCreatedEvent) EventType() string { return e.Type }

func NewJobCreated(job *Job) *JobCreatedEvent {
	return &JobCreatedEvent{
		Type:           EventJobCreated,
		JobID:          job.ID,
		JobType:        job.Type,
		Status:         job.Status,
		ProgressDetail: job.ProgressDetail,
		CreatedAt:      job.CreatedAt,
	}
}

// JobStartedEvent announces a transition to running.
type JobStartedEvent struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
}

func (e *JobStartedEvent) EventType() string { return e.Type }

func NewJobStarted(job *Job) *JobStartedEvent {
	return &JobStartedEvent{Type: EventJobStarted, JobID: job.ID, JobType: job.Type}
}

// JobProgressEvent carries a progress update from a running handler.
type JobProgressEvent struct {
	Type           string `json:"type"`
	JobID          string `json:"job_id"`
	ProgressPct    int    `json:"progress_pct"`
	ProgressDetail string `json:"progress_detail"`
}

func (e *JobProgressEvent) EventType() string { return e.Type }

func NewJobProgress(jobID string, pct int, detail string) *JobProgressEvent {
	return &JobProgressEvent{Type: EventJobProgress, JobID: jobID, ProgressPct: pct, ProgressDetail: detail}
}

// JobCompletedEvent announces successful completion.
type JobCompletedEvent struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	ResultRef string `json:"result_ref"`
}

func (e *JobCompletedEvent) EventType() string { return e.Type }

func NewJobCompleted(jobID, resultRef string) *JobCompletedEvent {
	return &JobCompletedEvent{Type: EventJobCompleted, JobID: jobID, ResultRef: resultRef}
}

// JobFailedEvent announces a failure. Error is sanitized and capped before
// it ever reaches this struct.
type JobFailedEvent struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Error string `json:"error"`
}

func (e *JobFailedEvent) EventType() string { return e.Type }

func NewJobFailed(jobID, errMsg string) *JobFailedEvent {
	return &JobFailedEvent{Type: EventJobFailed, JobID: jobID, Error: errMsg}
}

// JobCancelledEvent announces a cancellation.
type JobCancelledEvent struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

func (e *JobCancelledEvent) EventType() string { return e.Type }

func NewJobCancelled(jobID string) *JobCancelledEvent {
	return &JobCancelledEvent{Type: EventJobCancelled, JobID: jobID}
}

// CustomEvent is a job-type-specific sub-event (per-case results and the
// like) relayed through the same channel. The orchestrator treats the
// payload as opaque.
type CustomEvent struct {
	Type  string         `json:"type"`
	JobID string         `json:"job_id"`
	Data  map[string]any `json:"data,omitempty"`
}

func (e *CustomEvent) EventType() string { return e.Type }

func NewCustomEvent(jobID, kind string, data map[string]any) *CustomEvent {
	return &CustomEvent{Type: kind, JobID: jobID, Data: data}
}
