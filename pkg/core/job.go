// Package core provides the domain models and interfaces for the job engine.
package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusQueued      JobStatus = "queued"
	StatusRunning     JobStatus = "running"
	StatusDone        JobStatus = "done"
	StatusFailed      JobStatus = "failed"
	StatusCancelled   JobStatus = "cancelled"
	StatusInterrupted JobStatus = "interrupted" // left non-terminal by a dead process, rewritten at startup
)

// DefaultTimeoutSeconds is applied when a submission does not specify a timeout.
const DefaultTimeoutSeconds = 7200

// Job represents one persisted unit of asynchronous work.
type Job struct {
	ID     string `gorm:"primaryKey;size:36" json:"id"`
	UserID string `gorm:"index;size:64;not null" json:"user_id"`
	Type   string `gorm:"index;size:255;not null" json:"job_type"`
	Params []byte `gorm:"type:bytes" json:"params,omitempty"`

	Status         JobStatus `gorm:"index;size:20;default:'pending'" json:"status"`
	ProgressPct    int       `gorm:"default:0" json:"progress_pct"`
	ProgressDetail string    `gorm:"type:text" json:"progress_detail"`

	// Set only on done.
	ResultRef  string `gorm:"size:36" json:"result_ref,omitempty"`
	ResultType string `gorm:"size:64" json:"result_type,omitempty"`

	// Set only on failed. Sanitized and capped before persistence.
	ErrorMsg string `gorm:"type:text" json:"error,omitempty"`

	TimeoutSeconds int        `gorm:"default:7200" json:"timeout_seconds"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TimeoutAt      *time.Time `gorm:"index" json:"timeout_at,omitempty"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"-"`
}

// Terminal reports whether s is a terminal status. Terminal records are
// immutable once reached.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}

// Active reports whether s is one of the non-terminal statuses.
func (s JobStatus) Active() bool {
	return !s.Terminal()
}

// transitions is the job state machine. A request outside this table is
// logged and dropped by the orchestrator, never applied.
var transitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusRunning, StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusDone, StatusFailed, StatusCancelled, StatusInterrupted},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActiveStatuses lists every non-terminal status, in lifecycle order.
func ActiveStatuses() []JobStatus {
	return []JobStatus{StatusPending, StatusQueued, StatusRunning}
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s JobStatus) bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusDone, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}
