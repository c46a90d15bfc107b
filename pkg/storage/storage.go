// Package storage provides the persistence layer for the job engine.
package storage

import (
	"context"
	"time"

	"llmarena/pkg/core"
)

// Storage is the durable record of every job. It is mutated only by the
// orchestrator; handlers communicate upward through the progress callback
// and return value, never by writing here directly.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Lifecycle writes
	Create(ctx context.Context, job *core.Job) error
	MarkQueued(ctx context.Context, jobID string) error
	MarkRunning(ctx context.Context, jobID string, startedAt, timeoutAt time.Time) error
	UpdateProgress(ctx context.Context, jobID string, pct int, detail string) error
	Finalize(ctx context.Context, jobID string, status core.JobStatus, errMsg, resultRef, resultType string) error

	// Queries
	Get(ctx context.Context, jobID string) (*core.Job, error)
	ListByUser(ctx context.Context, userID string, status *core.JobStatus, limit int) ([]*core.Job, error)
	ListAll(ctx context.Context, status *core.JobStatus, limit int) ([]*core.Job, error)
	ActiveByUser(ctx context.Context, userID string) ([]*core.Job, error)
	RecentByUser(ctx context.Context, userID string, limit int) ([]*core.Job, error)

	// Sweeps
	InterruptActive(ctx context.Context) (int64, error)
	ExpiredRunning(ctx context.Context, now time.Time) ([]*core.Job, error)
}
