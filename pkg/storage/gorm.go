package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"llmarena/pkg/core"
	"llmarena/pkg/security"
)

// GormStorage implements Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{})
}

// Create persists a new job record.
func (s *GormStorage) Create(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.TimeoutSeconds <= 0 {
		job.TimeoutSeconds = core.DefaultTimeoutSeconds
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// MarkQueued moves a job to queued. The write is guarded on the current
// status so a job finalized concurrently (cancelled in the submission
// window) is never resurrected.
func (s *GormStorage) MarkQueued(ctx context.Context, jobID string) error {
	return s.updateIfStatus(ctx, jobID, []core.JobStatus{core.StatusPending}, map[string]any{
		"status": core.StatusQueued,
	})
}

// MarkRunning records the start of execution and arms the timeout clock.
// The clock never starts before the job actually runs. Guarded on a
// non-terminal status: terminal records are immutable and a concurrent
// finalize must win over a stale start.
func (s *GormStorage) MarkRunning(ctx context.Context, jobID string, startedAt, timeoutAt time.Time) error {
	return s.updateIfStatus(ctx, jobID, core.ActiveStatuses(), map[string]any{
		"status":     core.StatusRunning,
		"started_at": startedAt,
		"timeout_at": timeoutAt,
	})
}

// updateIfStatus applies updates only while the record is still in one of
// the expected statuses. A zero-row update distinguishes a missing record
// from one whose status moved on concurrently.
func (s *GormStorage) updateIfStatus(ctx context.Context, jobID string, expected []core.JobStatus, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", jobID).
		Where("status IN ?", expected).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&core.Job{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return core.ErrJobNotFound
		}
		return core.ErrStaleTransition
	}
	return nil
}

// UpdateProgress persists a progress report. Last write wins on detail.
func (s *GormStorage) UpdateProgress(ctx context.Context, jobID string, pct int, detail string) error {
	return s.updateByID(ctx, jobID, map[string]any{
		"progress_pct":    pct,
		"progress_detail": detail,
	})
}

// Finalize writes a terminal status. Error messages are sanitized before
// storage; result fields are written only for done.
func (s *GormStorage) Finalize(ctx context.Context, jobID string, status core.JobStatus, errMsg, resultRef, resultType string) error {
	now := time.Now()
	updates := map[string]any{
		"status":       status,
		"completed_at": now,
	}
	switch status {
	case core.StatusDone:
		updates["result_ref"] = resultRef
		updates["result_type"] = resultType
	case core.StatusFailed:
		updates["error_msg"] = security.SanitizeErrorMessage(errMsg)
	}
	return s.updateByID(ctx, jobID, updates)
}

func (s *GormStorage) updateByID(ctx context.Context, jobID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", jobID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// Get retrieves a job by ID.
func (s *GormStorage) Get(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByUser returns a user's jobs, newest first, optionally filtered by status.
func (s *GormStorage) ListByUser(ctx context.Context, userID string, status *core.JobStatus, limit int) ([]*core.Job, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	return listJobs(q, status, limit)
}

// ListAll returns jobs across all users, newest first. Admin surface.
func (s *GormStorage) ListAll(ctx context.Context, status *core.JobStatus, limit int) ([]*core.Job, error) {
	return listJobs(s.db.WithContext(ctx), status, limit)
}

func listJobs(q *gorm.DB, status *core.JobStatus, limit int) ([]*core.Job, error) {
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var jobList []*core.Job
	err := q.Order("created_at DESC").Find(&jobList).Error
	return jobList, err
}

// ActiveByUser returns a user's non-terminal jobs in submission order.
func (s *GormStorage) ActiveByUser(ctx context.Context, userID string) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("status IN ?", core.ActiveStatuses()).
		Order("created_at ASC").
		Find(&jobList).Error
	return jobList, err
}

// RecentByUser returns a user's most recent terminal jobs.
func (s *GormStorage) RecentByUser(ctx context.Context, userID string, limit int) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("status IN ?", []core.JobStatus{core.StatusDone, core.StatusFailed, core.StatusCancelled, core.StatusInterrupted}).
		Order("completed_at DESC").
		Limit(limit).
		Find(&jobList).Error
	return jobList, err
}

// InterruptActive rewrites every non-terminal job to interrupted. Run once
// at startup before any submissions are accepted: no cancellation token
// exists for these jobs in the new process, so they cannot be resumed.
func (s *GormStorage) InterruptActive(ctx context.Context) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status IN ?", core.ActiveStatuses()).
		Updates(map[string]any{
			"status":       core.StatusInterrupted,
			"completed_at": now,
		})
	return result.RowsAffected, result.Error
}

// ExpiredRunning returns running jobs whose timeout has elapsed.
func (s *GormStorage) ExpiredRunning(ctx context.Context, now time.Time) ([]*core.Job, error) {
	var jobList []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusRunning).
		Where("timeout_at IS NOT NULL AND timeout_at <= ?", now).
		Find(&jobList).Error
	return jobList, err
}

var _ Storage = (*GormStorage)(nil)
