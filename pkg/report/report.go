// Package report persists the domain records handlers produce. A job's
// result_ref points at a row here.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Report is the persisted output of one job.
type Report struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	JobID     string    `gorm:"index;size:36;not null" json:"job_id"`
	Kind      string    `gorm:"index;size:64;not null" json:"kind"`
	Payload   []byte    `gorm:"type:bytes" json:"payload"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

var ErrNotFound = errors.New("report: not found")

// Store is a GORM-backed report store.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Report{})
}

// Save persists a report and returns its id.
func (s *Store) Save(ctx context.Context, jobID, kind string, payload []byte) (string, error) {
	rep := &Report{
		ID:      uuid.New().String(),
		JobID:   jobID,
		Kind:    kind,
		Payload: payload,
	}
	if err := s.db.WithContext(ctx).Create(rep).Error; err != nil {
		return "", err
	}
	return rep.ID, nil
}

// Get retrieves a report by id.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	var rep Report
	err := s.db.WithContext(ctx).First(&rep, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// ByJob retrieves the reports produced by one job.
func (s *Store) ByJob(ctx context.Context, jobID string) ([]*Report, error) {
	var reps []*Report
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at ASC").Find(&reps).Error
	return reps, err
}
