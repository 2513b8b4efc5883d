package dbx

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JobRecordStore persists the terminal-state audit trail for executed jobs
// and sweeps records past a retention window.
type JobRecordStore struct {
	db *gorm.DB
}

func NewJobRecordStore(db *gorm.DB) *JobRecordStore {
	return &JobRecordStore{db: db}
}

// Record writes one terminal job outcome. Called by the worker at most once
// per job, after MarkDone, never read back into the live queue (spec §9).
func (s *JobRecordStore) Record(ctx context.Context, rec JobRecord) error {
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("job_records: record: %w", err)
	}
	return nil
}

// DeleteOlderThan removes job records whose FinishedAt predates cutoff,
// returning the number of rows removed. Used by the retention sweep.
func (s *JobRecordStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("finished_at < ?", cutoff).Delete(&JobRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("job_records: delete older than %s: %w", cutoff, result.Error)
	}
	return result.RowsAffected, nil
}
