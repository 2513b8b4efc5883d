// Package maintenance runs periodic housekeeping unrelated to the hot
// execution path — currently just the job-history retention sweep.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/nodeflow-dev/nodeflow-server/internal/dbx"
)

// defaultRetention is how long a finished job's audit record is kept before
// the sweep deletes it.
const defaultRetention = 30 * 24 * time.Hour

// Sweeper wraps gocron and periodically deletes job_records past the
// retention window.
type Sweeper struct {
	cron      gocron.Scheduler
	records   *dbx.JobRecordStore
	retention time.Duration
	logger    *zap.Logger
}

// New creates a Sweeper. Call Start to begin running it.
func New(records *dbx.JobRecordStore, logger *zap.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Sweeper{
		cron:      s,
		records:   records,
		retention: defaultRetention,
		logger:    logger.Named("maintenance"),
	}, nil
}

// Start schedules the daily sweep and starts the underlying gocron
// scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(3, 0, 0))),
		gocron.NewTask(func() { s.runSweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("maintenance sweeper started", zap.Duration("retention", s.retention))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight sweep
// to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance shutdown error: %w", err)
	}
	return nil
}

func (s *Sweeper) runSweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	n, err := s.records.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	s.logger.Info("retention sweep complete", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
}
