package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Purger deletes archived records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Schedule configures the periodic jobs. Empty specs disable a job.
type Schedule struct {
	Archive       string
	Retention     string
	RetentionDays int
}

// Scheduler runs archiving and retention on cron schedules.
type Scheduler struct {
	cron     *cron.Cron
	archiver *Archiver
	purger   Purger
	schedule Schedule
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a scheduler. archiver or purger may be nil to skip
// that job.
func NewScheduler(archiver *Archiver, purger Purger, schedule Schedule, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:     cron.New(),
		archiver: archiver,
		purger:   purger,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if s.archiver != nil && s.schedule.Archive != "" {
		if _, err := s.cron.AddFunc(s.schedule.Archive, func() { _, _ = s.RunArchive(context.Background()) }); err != nil {
			return fmt.Errorf("archive schedule %q: %w", s.schedule.Archive, err)
		}
		s.logger.Info("scheduled audit archive", "schedule", s.schedule.Archive)
	}
	if s.purger != nil && s.schedule.Retention != "" && s.schedule.RetentionDays > 0 {
		if _, err := s.cron.AddFunc(s.schedule.Retention, func() { _, _ = s.RunRetention(context.Background()) }); err != nil {
			return fmt.Errorf("retention schedule %q: %w", s.schedule.Retention, err)
		}
		s.logger.Info("scheduled audit retention",
			"schedule", s.schedule.Retention,
			"days", s.schedule.RetentionDays,
		)
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("audit scheduler stopped")
}

// RunArchive runs one archive pass.
func (s *Scheduler) RunArchive(ctx context.Context) (int, error) {
	n, err := s.archiver.Run(ctx)
	if err != nil {
		s.logger.Warn("scheduled archive failed", "archived", n, "error", err)
	}
	return n, err
}

// RunRetention purges archived records older than the retention window.
func (s *Scheduler) RunRetention(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-time.Duration(s.schedule.RetentionDays) * 24 * time.Hour)
	n, err := s.purger.Purge(ctx, cutoff)
	if err != nil {
		s.logger.Warn("scheduled retention failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged archived audit records", "records", n, "before", cutoff)
	}
	return n, nil
}
