/**
 * @description
 * Cron scheduler setup for the engine's background jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
}

// SchedulerConfig carries the cron specs for each job.
type SchedulerConfig struct {
	QuoteExpirySchedule string
	StaleAuditSchedule  string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start(cfg SchedulerConfig) {
	if _, err := s.cron.AddFunc(cfg.QuoteExpirySchedule, s.jobs.ExpireQuotes); err != nil {
		s.logger.Error("failed to schedule quote expiry job", "error", err)
	} else {
		s.logger.Info("scheduled quote expiry job", "schedule", cfg.QuoteExpirySchedule)
	}

	if _, err := s.cron.AddFunc(cfg.StaleAuditSchedule, s.jobs.AuditStalePayments); err != nil {
		s.logger.Error("failed to schedule stale payment audit job", "error", err)
	} else {
		s.logger.Info("scheduled stale payment audit job", "schedule", cfg.StaleAuditSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
