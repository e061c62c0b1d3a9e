/**
 * @description
 * Cron scheduler setup for the compensation batches.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/veloracapital/compensation-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.DailyYieldJobSchedule, s.jobs.RunDailyYield); err != nil {
		s.logger.Error("failed to schedule daily yield job", "error", err)
	} else {
		s.logger.Info("scheduled daily yield job", "schedule", s.config.DailyYieldJobSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.WeeklyPayoutJobSchedule, s.jobs.RunWeeklyPayout); err != nil {
		s.logger.Error("failed to schedule weekly payout job", "error", err)
	} else {
		s.logger.Info("scheduled weekly payout job", "schedule", s.config.WeeklyPayoutJobSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
