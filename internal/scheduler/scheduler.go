/**
 * @description
 * Cron scheduler setup for the billing jobs.
 */
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/foodmind/billing-service/internal/config"
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
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the
// number of jobs registered.
func (s *Scheduler) Start() int {
	registrations := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"webhook reclaim", s.config.ReclaimSchedule, s.jobs.ReclaimStuckWebhooks},
		{"failed webhook alert", s.config.FailedAlertSchedule, s.jobs.AlertFailedWebhooks},
		{"subscription renewal", s.config.RenewalSchedule, s.jobs.RunRenewals},
		{"webhook digest", s.config.DigestSchedule, s.jobs.SendDigest},
		{"digest health", s.config.DigestHealthSchedule, s.jobs.CheckDigestHealth},
	}

	registered := 0
	for _, reg := range registrations {
		if reg.schedule == "" {
			s.logger.Warn("skipping "+reg.name+" job without a schedule")
			continue
		}
		if _, err := s.cron.AddFunc(reg.schedule, reg.run); err != nil {
			s.logger.Error("failed to schedule "+reg.name+" job", "schedule", reg.schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled "+reg.name+" job", "schedule", reg.schedule)
		registered++
	}

	s.cron.Start()
	return registered
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
