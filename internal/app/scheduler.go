/**
 * @description
 * Cron scheduler setup for the maintenance jobs.
 */
package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Schedules holds cron expressions for the maintenance jobs. An empty expression
// disables the job.
type Schedules struct {
	Backup      string
	StatsReport string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of
// jobs that were scheduled.
func (s *Scheduler) Start() int {
	scheduled := 0
	if s.jobs.snapshotter != nil {
		scheduled += s.register("metadata backup", s.schedules.Backup, s.jobs.BackupMetadata)
	}
	scheduled += s.register("stats report", s.schedules.StatsReport, s.jobs.ReportStats)

	s.cron.Start()
	return scheduled
}

func (s *Scheduler) register(name, spec string, job func()) int {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return 0
	}
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return 0
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
	return 1
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
