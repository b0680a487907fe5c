/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron *cron.Cron
	jobs *Jobs
	log  zerolog.Logger
}

// ScheduleConfig holds the cron expressions of the jobs.
type ScheduleConfig struct {
	PaymentScheduler string
	RecomputeSweep   string
}

type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Printf(format string, args ...interface{}) {
	l.log.Info().Msg(fmt.Sprintf(format, args...))
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, log zerolog.Logger) *Scheduler {
	logger := log.With().Str("component", "cron").Logger()
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(cronLogger{log: logger})),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	return &Scheduler{cron: c, jobs: jobs, log: logger}
}

// Start registers the jobs and starts the cron scheduler. An invalid schedule is returned
// as an error and nothing is started.
func (s *Scheduler) Start(cfg ScheduleConfig) error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"payment scheduler", cfg.PaymentScheduler, s.jobs.ProcessPayments},
		{"recompute sweep", cfg.RecomputeSweep, s.jobs.RecomputeRecentWorkPeriods},
	}
	for _, e := range entries {
		if e.schedule == "" {
			s.log.Info().Str("job", e.name).Msg("job disabled")
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, e.run); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", e.name, err)
		}
		s.log.Info().Str("job", e.name).Str("schedule", e.schedule).Msg("scheduled job")
	}
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
