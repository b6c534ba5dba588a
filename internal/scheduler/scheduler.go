// Package scheduler triggers a job on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

// Job is one scheduled unit of work. It must return when ctx is done.
type Job func(ctx context.Context)

// Scheduler runs a Job immediately and then every interval.
//
// Runs never overlap within a process: a tick that fires while the job is
// running is coalesced into at most one pending run.
type Scheduler struct {
	interval time.Duration
	job      Job
	logger   zerolog.Logger
}

// New creates a scheduler.
func New(interval time.Duration, job Job, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		interval: interval,
		job:      job,
		logger:   logging.Component(logger, "scheduler"),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Scheduler started")

	s.job(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			s.job(ctx)
		}
	}
}
