package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ratemytip/internal/observability"
)

// Scheduler triggers a cycle at a fixed interval. Runs never overlap: a
// tick that arrives while a cycle is in flight is dropped.
type Scheduler struct {
	run      func(ctx context.Context) error
	interval time.Duration
	log      zerolog.Logger
}

// NewScheduler creates a Scheduler for run.
func NewScheduler(run func(ctx context.Context) error, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{run: run, interval: interval, log: log.With().Str("component", "scheduler").Logger()}
}

// CycleFunc adapts an Orchestrator to a scheduler run.
func CycleFunc(o *Orchestrator) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := o.Run(ctx)
		return err
	}
}

// Start runs immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	err := s.run(ctx)
	observability.RecordJobRun("cycle", err, time.Since(start))
	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("scheduled cycle failed")
	}
}
