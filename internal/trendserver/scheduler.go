package trendserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/anatolykoptev/go_roletrends/internal/pipeline"
)

// Scheduler triggers runs on a cron spec. Each run's window starts at the
// last successful run.
type Scheduler struct {
	cron *cron.Cron
	svc  *Service
	spec string
}

// NewScheduler returns a Scheduler for spec (standard 5-field cron or a
// descriptor such as "@every 6h").
func NewScheduler(svc *Service, spec string) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		svc:  svc,
		spec: spec,
	}
}

// Start registers the job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc %q: %w", s.spec, err)
	}
	s.cron.Start()
	slog.Info("scheduler: started", slog.String("spec", s.spec))
	return nil
}

// Stop halts the loop and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("scheduler: stopped")
}

func (s *Scheduler) tick(ctx context.Context) pipeline.Result {
	if ctx.Err() != nil {
		return pipeline.Result{}
	}
	res, err := s.svc.Run(ctx, RunInput{})
	if err != nil {
		slog.Error("scheduler: run not started", slog.Any("error", err))
		return pipeline.Result{}
	}
	slog.Info("scheduler: run finished",
		slog.String("run_id", res.RunID),
		slog.String("status", res.Status),
		slog.Int("rows", res.Counts.Rows))
	return res
}
