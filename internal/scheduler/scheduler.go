// Package scheduler runs the periodic risk sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/risk"
)

// Sweeper is the engine surface the scheduler drives
type Sweeper interface {
	RunRevaluationSweep(ctx context.Context) (*risk.SweepSummary, error)
	RunOverdueSweep(ctx context.Context) (*ledger.OverdueSummary, error)
}

// Scheduler owns the cron and the context sweeps run under. A sweep that
// is still running when its next slot arrives is skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	ctx     context.Context
}

func NewScheduler(ctx context.Context, sweeper Sweeper) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		sweeper: sweeper,
		ctx:     ctx,
	}
}

// RegisterAll schedules the revaluation and overdue sweeps
func (s *Scheduler) RegisterAll(revaluationCron, overdueCron string) error {
	if _, err := s.cron.AddFunc(revaluationCron, s.revaluationTask); err != nil {
		return fmt.Errorf("register revaluation sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(overdueCron, s.overdueTask); err != nil {
		return fmt.Errorf("register overdue sweep: %w", err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop stops scheduling and waits for running sweeps to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) revaluationTask() {
	logger := log.With().Str("component", "scheduler").Str("sweep", risk.SweepRevaluation).Logger()
	logger.Info().Msg("running revaluation sweep")

	summary, err := s.sweeper.RunRevaluationSweep(s.ctx)
	if err != nil {
		logger.Error().Err(err).Msg("revaluation sweep failed")
		return
	}
	if summary.Partial {
		logger.Warn().Int("evaluated", summary.LoansEvaluated).Int("considered", summary.LoansConsidered).Msg("revaluation sweep stopped early")
	}
}

func (s *Scheduler) overdueTask() {
	logger := log.With().Str("component", "scheduler").Str("sweep", risk.SweepOverdue).Logger()
	logger.Info().Msg("running overdue sweep")

	if _, err := s.sweeper.RunOverdueSweep(s.ctx); err != nil {
		logger.Error().Err(err).Msg("overdue sweep failed")
	}
}
