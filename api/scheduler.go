/*
scheduler.go - In-process cron for the batch operations

PURPOSE:
  Triggers the two batch operations that have no caller of their own:
  - credits weekly reset (default Monday 00:00 UTC)
  - offer timeout sweep (default every 5 minutes)

DESIGN:
  The scheduler holds no state between runs. Both jobs are idempotent batch
  operations over persisted data, so an external scheduler can drive them
  instead through POST /api/admin/* or `engagement reset-credits`, and two
  replicas running the same job at once do no harm.

  Panics inside a job are recovered and logged; the next tick runs normally.

USAGE:
  s, err := NewScheduler(throttle, engine, cfg, log)
  s.Start()
  // ... later
  <-s.Stop().Done()

SEE ALSO:
  - credits/throttle.go: ResetWeekly
  - assignment/offers.go: SweepTimedOut
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/warp/engagement-engine/credits"
	"go.uber.org/zap"
)

// Sweeper is the slice of the assignment engine the scheduler drives.
type Sweeper interface {
	SweepTimedOut(ctx context.Context, ttl time.Duration) (int, error)
}

// SchedulerConfig holds cron expressions (standard 5-field, UTC).
type SchedulerConfig struct {
	CreditReset string
	OfferSweep  string
	OfferTTL    time.Duration
	JobTimeout  time.Duration
}

type Scheduler struct {
	cron    *cron.Cron
	credits credits.Throttle
	sweeper Sweeper
	cfg     SchedulerConfig
	log     *zap.Logger
}

// NewScheduler validates the expressions and registers both jobs.
func NewScheduler(throttle credits.Throttle, sweeper Sweeper, cfg SchedulerConfig, log *zap.Logger) (*Scheduler, error) {
	log = log.Named("scheduler")
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(log))
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		credits: throttle,
		sweeper: sweeper,
		cfg:     cfg,
		log:     log,
	}

	if cfg.CreditReset != "" {
		if _, err := s.cron.AddFunc(cfg.CreditReset, s.ResetCredits); err != nil {
			return nil, fmt.Errorf("invalid credit reset schedule %q: %w", cfg.CreditReset, err)
		}
		log.Info("scheduled weekly credit reset", zap.String("schedule", cfg.CreditReset))
	}
	if cfg.OfferSweep != "" {
		if _, err := s.cron.AddFunc(cfg.OfferSweep, s.SweepOffers); err != nil {
			return nil, fmt.Errorf("invalid offer sweep schedule %q: %w", cfg.OfferSweep, err)
		}
		log.Info("scheduled offer timeout sweep",
			zap.String("schedule", cfg.OfferSweep),
			zap.Duration("ttl", cfg.OfferTTL))
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler; the returned context is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ResetCredits is the weekly reset job.
func (s *Scheduler) ResetCredits() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if _, err := s.credits.ResetWeekly(ctx); err != nil {
		s.log.Error("weekly credit reset failed", zap.Error(err))
	}
}

// SweepOffers is the offer timeout job.
func (s *Scheduler) SweepOffers() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	if _, err := s.sweeper.SweepTimedOut(ctx, s.cfg.OfferTTL); err != nil {
		s.log.Error("offer timeout sweep failed", zap.Error(err))
	}
}
