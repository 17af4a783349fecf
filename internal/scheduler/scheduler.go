package scheduler

import (
	"time"

	"SmartFlow/internal/aggregator"
	"SmartFlow/internal/detector"
	"SmartFlow/internal/domain/models"
	"SmartFlow/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Scheduler drives periodic work that the record flow alone does not cover:
// detection sweeps during quiet tape and aggregator retention cleanup.
type Scheduler struct {
	cron      *cron.Cron
	engine    *detector.Engine
	agg       *aggregator.Aggregator
	log       *logger.Logger
	markets   []models.Market
	retention time.Duration
}

// New creates a stopped scheduler.
func New(engine *detector.Engine, agg *aggregator.Aggregator, log *logger.Logger, markets []models.Market, retention time.Duration) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		engine:    engine,
		agg:       agg,
		log:       log,
		markets:   markets,
		retention: retention,
	}
}

// Start registers the jobs and starts the cron loop. sweepSpec is a 6-field
// cron expression for the detection sweep; retention cleanup runs hourly.
func (s *Scheduler) Start(sweepSpec string) error {
	if sweepSpec == "" {
		sweepSpec = "0 */5 * * * *"
	}
	if _, err := s.cron.AddFunc(sweepSpec, s.sweep); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 0 * * * *", s.cleanup); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("scheduler started", logger.String("sweep", sweepSpec))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) sweep() {
	now := time.Now().UTC()
	for _, m := range s.markets {
		s.engine.Trigger(m, now)
	}
}

func (s *Scheduler) cleanup() {
	cutoff := time.Now().UTC().Add(-s.retention)
	dropped := s.agg.DropBefore(cutoff)
	if dropped > 0 {
		s.log.Info("aggregator retention cleanup",
			logger.Int("buckets_dropped", dropped),
			logger.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}
}
