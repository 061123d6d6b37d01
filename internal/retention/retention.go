// Package retention prunes old rows from the verification ledger on a
// schedule.
package retention

import (
	"fmt"
	"time"

	"github.com/felo/mailclaim/internal/config"
	"github.com/felo/mailclaim/internal/logger"
	"github.com/felo/mailclaim/internal/metrics"
	"github.com/go-co-op/gocron/v2"
)

// Store is the part of the ledger the pruner needs
type Store interface {
	DeleteVerificationsBefore(cutoff time.Time) (int64, error)
}

// Pruner deletes ledger rows older than a maximum age
type Pruner struct {
	store   Store
	maxAge  time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPruner creates a pruner. m may be nil.
func NewPruner(store Store, maxAge time.Duration, log *logger.Logger, m *metrics.Metrics) *Pruner {
	return &Pruner{
		store:   store,
		maxAge:  maxAge,
		logger:  log,
		metrics: m,
		now:     time.Now,
	}
}

// Prune runs one pass and returns the number of rows removed
func (p *Pruner) Prune() (int64, error) {
	cutoff := p.now().Add(-p.maxAge)
	n, err := p.store.DeleteVerificationsBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune verifications: %w", err)
	}
	p.metrics.AddPruned(n)
	if n > 0 {
		p.logger.Info("pruned verifications", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Scheduler runs a Pruner on a fixed interval
type Scheduler struct {
	scheduler gocron.Scheduler
}

// Start schedules p every cfg.Interval, starting immediately. A disabled
// config returns a nil Scheduler, which is safe to Stop.
func Start(cfg *config.RetentionConfig, p *Pruner) (*Scheduler, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() {
			if _, err := p.Prune(); err != nil {
				p.logger.Error("retention pass failed", "error", err)
			}
		}),
		gocron.WithName("prune-verifications"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("failed to schedule retention job: %w", err)
	}

	s.Start()
	p.logger.Info("retention scheduled", "interval", cfg.Interval, "maxAge", cfg.MaxAge)
	return &Scheduler{scheduler: s}, nil
}

// Stop shuts the scheduler down and waits for a running pass to finish
func (s *Scheduler) Stop() error {
	if s == nil {
		return nil
	}
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop retention scheduler: %w", err)
	}
	return nil
}
