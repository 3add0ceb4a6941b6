package sink

import (
	"context"
	"log/slog"
	"time"

	"github.com/harborpress/pulse/internal/repository"
)

const defaultSweepInterval = 6 * time.Hour

// Sweeper deletes metric events past their retention horizon. A zero
// retention disables the sweep entirely; events then accumulate without
// bound, which matches the original append-only behaviour.
type Sweeper struct {
	repo      repository.MetricEventRepository
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper constructs a retention sweeper keeping events for the given
// number of days.
func NewSweeper(repo repository.MetricEventRepository, retentionDays int, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger != nil {
		logger = logger.With("component", "retention")
	}
	return &Sweeper{
		repo:      repo,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.repo == nil || s.retention <= 0 {
		return
	}
	if s.logger != nil {
		s.logger.Info("retention sweeper started", "retention", s.retention, "interval", s.interval)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Info("retention sweeper stopped")
			}
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.retention)
	deleted, err := s.repo.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("retention sweep failed", "error", err)
		}
		return
	}
	if deleted > 0 && s.logger != nil {
		s.logger.Info("retention sweep completed", "deleted", deleted, "cutoff", cutoff)
	}
}
