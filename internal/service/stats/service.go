package stats

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harborpress/pulse/internal/domain"
	"github.com/harborpress/pulse/internal/repository"
)

const (
	defaultWindow    = time.Hour
	defaultMaxWindow = 7 * 24 * time.Hour
	windowEventCap   = 50000
)

// Service answers dashboard aggregation queries by loading a time window of
// stored events and applying the pure grouping functions in this package.
type Service struct {
	repo      repository.MetricEventRepository
	logger    *slog.Logger
	maxWindow time.Duration
	now       func() time.Time
}

// New constructs an aggregation service.
func New(repo repository.MetricEventRepository, logger *slog.Logger, maxWindow time.Duration) *Service {
	if maxWindow <= 0 {
		maxWindow = defaultMaxWindow
	}
	if logger != nil {
		logger = logger.With("component", "stats")
	}
	return &Service{
		repo:      repo,
		logger:    logger,
		maxWindow: maxWindow,
		now:       time.Now,
	}
}

// APILatency summarises request latency per path over the window.
func (s *Service) APILatency(ctx context.Context, window time.Duration) ([]domain.PathStats, error) {
	events, err := s.load(ctx, []domain.MetricKind{domain.KindAPI}, window)
	if err != nil {
		return []domain.PathStats{}, err
	}
	return APILatency(events), nil
}

// DBLatency returns time-bucketed operation latency over the window.
func (s *Service) DBLatency(ctx context.Context, window, bucket time.Duration) ([]domain.OperationBucket, error) {
	events, err := s.load(ctx, []domain.MetricKind{domain.KindDB}, window)
	if err != nil {
		return []domain.OperationBucket{}, err
	}
	return DBLatency(events, bucket), nil
}

// RouteViews counts page views per route over the window.
func (s *Service) RouteViews(ctx context.Context, window time.Duration) ([]domain.RouteViews, error) {
	events, err := s.load(ctx, []domain.MetricKind{domain.KindActivity, domain.KindNavigation}, window)
	if err != nil {
		return []domain.RouteViews{}, err
	}
	return RouteViews(events), nil
}

func (s *Service) load(ctx context.Context, kinds []domain.MetricKind, window time.Duration) ([]domain.MetricEvent, error) {
	if s == nil || s.repo == nil {
		return nil, errors.New("stats service not initialised")
	}
	if window <= 0 {
		window = defaultWindow
	}
	if window > s.maxWindow {
		window = s.maxWindow
	}
	since := s.now().UTC().Add(-window)
	events, err := s.repo.ListEventsSince(ctx, kinds, since, windowEventCap)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("aggregation window load failed", "error", err, "window", window)
		}
		return nil, err
	}
	return events, nil
}
