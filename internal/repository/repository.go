package repository

import (
	"context"
	"time"

	"github.com/harborpress/pulse/internal/domain"
)

// EventFilter narrows a raw metric event listing. Name and Path are
// case-insensitive substring matches; zero values disable a filter.
type EventFilter struct {
	Kind   domain.MetricKind
	Name   string
	Path   string
	Since  time.Time
	Limit  int
	Offset int
}

// MetricEventRepository persists metric events append-only. There is no
// update or delete of individual events; DeleteEventsBefore exists only for
// the retention sweep.
type MetricEventRepository interface {
	InsertEvent(ctx context.Context, event *domain.MetricEvent) error
	ListEvents(ctx context.Context, filter EventFilter) ([]domain.MetricEvent, int64, error)
	ListEventsSince(ctx context.Context, kinds []domain.MetricKind, since time.Time, limit int) ([]domain.MetricEvent, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RollupRepository maintains pre-aggregated metric buckets.
type RollupRepository interface {
	UpsertRollups(ctx context.Context, rollups []domain.MetricRollup) error
	ListRollups(ctx context.Context, kind domain.MetricKind, name string, bucketSpan time.Duration, limit int) ([]domain.MetricRollup, error)
}
