package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/harborpress/pulse/internal/domain"
	"github.com/harborpress/pulse/internal/repository"
	"github.com/harborpress/pulse/internal/ws"
)

const (
	defaultBucketSpan    = time.Minute
	defaultFlushInterval = 30 * time.Second
	defaultWriteTimeout  = 5 * time.Second
)

// Service is the ingestion sink: it appends metric events best-effort.
// Record and RecordBatch never return an error; a storage failure is logged
// and discarded so instrumentation can never fail or slow the operation it
// observes. Ingested events also feed an in-memory rollup aggregator whose
// buckets are flushed to storage by Run.
type Service struct {
	repo          repository.MetricEventRepository
	rollups       repository.RollupRepository
	hub           *ws.Hub
	aggregator    *rollupAggregator
	bucketSpan    time.Duration
	flushInterval time.Duration
	writeTimeout  time.Duration
	logger        *slog.Logger
	now           func() time.Time
	once          sync.Once
}

// New constructs a sink with sane defaults.
func New(repo repository.MetricEventRepository, rollups repository.RollupRepository, hub *ws.Hub, logger *slog.Logger, bucketSpan, flushInterval time.Duration) *Service {
	if bucketSpan <= 0 {
		bucketSpan = defaultBucketSpan
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	if flushInterval > bucketSpan {
		flushInterval = bucketSpan
	}
	if hub == nil {
		hub = ws.NewHub()
	}
	if logger != nil {
		logger = logger.With("component", "sink")
	}
	now := time.Now
	return &Service{
		repo:          repo,
		rollups:       rollups,
		hub:           hub,
		aggregator:    newRollupAggregator(bucketSpan, 0, now),
		bucketSpan:    bucketSpan,
		flushInterval: flushInterval,
		writeTimeout:  defaultWriteTimeout,
		logger:        logger,
		now:           now,
	}
}

// Record appends one event. Declared failure mode: never propagates, always
// logs. The event's CreatedAt defaults to now when unset.
func (s *Service) Record(ctx context.Context, event domain.MetricEvent) {
	if s == nil || s.repo == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	} else {
		event.CreatedAt = event.CreatedAt.UTC()
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	if err := s.repo.InsertEvent(writeCtx, &event); err != nil {
		if s.logger != nil {
			s.logger.Warn("metric event dropped", "error", err, "kind", event.Kind, "name", event.Name)
		}
		return
	}
	s.aggregator.add(event)
	s.broadcast(event)
}

// RecordBatch appends several events. Each write is independent; one failure
// never blocks the rest.
func (s *Service) RecordBatch(ctx context.Context, events []domain.MetricEvent) {
	for _, event := range events {
		s.Record(ctx, event)
	}
}

// Hub exposes the live event stream for websocket consumers.
func (s *Service) Hub() *ws.Hub {
	if s == nil {
		return nil
	}
	return s.hub
}

// Run drives the periodic rollup flush. It blocks until the context is
// cancelled, flushing all remaining buckets on the way out.
func (s *Service) Run(ctx context.Context) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.logger != nil {
			s.logger.Info("ingestion sink started", "bucket_span", s.bucketSpan, "flush_interval", s.flushInterval)
		}
	})
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushAll(context.Background())
			if s.logger != nil {
				s.logger.Info("ingestion sink stopped")
			}
			return
		case <-ticker.C:
			s.flushStale(ctx)
		}
	}
}

func (s *Service) flushStale(ctx context.Context) {
	cutoff := s.now().Add(-s.bucketSpan)
	s.persistRollups(ctx, s.aggregator.flushBefore(cutoff))
}

func (s *Service) flushAll(ctx context.Context) {
	s.persistRollups(ctx, s.aggregator.flushAll())
}

func (s *Service) persistRollups(ctx context.Context, rollups []domain.MetricRollup) {
	if len(rollups) == 0 || s.rollups == nil {
		return
	}
	if err := s.rollups.UpsertRollups(ctx, rollups); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to persist metric rollups", "error", err, "count", len(rollups))
		}
	}
}

func (s *Service) broadcast(event domain.MetricEvent) {
	if s.hub == nil {
		return
	}
	payload, err := MarshalEvent(event)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal metric event", "error", err)
		}
		return
	}
	s.hub.Broadcast(string(event.Kind), payload)
}

// MarshalEvent encodes a metric event for stream clients.
func MarshalEvent(event domain.MetricEvent) ([]byte, error) {
	payload := map[string]any{
		"id":         event.ID,
		"kind":       event.Kind,
		"name":       event.Name,
		"durationMs": event.DurationMS,
		"path":       event.Path,
		"method":     event.Method,
		"metadata":   event.Metadata,
		"createdAt":  event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
