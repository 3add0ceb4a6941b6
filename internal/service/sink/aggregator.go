package sink

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/harborpress/pulse/internal/domain"
	"github.com/harborpress/pulse/internal/service/stats"
)

type bucketKey struct {
	kind  domain.MetricKind
	name  string
	start time.Time
}

type rollupBucket struct {
	count      int64
	errorCount int64
	latencies  []float64
	latencySum float64
	latencyN   int64
	latencyMax float64
	hasLatency bool
}

// rollupAggregator accumulates per-(kind, name, bucket) statistics in memory
// with reservoir-sampled latencies, so the flush loop can persist compact
// summaries without rescanning the event table.
type rollupAggregator struct {
	mu         sync.Mutex
	span       time.Duration
	maxSamples int
	buckets    map[bucketKey]*rollupBucket
	now        func() time.Time
	random     *rand.Rand
}

const defaultRollupSamples = 512

func newRollupAggregator(span time.Duration, maxSamples int, now func() time.Time) *rollupAggregator {
	if span <= 0 {
		span = time.Minute
	}
	if maxSamples <= 0 {
		maxSamples = defaultRollupSamples
	}
	if now == nil {
		now = time.Now
	}
	return &rollupAggregator{
		span:       span,
		maxSamples: maxSamples,
		buckets:    make(map[bucketKey]*rollupBucket),
		now:        now,
		random:     rand.New(rand.NewSource(now().UnixNano())),
	}
}

func (a *rollupAggregator) add(event domain.MetricEvent) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	key := bucketKey{
		kind:  event.Kind,
		name:  event.Name,
		start: event.CreatedAt.UTC().Truncate(a.span),
	}
	bucket := a.buckets[key]
	if bucket == nil {
		bucket = &rollupBucket{}
		a.buckets[key] = bucket
	}
	bucket.count++
	if isErrorEvent(event) {
		bucket.errorCount++
	}
	if event.DurationMS != nil {
		lat := *event.DurationMS
		bucket.latencyN++
		bucket.latencySum += lat
		if !bucket.hasLatency || lat > bucket.latencyMax {
			bucket.latencyMax = lat
			bucket.hasLatency = true
		}
		if len(bucket.latencies) < a.maxSamples {
			bucket.latencies = append(bucket.latencies, lat)
		} else {
			idx := a.random.Intn(a.maxSamples)
			bucket.latencies[idx] = lat
		}
	}
}

func (a *rollupAggregator) flushBefore(cutoff time.Time) []domain.MetricRollup {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buckets) == 0 {
		return nil
	}
	rollups := make([]domain.MetricRollup, 0)
	for key, bucket := range a.buckets {
		if key.start.Add(a.span).After(cutoff) {
			continue
		}
		rollups = append(rollups, bucket.toRollup(key, a.span, a.now()))
		delete(a.buckets, key)
	}
	return rollups
}

func (a *rollupAggregator) flushAll() []domain.MetricRollup {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buckets) == 0 {
		return nil
	}
	now := a.now()
	rollups := make([]domain.MetricRollup, 0, len(a.buckets))
	for key, bucket := range a.buckets {
		rollups = append(rollups, bucket.toRollup(key, a.span, now))
		delete(a.buckets, key)
	}
	return rollups
}

func (b *rollupBucket) toRollup(key bucketKey, span time.Duration, now time.Time) domain.MetricRollup {
	r := domain.MetricRollup{
		Kind:        key.kind,
		Name:        key.name,
		BucketStart: key.start,
		BucketSpan:  span,
		Count:       b.count,
		ErrorCount:  b.errorCount,
		UpdatedAt:   now,
	}
	if b.latencyN > 0 {
		avg := b.latencySum / float64(b.latencyN)
		r.AvgMS = &avg
	}
	if b.hasLatency {
		max := b.latencyMax
		r.MaxMS = &max
	}
	if len(b.latencies) > 0 {
		sorted := append([]float64(nil), b.latencies...)
		sort.Float64s(sorted)
		p50 := stats.Percentile(sorted, 0.50)
		p95 := stats.Percentile(sorted, 0.95)
		p99 := stats.Percentile(sorted, 0.99)
		r.P50MS = &p50
		r.P95MS = &p95
		r.P99MS = &p99
	}
	return r
}

// isErrorEvent inspects metadata for a failure marker: an http status of 500
// or above, or a recorded error string.
func isErrorEvent(event domain.MetricEvent) bool {
	if event.Metadata == nil {
		return false
	}
	switch status := event.Metadata["status"].(type) {
	case int:
		if status >= 500 {
			return true
		}
	case float64:
		if status >= 500 {
			return true
		}
	}
	if msg, ok := event.Metadata["error"].(string); ok && msg != "" {
		return true
	}
	return false
}
