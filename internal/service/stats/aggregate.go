package stats

import (
	"math"
	"sort"
	"time"

	"github.com/harborpress/pulse/internal/domain"
)

// Percentile returns the nearest-rank percentile of an ascending-sorted
// slice: the value at 1-based rank floor(p*n), clamped to the valid range.
// For ten samples, p95 resolves to rank 9, the 9th smallest value.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Floor(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// APILatency groups api events by path (falling back to the event name when
// no path was captured) and summarises count, mean and p95 duration per
// group. Groups are returned in ascending path order; a group with no events
// cannot occur by construction. The computation is a pure function of its
// input, so repeated runs over the same events yield identical output.
func APILatency(events []domain.MetricEvent) []domain.PathStats {
	durations := make(map[string][]float64)
	counts := make(map[string]int64)
	for _, event := range events {
		if event.Kind != domain.KindAPI {
			continue
		}
		key := event.GroupPath()
		counts[key]++
		if event.DurationMS != nil {
			durations[key] = append(durations[key], *event.DurationMS)
		}
	}
	result := make([]domain.PathStats, 0, len(counts))
	for path, count := range counts {
		entry := domain.PathStats{Path: path, Count: count}
		if samples := durations[path]; len(samples) > 0 {
			sort.Float64s(samples)
			var sum float64
			for _, v := range samples {
				sum += v
			}
			entry.AvgDuration = sum / float64(len(samples))
			entry.P95Duration = Percentile(samples, 0.95)
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

// DBLatency groups db events by (name, time bucket) at the caller-specified
// granularity and computes the mean duration per bucket. Buckets with no
// events are omitted rather than padded. Results are ordered by name, then
// bucket start.
func DBLatency(events []domain.MetricEvent, bucket time.Duration) []domain.OperationBucket {
	if bucket <= 0 {
		bucket = time.Minute
	}
	type key struct {
		name  string
		start time.Time
	}
	sums := make(map[key]float64)
	counts := make(map[key]int64)
	sampled := make(map[key]int64)
	for _, event := range events {
		if event.Kind != domain.KindDB {
			continue
		}
		k := key{name: event.Name, start: event.CreatedAt.UTC().Truncate(bucket)}
		counts[k]++
		if event.DurationMS != nil {
			sums[k] += *event.DurationMS
			sampled[k]++
		}
	}
	result := make([]domain.OperationBucket, 0, len(counts))
	for k, count := range counts {
		entry := domain.OperationBucket{Name: k.name, BucketStart: k.start, Count: count}
		if n := sampled[k]; n > 0 {
			entry.AvgDuration = sums[k] / float64(n)
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].BucketStart.Before(result[j].BucketStart)
	})
	return result
}

// RouteViews counts page views per route. Activity view pings are the
// primary signal; when none exist in the window, navigation events stand in
// so dashboards still show traffic. Ordered by count descending, route
// ascending for equal counts.
func RouteViews(events []domain.MetricEvent) []domain.RouteViews {
	counts := make(map[string]int64)
	sawActivity := false
	for _, event := range events {
		if event.Kind != domain.KindActivity {
			continue
		}
		if action, ok := event.Metadata["action"].(string); ok && action != "view" {
			continue
		}
		sawActivity = true
		counts[event.GroupPath()]++
	}
	if !sawActivity {
		for _, event := range events {
			if event.Kind != domain.KindNavigation {
				continue
			}
			counts[event.GroupPath()]++
		}
	}
	result := make([]domain.RouteViews, 0, len(counts))
	for route, count := range counts {
		result = append(result, domain.RouteViews{Route: route, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Route < result[j].Route
	})
	return result
}
