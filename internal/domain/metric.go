package domain

import (
	"errors"
	"strings"
	"time"
)

// MetricKind identifies the class of an observation. The set is fixed;
// the kind determines which of the optional dimensions carry meaning.
type MetricKind string

const (
	KindAPI        MetricKind = "api"
	KindDB         MetricKind = "db"
	KindNavigation MetricKind = "navigation"
	KindWebVital   MetricKind = "webvital"
	KindActivity   MetricKind = "activity"
)

// ErrInvalidKind indicates an unrecognised metric kind.
var ErrInvalidKind = errors.New("invalid metric kind")

// ErrEmptyName indicates a metric event without a name.
var ErrEmptyName = errors.New("metric name required")

// ParseKind normalises a kind string, accepting "frontend" as a legacy
// alias of webvital.
func ParseKind(value string) (MetricKind, error) {
	switch MetricKind(strings.ToLower(strings.TrimSpace(value))) {
	case KindAPI:
		return KindAPI, nil
	case KindDB:
		return KindDB, nil
	case KindNavigation:
		return KindNavigation, nil
	case KindWebVital, MetricKind("frontend"):
		return KindWebVital, nil
	case KindActivity:
		return KindActivity, nil
	default:
		return "", ErrInvalidKind
	}
}

// MetricEvent is one immutable timestamped observation. Events are written
// exactly once and never updated; CreatedAt is the sole ordering key.
type MetricEvent struct {
	ID         int64
	Kind       MetricKind
	Name       string
	DurationMS *float64
	Path       string
	Method     string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// NewMetricEvent validates the required dimensions of an observation.
// All optional fields pass through unvalidated; metadata is free-form.
func NewMetricEvent(kind string, name string) (MetricEvent, error) {
	parsed, err := ParseKind(kind)
	if err != nil {
		return MetricEvent{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return MetricEvent{}, ErrEmptyName
	}
	return MetricEvent{Kind: parsed, Name: name}, nil
}

// WithDuration attaches an elapsed-time measurement. Negative values are
// clamped to zero so clock skew can never produce a negative duration.
func (e MetricEvent) WithDuration(ms float64) MetricEvent {
	if ms < 0 {
		ms = 0
	}
	e.DurationMS = &ms
	return e
}

// GroupPath returns the grouping dimension for api and navigation events:
// the request path, falling back to the event name when no path was captured.
func (e MetricEvent) GroupPath() string {
	if e.Path != "" {
		return e.Path
	}
	return e.Name
}

// PathStats summarises latency for one request path.
type PathStats struct {
	Path        string  `json:"path"`
	Count       int64   `json:"count"`
	AvgDuration float64 `json:"avgDuration"`
	P95Duration float64 `json:"p95Duration"`
}

// OperationBucket is one time-bucketed latency point for a named operation.
type OperationBucket struct {
	Name        string    `json:"name"`
	BucketStart time.Time `json:"bucketStart"`
	Count       int64     `json:"count"`
	AvgDuration float64   `json:"avgDuration"`
}

// RouteViews counts page views for one route.
type RouteViews struct {
	Route string `json:"route"`
	Count int64  `json:"count"`
}

// MetricRollup stores pre-aggregated statistics for a (kind, name) pair in a
// fixed time bucket, maintained by the ingestion sink's flush loop.
type MetricRollup struct {
	Kind        MetricKind
	Name        string
	BucketStart time.Time
	BucketSpan  time.Duration
	Count       int64
	ErrorCount  int64
	AvgMS       *float64
	P50MS       *float64
	P95MS       *float64
	P99MS       *float64
	MaxMS       *float64
	UpdatedAt   time.Time
}
