package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harborpress/pulse/internal/domain"
	"github.com/harborpress/pulse/internal/repository"
	"github.com/harborpress/pulse/internal/ws"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	defaultWindow    = time.Hour
	defaultViewsSpan = 24 * time.Hour
)

// metricJSON is the wire shape of a raw event for dashboard consumers.
type metricJSON struct {
	ID         int64          `json:"id"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	DurationMS *float64       `json:"durationMs,omitempty"`
	Path       string         `json:"path,omitempty"`
	Method     string         `json:"method,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

func toMetricJSON(events []domain.MetricEvent) []metricJSON {
	out := make([]metricJSON, 0, len(events))
	for _, e := range events {
		out = append(out, metricJSON{
			ID:         e.ID,
			Kind:       string(e.Kind),
			Name:       e.Name,
			DurationMS: e.DurationMS,
			Path:       e.Path,
			Method:     e.Method,
			Metadata:   e.Metadata,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

// handleQueryMetrics lists raw events with filters and pagination. The page
// size is clamped to maxPageLimit to bound response cost.
func (r *Router) handleQueryMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()

	page, _ := strconv.Atoi(query.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	filter := repository.EventFilter{
		Name:   strings.TrimSpace(query.Get("name")),
		Path:   strings.TrimSpace(query.Get("path")),
		Limit:  limit,
		Offset: (page - 1) * limit,
	}
	if typeParam := strings.TrimSpace(query.Get("type")); typeParam != "" {
		kind, err := domain.ParseKind(typeParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown metric type")
			return
		}
		filter.Kind = kind
	}

	events, total, err := r.events.ListEvents(req.Context(), filter)
	if err != nil {
		r.logger.Error("metric listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "metric query failed")
		return
	}
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": toMetricJSON(events),
		"total":   total,
		"page":    page,
		"pages":   pages,
	})
}

func (r *Router) handleStatsAPI(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	window := parseWindow(req.URL.Query().Get("window"), defaultWindow)
	result, err := r.stats.APILatency(req.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": result, "window": window.String()})
}

func (r *Router) handleStatsDB(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	window := parseWindow(query.Get("window"), defaultWindow)
	bucketSeconds, _ := strconv.Atoi(query.Get("bucket"))
	bucket := time.Duration(bucketSeconds) * time.Second
	if bucket <= 0 {
		bucket = time.Minute
	}
	result, err := r.stats.DBLatency(req.Context(), window, bucket)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": result,
		"window":     window.String(),
		"bucket":     bucket.String(),
	})
}

func (r *Router) handleStatsViews(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	window := parseWindow(req.URL.Query().Get("window"), defaultViewsSpan)
	result, err := r.stats.RouteViews(req.Context(), window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": result, "window": window.String()})
}

// handleQueryRollups exposes the sink's pre-aggregated buckets.
func (r *Router) handleQueryRollups(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	var kind domain.MetricKind
	if typeParam := strings.TrimSpace(query.Get("kind")); typeParam != "" {
		parsed, err := domain.ParseKind(typeParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown metric kind")
			return
		}
		kind = parsed
	}
	bucketSeconds, _ := strconv.Atoi(query.Get("bucket"))
	bucket := time.Duration(bucketSeconds) * time.Second
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	rollups, err := r.rollups.ListRollups(req.Context(), kind, query.Get("name"), bucket, limit)
	if err != nil {
		r.logger.Error("rollup listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "rollup query failed")
		return
	}
	out := make([]map[string]any, 0, len(rollups))
	for _, rollup := range rollups {
		out = append(out, map[string]any{
			"kind":        rollup.Kind,
			"name":        rollup.Name,
			"bucketStart": rollup.BucketStart,
			"bucketSpan":  rollup.BucketSpan.String(),
			"count":       rollup.Count,
			"errorCount":  rollup.ErrorCount,
			"avgMs":       rollup.AvgMS,
			"p50Ms":       rollup.P50MS,
			"p95Ms":       rollup.P95MS,
			"p99Ms":       rollup.P99MS,
			"maxMs":       rollup.MaxMS,
			"updatedAt":   rollup.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollups": out})
}

// handleStream upgrades to a websocket and feeds live events of one kind
// ("all" for everything) to the client.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	kind := strings.TrimSpace(req.URL.Query().Get("kind"))
	if kind == "" {
		kind = "all"
	}
	if kind != "all" {
		parsed, err := domain.ParseKind(kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unknown metric kind")
			return
		}
		kind = string(parsed)
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	hub := r.sink.Hub()
	hub.Register(kind, client)
	go func() {
		defer func() {
			hub.Unregister(kind, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func parseWindow(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
