package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborpress/pulse/internal/repository"
	"github.com/harborpress/pulse/internal/service/sink"
	"github.com/harborpress/pulse/internal/service/stats"
)

// Router wires HTTP endpoints to the ingestion sink and aggregation services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	sink        *sink.Service
	stats       *stats.Service
	events      repository.MetricEventRepository
	rollups     repository.RollupRepository
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	jwtSecret   string
	ingestToken string
	dbHealth    func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateLimitIngest    = 600
	rateLimitQuery     = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, sinkSvc *sink.Service, statsSvc *stats.Service, events repository.MetricEventRepository, rollups repository.RollupRepository, limiter RateLimiter, jwtSecret, ingestToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		sink:    sinkSvc,
		stats:   statsSvc,
		events:  events,
		rollups: rollups,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     limiter,
		jwtSecret:   strings.TrimSpace(jwtSecret),
		ingestToken: strings.TrimSpace(ingestToken),
		dbHealth:    dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/ingest/metric", r.audit(r.ingestRate(r.handleIngestMetric)))
	r.mux.HandleFunc("/ingest/web-vitals", r.audit(r.ingestRate(r.handleIngestWebVitals)))
	r.mux.HandleFunc("/ingest/activity", r.audit(r.ingestRate(r.handleIngestActivity)))
	r.mux.HandleFunc("/query/metrics", r.audit(r.queryRate(r.handleQueryMetrics)))
	r.mux.HandleFunc("/query/stats/api", r.audit(r.queryRate(r.handleStatsAPI)))
	r.mux.HandleFunc("/query/stats/db", r.audit(r.queryRate(r.handleStatsDB)))
	r.mux.HandleFunc("/query/stats/views", r.audit(r.queryRate(r.handleStatsViews)))
	r.mux.HandleFunc("/query/rollups", r.audit(r.queryRate(r.handleQueryRollups)))
	r.mux.HandleFunc("/ws/stream", r.audit(r.handlerAuthRate("/ws/stream", rateLimitStream, rateWindowDefault, r.handleStream)))
}

func (r *Router) ingestRate(next http.HandlerFunc) http.HandlerFunc {
	return r.withRateLimit("ingest", rateLimitIngest, rateWindowDefault, rateLimitKeyIP, r.requireIngestToken(next))
}

func (r *Router) queryRate(next http.HandlerFunc) http.HandlerFunc {
	return r.handlerAuthRate("query", rateLimitQuery, rateWindowDefault, next)
}

// requireIngestToken gates ingestion behind a shared token when one is
// configured. Browsers and edge workers ship the token in a header; an empty
// configuration leaves ingestion open.
func (r *Router) requireIngestToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.ingestToken == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
		if len(token) != len(r.ingestToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.ingestToken)) != 1 {
			r.logger.Warn("ingest token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid ingest token")
			return
		}
		next(w, req)
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// audit logs every request with latency and feeds the prometheus
// self-metrics. Telemetry about client applications flows through the sink
// instead; this covers the service's own traffic.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// statusRecorder captures status and size for the audit log while passing
// Flusher/Hijacker through so websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
