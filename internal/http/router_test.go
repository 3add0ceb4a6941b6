package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harborpress/pulse/internal/domain"
	"github.com/harborpress/pulse/internal/repository"
	"github.com/harborpress/pulse/internal/service/sink"
	"github.com/harborpress/pulse/internal/service/stats"
	"github.com/harborpress/pulse/pkg/jwt"
)

const (
	testJWTSecret   = "router-test-secret"
	testIngestToken = "ingest-token"
)

type stubStore struct {
	mu         sync.Mutex
	events     []domain.MetricEvent
	sinceSet   []domain.MetricEvent
	lastFilter repository.EventFilter
}

func (s *stubStore) InsertEvent(_ context.Context, event *domain.MetricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *event)
	return nil
}

func (s *stubStore) ListEvents(_ context.Context, filter repository.EventFilter) ([]domain.MetricEvent, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFilter = filter
	out := make([]domain.MetricEvent, len(s.events))
	copy(out, s.events)
	return out, int64(len(out)), nil
}

func (s *stubStore) ListEventsSince(_ context.Context, kinds []domain.MetricKind, _ time.Time, _ int) ([]domain.MetricEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MetricEvent, 0, len(s.sinceSet))
	for _, event := range s.sinceSet {
		for _, kind := range kinds {
			if event.Kind == kind {
				out = append(out, event)
				break
			}
		}
	}
	return out, nil
}

func (s *stubStore) DeleteEventsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *stubStore) UpsertRollups(context.Context, []domain.MetricRollup) error {
	return nil
}

func (s *stubStore) ListRollups(context.Context, domain.MetricKind, string, time.Duration, int) ([]domain.MetricRollup, error) {
	return nil, nil
}

func (s *stubStore) snapshot() []domain.MetricEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MetricEvent, len(s.events))
	copy(out, s.events)
	return out
}

func newTestRouter(t *testing.T, store *stubStore) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sinkSvc := sink.New(store, store, nil, logger, time.Minute, 30*time.Second)
	statsSvc := stats.New(store, logger, 0)
	router := NewRouter(logger, sinkSvc, statsSvc, store, store, nil, testJWTSecret, testIngestToken, nil)
	t.Cleanup(router.Close)
	return router
}

func queryToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.GenerateToken("dashboard-1", "admin", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	return token
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestIngestMetricSingle(t *testing.T) {
	store := &stubStore{}
	router := newTestRouter(t, store)

	payload := `{"type":"api","name":"GET /api/articles","duration":42.5,"path":"/api/articles","method":"get"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/metric", strings.NewReader(payload))
	req.Header.Set("X-Ingest-Token", testIngestToken)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp)
	if body["count"] != float64(1) {
		t.Fatalf("expected count 1, got %v", body["count"])
	}

	events := store.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
	event := events[0]
	if event.Kind != domain.KindAPI || event.Name != "GET /api/articles" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Method != http.MethodGet {
		t.Fatalf("expected method upper-cased, got %q", event.Method)
	}
	if event.DurationMS == nil || *event.DurationMS != 42.5 {
		t.Fatalf("unexpected duration %v", event.DurationMS)
	}
}

func TestIngestMetricBatch(t *testing.T) {
	store := &stubStore{}
	router := newTestRouter(t, store)

	payload := `[{"type":"db","name":"find-articles","duration":3},{"type":"frontend","name":"LCP","duration":1200}]`
	req := httptest.NewRequest(http.MethodPost, "/ingest/metric", strings.NewReader(payload))
	req.Header.Set("X-Ingest-Token", testIngestToken)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	events := store.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(events))
	}
	if events[1].Kind != domain.KindWebVital {
		t.Fatalf("expected frontend aliased to webvital, got %q", events[1].Kind)
	}
}

func TestIngestMetricMalformed(t *testing.T) {
	store := &stubStore{}
	router := newTestRouter(t, store)

	for _, body := range []string{"", "{not json}", `{"type":"bogus","name":"x"}`, `{"type":"api","name":""}`} {
		req := httptest.NewRequest(http.MethodPost, "/ingest/metric", strings.NewReader(body))
		req.Header.Set("X-Ingest-Token", testIngestToken)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.Code)
		}
	}
	if len(store.snapshot()) != 0 {
		t.Fatal("expected nothing persisted for malformed payloads")
	}
}

func TestIngestRequiresToken(t *testing.T) {
	store := &stubStore{}
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/ingest/metric", strings.NewReader(`{"type":"api","name":"GET /"}`))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ingest/metric", strings.NewReader(`{"type":"api","name":"GET /"}`))
	req.Header.Set("X-Ingest-Token", "wrong-token")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.Code)
	}
}

func TestIngestActivityRequiresRoute(t *testing.T) {
	store := &stubStore{}
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodPost, "/ingest/activity", strings.NewReader(`{"action":"view"}`))
	req.Header.Set("X-Ingest-Token", testIngestToken)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a route, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/ingest/activity", strings.NewReader(`{"route":"/articles/1","role":"editor"}`))
	req.Header.Set("X-Ingest-Token", testIngestToken)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}

	events := store.snapshot()
	if len(events) != 1 || events[0].Kind != domain.KindActivity {
		t.Fatalf("expected one activity event, got %+v", events)
	}
	if events[0].Metadata["action"] != "view" {
		t.Fatalf("expected action defaulted to view, got %v", events[0].Metadata)
	}
}

func TestIngestWebVitals(t *testing.T) {
	store := &stubStore{}
	router := newTestRouter(t, store)

	payload := `[{"name":"CLS","value":0.02,"id":"v1","label":"good","path":"/home"}]`
	req := httptest.NewRequest(http.MethodPost, "/ingest/web-vitals", strings.NewReader(payload))
	req.Header.Set("X-Ingest-Token", testIngestToken)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	events := store.snapshot()
	if len(events) != 1 || events[0].Kind != domain.KindWebVital || events[0].Name != "CLS" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestQueryMetricsRequiresAuth(t *testing.T) {
	router := newTestRouter(t, &stubStore{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/query/metrics", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/query/metrics", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a garbage token, got %d", resp.Code)
	}
}

func TestQueryMetricsPagination(t *testing.T) {
	store := &stubStore{}
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodGet, "/query/metrics?limit=500&page=3&type=api", nil)
	req.Header.Set("Authorization", "Bearer "+queryToken(t))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if store.lastFilter.Limit != maxPageLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxPageLimit, store.lastFilter.Limit)
	}
	if store.lastFilter.Offset != 2*maxPageLimit {
		t.Fatalf("expected offset for page 3, got %d", store.lastFilter.Offset)
	}
	if store.lastFilter.Kind != domain.KindAPI {
		t.Fatalf("expected kind filter parsed, got %q", store.lastFilter.Kind)
	}
}

func TestQueryMetricsRejectsUnknownType(t *testing.T) {
	router := newTestRouter(t, &stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/query/metrics?type=bogus", nil)
	req.Header.Set("Authorization", "Bearer "+queryToken(t))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown type, got %d", resp.Code)
	}
}

func TestStatsAPIEndpoint(t *testing.T) {
	store := &stubStore{}
	now := time.Now().UTC()
	hundred, twoHundred := 100.0, 200.0
	store.sinceSet = []domain.MetricEvent{
		{Kind: domain.KindAPI, Name: "GET /a", Path: "/a", DurationMS: &hundred, CreatedAt: now},
		{Kind: domain.KindAPI, Name: "GET /a", Path: "/a", DurationMS: &twoHundred, CreatedAt: now},
	}
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodGet, "/query/stats/api?window=30m", nil)
	req.Header.Set("Authorization", "Bearer "+queryToken(t))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp)
	paths, ok := body["paths"].([]any)
	if !ok || len(paths) != 1 {
		t.Fatalf("expected one aggregated path, got %v", body["paths"])
	}
	entry := paths[0].(map[string]any)
	if entry["path"] != "/a" || entry["count"] != float64(2) || entry["avgDuration"] != float64(150) {
		t.Fatalf("unexpected aggregation %v", entry)
	}
}

func TestStatsViewsEndpoint(t *testing.T) {
	store := &stubStore{}
	now := time.Now().UTC()
	store.sinceSet = []domain.MetricEvent{
		{Kind: domain.KindActivity, Name: "view", Path: "/articles/1", Metadata: map[string]any{"action": "view"}, CreatedAt: now},
		{Kind: domain.KindActivity, Name: "view", Path: "/articles/1", Metadata: map[string]any{"action": "view"}, CreatedAt: now},
		{Kind: domain.KindActivity, Name: "view", Path: "/home", Metadata: map[string]any{"action": "view"}, CreatedAt: now},
	}
	router := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodGet, "/query/stats/views", nil)
	req.Header.Set("Authorization", "Bearer "+queryToken(t))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	body := decodeBody(t, resp)
	routes, ok := body["routes"].([]any)
	if !ok || len(routes) != 2 {
		t.Fatalf("expected two routes, got %v", body["routes"])
	}
	top := routes[0].(map[string]any)
	if top["route"] != "/articles/1" || top["count"] != float64(2) {
		t.Fatalf("unexpected top route %v", top)
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, &stubStore{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", body["status"])
	}
}

func TestHealthzReportsDatabaseDown(t *testing.T) {
	store := &stubStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sinkSvc := sink.New(store, store, nil, logger, time.Minute, 30*time.Second)
	statsSvc := stats.New(store, logger, 0)
	router := NewRouter(logger, sinkSvc, statsSvc, store, store, nil, testJWTSecret, testIngestToken, func(context.Context) error {
		return context.DeadlineExceeded
	})
	t.Cleanup(router.Close)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", resp.Code)
	}
	body := decodeBody(t, resp)
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %v", body["status"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	router := newTestRouter(t, &stubStore{})

	req := httptest.NewRequest(http.MethodGet, "/ingest/metric", nil)
	req.Header.Set("X-Ingest-Token", testIngestToken)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET on ingest, got %d", resp.Code)
	}
}
