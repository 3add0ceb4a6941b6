package instrument

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harborpress/pulse/internal/domain"
)

// chanRecorder delivers recorded events on a channel so tests can wait for
// the detached sink goroutine.
type chanRecorder struct {
	events chan domain.MetricEvent
	panics bool
}

func newChanRecorder() *chanRecorder {
	return &chanRecorder{events: make(chan domain.MetricEvent, 8)}
}

func (r *chanRecorder) Record(_ context.Context, event domain.MetricEvent) {
	if r.panics {
		defer func() { _ = recover() }()
		panic("sink exploded")
	}
	r.events <- event
}

func (r *chanRecorder) wait(t *testing.T) domain.MetricEvent {
	t.Helper()
	select {
	case event := <-r.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recorded event")
		return domain.MetricEvent{}
	}
}

func TestMiddlewareRecordsRequest(t *testing.T) {
	recorder := newChanRecorder()
	handler := Middleware(recorder, "")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/articles", nil))

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected middleware to pass the status through, got %d", resp.Code)
	}

	event := recorder.wait(t)
	if event.Kind != domain.KindAPI {
		t.Fatalf("expected api event, got %q", event.Kind)
	}
	if event.Name != "POST /api/articles" {
		t.Fatalf("unexpected derived name %q", event.Name)
	}
	if event.Path != "/api/articles" || event.Method != http.MethodPost {
		t.Fatalf("unexpected route fields %q %q", event.Path, event.Method)
	}
	if event.DurationMS == nil || *event.DurationMS < 10 {
		t.Fatalf("expected duration to cover the handler sleep, got %v", event.DurationMS)
	}
	if got := event.Metadata["status"]; got != http.StatusCreated {
		t.Fatalf("expected status 201 in metadata, got %v", got)
	}
	if got, ok := event.Metadata["bytes"].(int); !ok || got != len("created") {
		t.Fatalf("expected response byte count in metadata, got %v", event.Metadata["bytes"])
	}
	if id, ok := event.Metadata["requestId"].(string); !ok || id == "" {
		t.Fatal("expected a request id in metadata")
	}
}

func TestMiddlewareDefaultsStatusToOK(t *testing.T) {
	recorder := newChanRecorder()
	handler := Middleware(recorder, "read-article")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/articles/1", nil))

	event := recorder.wait(t)
	if event.Name != "read-article" {
		t.Fatalf("expected explicit name kept, got %q", event.Name)
	}
	if got := event.Metadata["status"]; got != http.StatusOK {
		t.Fatalf("expected implicit 200, got %v", got)
	}
}

func TestMiddlewareRecordsPanicAndRethrows(t *testing.T) {
	recorder := newChanRecorder()
	handler := Middleware(recorder, "")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	func() {
		defer func() {
			if p := recover(); p != "boom" {
				t.Fatalf("expected the panic to pass through, got %v", p)
			}
		}()
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/articles", nil))
	}()

	event := recorder.wait(t)
	if got := event.Metadata["status"]; got != http.StatusInternalServerError {
		t.Fatalf("expected panic recorded as 500, got %v", got)
	}
}

func TestMiddlewareSurvivesSinkPanic(t *testing.T) {
	recorder := newChanRecorder()
	recorder.panics = true
	handler := Middleware(recorder, "")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected the response untouched by the sink failure, got %d", resp.Code)
	}
}

func TestMeasureReturnsResultAndRecords(t *testing.T) {
	recorder := newChanRecorder()

	got, err := Measure(context.Background(), recorder, "find-articles", "articles", func(context.Context) ([]string, error) {
		time.Sleep(5 * time.Millisecond)
		return []string{"a", "b"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected the thunk result untouched, got %v", got)
	}

	event := recorder.wait(t)
	if event.Kind != domain.KindDB || event.Name != "find-articles" {
		t.Fatalf("unexpected event identity %q %q", event.Kind, event.Name)
	}
	if event.Metadata["collection"] != "articles" {
		t.Fatalf("expected collection metadata, got %v", event.Metadata)
	}
	if _, ok := event.Metadata["error"]; ok {
		t.Fatal("did not expect error metadata on success")
	}
	if event.DurationMS == nil || *event.DurationMS < 5 {
		t.Fatalf("expected duration to cover the thunk, got %v", event.DurationMS)
	}
}

func TestMeasurePassesErrorThrough(t *testing.T) {
	recorder := newChanRecorder()
	failure := errors.New("connection reset")

	_, err := Measure(context.Background(), recorder, "save-article", "articles", func(context.Context) (int, error) {
		return 0, failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected the thunk error untouched, got %v", err)
	}

	event := recorder.wait(t)
	if event.Metadata["error"] != failure.Error() {
		t.Fatalf("expected error metadata, got %v", event.Metadata)
	}
}
