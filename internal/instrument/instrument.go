// Package instrument provides the timing decorators that feed the ingestion
// sink: an HTTP middleware for request latency and a Measure wrapper for
// database calls. Both are transparent to the code they wrap. The wrapped
// operation's result, error, or panic passes through unchanged, and a sink
// failure can never surface to the caller.
package instrument

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/harborpress/pulse/internal/domain"
)

// Recorder is the sink-facing contract: a best-effort append whose declared
// failure mode is "never propagates, always logs".
type Recorder interface {
	Record(ctx context.Context, event domain.MetricEvent)
}

// Middleware wraps an http.Handler and records one api event per request:
// duration, path, method, response status (500 when the handler panics) and a
// request id. The sink write runs detached from the request lifecycle so the
// response is never delayed by telemetry. An empty name derives one from the
// method and path.
func Middleware(sink Recorder, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			requestID := uuid.NewString()

			record := func(status int) {
				eventName := name
				if eventName == "" {
					eventName = req.Method + " " + req.URL.Path
				}
				event := domain.MetricEvent{
					Kind:   domain.KindAPI,
					Name:   eventName,
					Path:   req.URL.Path,
					Method: req.Method,
					Metadata: map[string]any{
						"status":    status,
						"bytes":     rec.bytes,
						"requestId": requestID,
					},
				}
				event = event.WithDuration(float64(time.Since(start)) / float64(time.Millisecond))
				go sink.Record(context.WithoutCancel(req.Context()), event)
			}

			defer func() {
				if p := recover(); p != nil {
					record(http.StatusInternalServerError)
					panic(p)
				}
				status := rec.status
				if status == 0 {
					status = http.StatusOK
				}
				record(status)
			}()

			next.ServeHTTP(rec, req)
		})
	}
}

// Measure times one unit of work, typically a database call, and records a
// db event whether or not fn fails. The thunk's result and error are returned
// untouched.
func Measure[T any](ctx context.Context, sink Recorder, name, collection string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := fn(ctx)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	event := domain.MetricEvent{
		Kind: domain.KindDB,
		Name: name,
	}
	metadata := make(map[string]any)
	if collection != "" {
		metadata["collection"] = collection
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	if len(metadata) > 0 {
		event.Metadata = metadata
	}
	event = event.WithDuration(elapsed)
	go sink.Record(context.WithoutCancel(ctx), event)

	return result, err
}
