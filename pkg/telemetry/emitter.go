// Package telemetry is the client library applications embed to report
// observations to the pulse service: request timings, database calls, route
// changes, web vitals and activity pings. Delivery is best-effort by design;
// the Send path never blocks or fails the caller.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
)

// ErrUnauthorized indicates the ingest token was rejected.
var ErrUnauthorized = errors.New("telemetry unauthorized")

// ErrInvalidArgument indicates the payload failed validation.
var ErrInvalidArgument = errors.New("telemetry invalid argument")

// Metric is one client-side observation bound for the generic ingest
// endpoint.
type Metric struct {
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Duration *float64       `json:"duration,omitempty"`
	Path     string         `json:"path,omitempty"`
	Method   string         `json:"method,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Emitter posts metrics to a pulse ingest endpoint.
type Emitter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// NewEmitter creates an emitter for the given pulse base URL and optional
// ingest token.
func NewEmitter(baseURL, ingestToken string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("telemetry base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		token:   strings.TrimSpace(ingestToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends one metric and reports delivery errors. Most callers want Send
// instead; Emit exists for code that needs confirmation, such as flush-on-
// shutdown paths.
func (e *Emitter) Emit(ctx context.Context, metric Metric) error {
	return e.post(ctx, []Metric{metric})
}

// EmitBatch sends several metrics in one request.
func (e *Emitter) EmitBatch(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	return e.post(ctx, metrics)
}

// Send is the beacon-style path: the metric is posted from a detached
// goroutine and any delivery failure is dropped. The caller's work is never
// blocked or degraded by telemetry.
func (e *Emitter) Send(metric Metric) {
	if e == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		_ = e.post(ctx, []Metric{metric})
	}()
}

func (e *Emitter) post(ctx context.Context, metrics []Metric) error {
	if e == nil {
		return errors.New("telemetry emitter not initialised")
	}
	for i := range metrics {
		if strings.TrimSpace(metrics[i].Name) == "" {
			return fmt.Errorf("%w: metric name required", ErrInvalidArgument)
		}
		if metrics[i].Type == "" {
			metrics[i].Type = "api"
		}
	}
	var payload any = metrics
	if len(metrics) == 1 {
		payload = metrics[0]
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telemetry payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/ingest/metric", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("X-Ingest-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	default:
		return fmt.Errorf("telemetry request failed: %s", summary)
	}
}
