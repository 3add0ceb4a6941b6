package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/harborpress/pulse/internal/domain"
)

// metricPayload is the generic ingest body for one observation.
type metricPayload struct {
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Duration *float64       `json:"duration"`
	Path     string         `json:"path"`
	Method   string         `json:"method"`
	Metadata map[string]any `json:"metadata"`
}

type webVitalPayload struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
	ID    string   `json:"id"`
	Label string   `json:"label"`
	Path  string   `json:"path"`
}

type activityPayload struct {
	Role     string         `json:"role"`
	Action   string         `json:"action"`
	Route    string         `json:"route"`
	UserID   string         `json:"userId"`
	Metadata map[string]any `json:"metadata"`
}

// decodeOneOrMany accepts either a single JSON object or an array of them,
// so batching emitters and one-shot beacons share the same endpoints.
func decodeOneOrMany[T any](body io.Reader) ([]T, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, errors.New("empty body")
	}
	if strings.HasPrefix(trimmed, "[") {
		var many []T
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, err
		}
		if len(many) == 0 {
			return nil, errors.New("empty batch")
		}
		return many, nil
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

// handleIngestMetric accepts generic metric events. Only a fundamentally
// malformed payload earns a 400; persistence failures are the sink's problem
// and never surface here.
func (r *Router) handleIngestMetric(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	payloads, err := decodeOneOrMany[metricPayload](req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	events := make([]domain.MetricEvent, 0, len(payloads))
	for _, payload := range payloads {
		event, err := domain.NewMetricEvent(payload.Type, payload.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		event.Path = strings.TrimSpace(payload.Path)
		event.Method = strings.ToUpper(strings.TrimSpace(payload.Method))
		event.Metadata = payload.Metadata
		if payload.Duration != nil {
			event = event.WithDuration(*payload.Duration)
		}
		events = append(events, event)
	}
	r.sink.RecordBatch(req.Context(), events)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "count": len(events)})
}

// handleIngestWebVitals accepts browser performance observations.
func (r *Router) handleIngestWebVitals(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	payloads, err := decodeOneOrMany[webVitalPayload](req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	events := make([]domain.MetricEvent, 0, len(payloads))
	for _, payload := range payloads {
		event, err := domain.NewMetricEvent(string(domain.KindWebVital), payload.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "web vital name required")
			return
		}
		event.Path = strings.TrimSpace(payload.Path)
		metadata := make(map[string]any)
		if payload.ID != "" {
			metadata["id"] = payload.ID
		}
		if payload.Label != "" {
			metadata["label"] = payload.Label
		}
		if len(metadata) > 0 {
			event.Metadata = metadata
		}
		if payload.Value != nil {
			event = event.WithDuration(*payload.Value)
		}
		events = append(events, event)
	}
	r.sink.RecordBatch(req.Context(), events)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "count": len(events)})
}

// handleIngestActivity accepts lightweight page-view pings.
func (r *Router) handleIngestActivity(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	payloads, err := decodeOneOrMany[activityPayload](req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	events := make([]domain.MetricEvent, 0, len(payloads))
	for _, payload := range payloads {
		route := strings.TrimSpace(payload.Route)
		if route == "" {
			writeError(w, http.StatusBadRequest, "route required")
			return
		}
		action := strings.TrimSpace(payload.Action)
		if action == "" {
			action = "view"
		}
		metadata := map[string]any{"action": action}
		if role := strings.TrimSpace(payload.Role); role != "" {
			metadata["role"] = role
		}
		if userID := strings.TrimSpace(payload.UserID); userID != "" {
			metadata["userId"] = userID
		}
		for key, value := range payload.Metadata {
			if _, taken := metadata[key]; !taken {
				metadata[key] = value
			}
		}
		event, err := domain.NewMetricEvent(string(domain.KindActivity), action)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		event.Path = route
		event.Metadata = metadata
		events = append(events, event)
	}
	r.sink.RecordBatch(req.Context(), events)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "count": len(events)})
}
