package telemetry

import (
	"strings"
	"sync"
	"time"
)

// Sender is the minimal delivery contract the observers need, satisfied by
// both Batcher.Add and a bound Emitter.Send.
type Sender interface {
	Add(Metric)
}

// sendAdapter lets a raw Emitter act as a Sender.
type sendAdapter struct{ emitter *Emitter }

func (a sendAdapter) Add(metric Metric) { a.emitter.Send(metric) }

// AsSender wraps an emitter in the Sender interface for callers that do not
// want batching.
func AsSender(emitter *Emitter) Sender {
	return sendAdapter{emitter: emitter}
}

// NavigationTracker reports route changes. It times the gap between
// consecutive distinct paths and suppresses repeated notifications for the
// same path, so re-renders never emit duplicate navigation events.
type NavigationTracker struct {
	sender Sender
	now    func() time.Time

	mu       sync.Mutex
	lastPath string
	lastAt   time.Time
}

// NewNavigationTracker starts timing from construction, which stands in for
// the initial page load.
func NewNavigationTracker(sender Sender) *NavigationTracker {
	now := time.Now
	return &NavigationTracker{
		sender: sender,
		now:    now,
		lastAt: now(),
	}
}

// PathChanged records one navigation event for a distinct path transition.
// A repeated call with the current path is a no-op.
func (t *NavigationTracker) PathChanged(path string) {
	if t == nil {
		return
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return
	}
	t.mu.Lock()
	if path == t.lastPath {
		t.mu.Unlock()
		return
	}
	now := t.now()
	elapsed := float64(now.Sub(t.lastAt)) / float64(time.Millisecond)
	t.lastPath = path
	t.lastAt = now
	t.mu.Unlock()

	t.sender.Add(Metric{
		Type:     "navigation",
		Name:     "route-change",
		Duration: &elapsed,
		Path:     path,
	})
}

// ReportWebVital forwards one browser performance observation.
func ReportWebVital(sender Sender, name string, value float64, id, label, path string) {
	metadata := make(map[string]any)
	if id != "" {
		metadata["id"] = id
	}
	if label != "" {
		metadata["label"] = label
	}
	if len(metadata) == 0 {
		metadata = nil
	}
	sender.Add(Metric{
		Type:     "webvital",
		Name:     name,
		Duration: &value,
		Path:     path,
		Metadata: metadata,
	})
}

// Activity sends a lightweight page-view ping.
func Activity(sender Sender, role, action, route, userID string) {
	if action == "" {
		action = "view"
	}
	metadata := map[string]any{"action": action}
	if role != "" {
		metadata["role"] = role
	}
	if userID != "" {
		metadata["userId"] = userID
	}
	sender.Add(Metric{
		Type:     "activity",
		Name:     action,
		Path:     route,
		Metadata: metadata,
	})
}
