package sink

import (
	"context"
	"sync"
	"testing"
	"time"
)

type sweepRecorder struct {
	stubRepo
	mu      sync.Mutex
	cutoffs []time.Time
}

func (r *sweepRecorder) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutoffs = append(r.cutoffs, cutoff)
	return 3, nil
}

func TestSweepUsesRetentionCutoff(t *testing.T) {
	repo := &sweepRecorder{}
	sweeper := NewSweeper(repo, 30, time.Hour, nil)
	base := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	sweeper.now = func() time.Time { return base }

	sweeper.sweep(context.Background())

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.cutoffs) != 1 {
		t.Fatalf("expected one delete call, got %d", len(repo.cutoffs))
	}
	want := base.Add(-30 * 24 * time.Hour)
	if !repo.cutoffs[0].Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, repo.cutoffs[0])
	}
}

func TestRunNoopWithoutRetention(t *testing.T) {
	repo := &sweepRecorder{}
	sweeper := NewSweeper(repo, 0, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		sweeper.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return immediately with retention disabled")
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.cutoffs) != 0 {
		t.Fatal("expected no sweeps with retention disabled")
	}
}

func TestRunSweepsImmediatelyThenStops(t *testing.T) {
	repo := &sweepRecorder{}
	sweeper := NewSweeper(repo, 7, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		repo.mu.Lock()
		swept := len(repo.cutoffs) > 0
		repo.mu.Unlock()
		if swept {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected an immediate sweep on startup")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to stop on context cancellation")
	}
}
