package telemetry

import (
	"context"
	"sync"
	"time"
)

const (
	defaultBatchSize     = 20
	defaultFlushInterval = 10 * time.Second
)

// Batcher buffers metrics and flushes them in bulk, on size or on interval.
// Flush failures are dropped like every other delivery failure; Close drains
// the buffer one last time for page-unload style shutdown.
type Batcher struct {
	emitter  *Emitter
	size     int
	interval time.Duration

	mu     sync.Mutex
	buf    []Metric
	stopCh chan struct{}
	once   sync.Once
}

// NewBatcher starts a background flusher over the given emitter.
func NewBatcher(emitter *Emitter, size int, interval time.Duration) *Batcher {
	if size <= 0 {
		size = defaultBatchSize
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	b := &Batcher{
		emitter:  emitter,
		size:     size,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	go b.loop()
	return b
}

// Add queues one metric, flushing when the buffer reaches the batch size.
func (b *Batcher) Add(metric Metric) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, metric)
	full := len(b.buf) >= b.size
	b.mu.Unlock()
	if full {
		b.Flush()
	}
}

// Flush sends whatever is buffered, dropping the batch on failure.
func (b *Batcher) Flush() {
	if b == nil {
		return
	}
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	_ = b.emitter.EmitBatch(ctx, batch)
}

// Close stops the background flusher and drains the buffer.
func (b *Batcher) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		close(b.stopCh)
	})
	b.Flush()
}

func (b *Batcher) loop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopCh:
			return
		}
	}
}
