package reputation

import (
	"sync"
	"time"

	"github.com/stylobot/gateway/pkg/models"
)

// flushInterval and flushCount are the write-behind batching thresholds:
// flush every 500ms or every 100 writes, whichever first.
const (
	flushInterval = 500 * time.Millisecond
	flushCount    = 100
)

// batcher accumulates reputation writes in memory and flushes them to a
// durable PatternWriter on a single background goroutine, so the request
// path never blocks on storage I/O.
type batcher struct {
	writer PatternWriter

	mu      sync.Mutex
	pending []models.ReputationRecord
}

func newBatcher(writer PatternWriter) *batcher {
	b := &batcher{writer: writer}
	if writer != nil {
		go b.loop()
	}
	return b
}

func (b *batcher) enqueue(rec models.ReputationRecord) {
	if b.writer == nil {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	shouldFlush := len(b.pending) >= flushCount
	b.mu.Unlock()

	if shouldFlush {
		b.flush()
	}
}

func (b *batcher) loop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for range ticker.C {
		b.flush()
	}
}

func (b *batcher) flush() {
	if b.writer == nil {
		return
	}
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.writer.WriteBatch(batch)
}
