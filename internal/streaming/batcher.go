package streaming

import (
	"time"

	"github.com/rizki96/exllm/pkg/types"
)

// BatchConfig controls chunk batching before delivery to the consumer.
type BatchConfig struct {
	// BatchSize is the number of chunks that forces a flush.
	BatchSize int
	// BatchTimeout flushes a partial batch once the oldest pending chunk has
	// waited this long.
	BatchTimeout time.Duration
}

// DefaultBatchConfig returns the pass-through configuration: every chunk is
// its own batch.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{BatchSize: 1, BatchTimeout: 25 * time.Millisecond}
}

// Batcher groups stream chunks into batches by size and age. It is not
// safe for concurrent use; the flow controller drives it from a single
// consumer goroutine.
type Batcher struct {
	config  BatchConfig
	pending []*types.StreamChunk
	oldest  time.Time
	now     func() time.Time
}

// NewBatcher creates a batcher. A BatchSize of 1 or less makes it a
// pass-through.
func NewBatcher(cfg BatchConfig) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 25 * time.Millisecond
	}
	return &Batcher{config: cfg, now: time.Now}
}

// Add appends a chunk and returns a completed batch when the size threshold
// is reached or the chunk is terminal, otherwise nil.
func (b *Batcher) Add(chunk *types.StreamChunk) []*types.StreamChunk {
	if len(b.pending) == 0 {
		b.oldest = b.now()
	}
	b.pending = append(b.pending, chunk)

	// Terminal chunks must never sit in a partial batch.
	if len(b.pending) >= b.config.BatchSize || chunk.Terminal() {
		return b.take()
	}
	return nil
}

// Expired returns the pending batch when the oldest chunk has exceeded the
// batch timeout, otherwise nil.
func (b *Batcher) Expired() []*types.StreamChunk {
	if len(b.pending) == 0 {
		return nil
	}
	if b.now().Sub(b.oldest) >= b.config.BatchTimeout {
		return b.take()
	}
	return nil
}

// Flush returns whatever is pending, emptying the batcher.
func (b *Batcher) Flush() []*types.StreamChunk {
	return b.take()
}

// Pending returns the number of chunks waiting for a flush.
func (b *Batcher) Pending() int { return len(b.pending) }

func (b *Batcher) take() []*types.StreamChunk {
	if len(b.pending) == 0 {
		return nil
	}
	out := b.pending
	b.pending = nil
	return out
}
