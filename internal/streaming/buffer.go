// Package streaming implements the streaming data path: a bounded chunk
// buffer, a size/time batcher, a flow controller with backpressure, the
// per-protocol stream decoders, and stream recovery.
package streaming

import (
	"sync"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

// Decoder is the stateful byte-to-chunk transformer contract shared by the
// SSE, NDJSON, and event-stream decoders.
type Decoder interface {
	Decode(p []byte) ([]*types.StreamChunk, error)
}

// OverflowStrategy decides what happens when the buffer is full.
type OverflowStrategy string

const (
	// OverflowDropNewest rejects the incoming chunk.
	OverflowDropNewest OverflowStrategy = "drop_newest"
	// OverflowDropOldest evicts the oldest buffered chunk to make room.
	OverflowDropOldest OverflowStrategy = "drop_oldest"
	// OverflowBlock refuses the push with a backpressure error; the caller
	// decides whether to wait and retry.
	OverflowBlock OverflowStrategy = "block"
)

// BufferStats is a snapshot of buffer accounting.
type BufferStats struct {
	Size     int
	Capacity int
	Pushed   uint64
	Popped   uint64
	Dropped  uint64
}

// Buffer is a bounded FIFO of stream chunks guarded by a mutex. It never
// blocks; overflow behavior is selected by strategy.
type Buffer struct {
	mu       sync.Mutex
	items    []*types.StreamChunk
	head     int
	size     int
	capacity int
	strategy OverflowStrategy

	pushed  uint64
	popped  uint64
	dropped uint64
}

// NewBuffer creates a buffer with the given capacity and overflow strategy.
func NewBuffer(capacity int, strategy OverflowStrategy) *Buffer {
	if capacity <= 0 {
		capacity = 100
	}
	if strategy == "" {
		strategy = OverflowDropNewest
	}
	return &Buffer{
		items:    make([]*types.StreamChunk, capacity),
		capacity: capacity,
		strategy: strategy,
	}
}

// Push adds a chunk. On overflow, behavior depends on the strategy:
// drop_newest and drop_oldest succeed (counting a drop); block returns a
// backpressure error.
func (b *Buffer) Push(chunk *types.StreamChunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size < b.capacity {
		b.items[(b.head+b.size)%b.capacity] = chunk
		b.size++
		b.pushed++
		return nil
	}

	switch b.strategy {
	case OverflowDropOldest:
		b.items[b.head] = nil
		b.head = (b.head + 1) % b.capacity
		b.items[(b.head+b.size-1)%b.capacity] = chunk
		b.pushed++
		b.dropped++
		return nil
	case OverflowBlock:
		return llmerrors.NewBackpressure()
	default: // drop_newest
		b.dropped++
		return nil
	}
}

// Pop removes and returns the oldest chunk, or nil when empty.
func (b *Buffer) Pop() *types.StreamChunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return nil
	}
	chunk := b.items[b.head]
	b.items[b.head] = nil
	b.head = (b.head + 1) % b.capacity
	b.size--
	b.popped++
	return chunk
}

// PopBatch removes and returns up to n oldest chunks.
func (b *Buffer) PopBatch(n int) []*types.StreamChunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.size {
		n = b.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]*types.StreamChunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.items[b.head])
		b.items[b.head] = nil
		b.head = (b.head + 1) % b.capacity
		b.size--
		b.popped++
	}
	return out
}

// Len returns the current number of buffered chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Fill returns the fill ratio in [0, 1].
func (b *Buffer) Fill() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.size) / float64(b.capacity)
}

// Stats returns a snapshot of the accounting counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Size:     b.size,
		Capacity: b.capacity,
		Pushed:   b.pushed,
		Popped:   b.popped,
		Dropped:  b.dropped,
	}
}
