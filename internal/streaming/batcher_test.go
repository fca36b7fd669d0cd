package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizki96/exllm/pkg/types"
)

func TestBatcherFlushesAtSize(t *testing.T) {
	b := NewBatcher(BatchConfig{BatchSize: 3, BatchTimeout: time.Hour})

	assert.Nil(t, b.Add(chunk("a")))
	assert.Nil(t, b.Add(chunk("b")))

	batch := b.Add(chunk("c"))
	require.Len(t, batch, 3)
	assert.Equal(t, "a", batch[0].Content)
	assert.Equal(t, 0, b.Pending())
}

func TestBatcherFlushesTerminalImmediately(t *testing.T) {
	b := NewBatcher(BatchConfig{BatchSize: 10, BatchTimeout: time.Hour})

	assert.Nil(t, b.Add(chunk("a")))
	batch := b.Add(&types.StreamChunk{FinishReason: "stop"})
	require.Len(t, batch, 2)
	assert.True(t, batch[1].Terminal())
}

func TestBatcherExpiry(t *testing.T) {
	b := NewBatcher(BatchConfig{BatchSize: 10, BatchTimeout: 20 * time.Millisecond})
	now := time.Now()
	b.now = func() time.Time { return now }

	assert.Nil(t, b.Add(chunk("a")))
	assert.Nil(t, b.Expired(), "fresh batch must not expire")

	now = now.Add(25 * time.Millisecond)
	batch := b.Expired()
	require.Len(t, batch, 1)
	assert.Nil(t, b.Expired())
}

func TestBatcherPassThrough(t *testing.T) {
	b := NewBatcher(BatchConfig{BatchSize: 1})
	batch := b.Add(chunk("a"))
	require.Len(t, batch, 1)
}

func TestBatcherFlushEmpty(t *testing.T) {
	b := NewBatcher(DefaultBatchConfig())
	assert.Nil(t, b.Flush())
}
