package streaming

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
	"github.com/rizki96/exllm/pkg/types"
)

func TestRecoveryStoreRoundTrip(t *testing.T) {
	s := NewRecoveryStore(0, 0)
	messages := []types.Message{{Role: types.RoleUser, Content: "hi"}}

	id := s.InitRecovery("openai", messages, map[string]any{"model": "gpt-4"})
	require.NotEmpty(t, id)

	for i := 0; i < 5; i++ {
		s.RecordChunk(id, chunk(fmt.Sprintf("c%d", i)))
	}

	chunks, err := s.GetPartialResponse(id)
	require.NoError(t, err)
	require.Len(t, chunks, 5)
	for i, c := range chunks {
		assert.Equal(t, fmt.Sprintf("c%d", i), c.Content, "insertion order must be preserved")
	}
}

func TestRecoveryStoreUniqueIDs(t *testing.T) {
	s := NewRecoveryStore(0, 0)
	messages := []types.Message{{Role: types.RoleUser, Content: "same"}}

	a := s.InitRecovery("openai", messages, nil)
	b := s.InitRecovery("openai", messages, nil)
	assert.NotEqual(t, a, b, "identical inputs must still get distinct ids")
}

func TestRecoveryStoreIgnoresEmptyChunks(t *testing.T) {
	s := NewRecoveryStore(0, 0)
	id := s.InitRecovery("openai", nil, nil)

	s.RecordChunk(id, nil)
	s.RecordChunk(id, &types.StreamChunk{})
	s.RecordChunk("no-such-id", chunk("x"))
	s.RecordChunk(id, chunk("kept"))

	chunks, err := s.GetPartialResponse(id)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "kept", chunks[0].Content)
}

func TestRecoveryStoreClear(t *testing.T) {
	s := NewRecoveryStore(0, 0)
	id := s.InitRecovery("openai", nil, nil)
	s.RecordChunk(id, chunk("a"))

	s.ClearPartialResponse(id)

	_, err := s.GetPartialResponse(id)
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindNotFound, llmerrors.KindOf(err))
}

func TestRecoveryStoreLRUEviction(t *testing.T) {
	s := NewRecoveryStore(2, time.Hour)

	a := s.InitRecovery("openai", nil, nil)
	b := s.InitRecovery("openai", nil, nil)

	// Touch a so b becomes the eviction candidate.
	_, err := s.GetPartialResponse(a)
	require.NoError(t, err)

	c := s.InitRecovery("openai", nil, nil)
	assert.Equal(t, 2, s.Len())

	_, err = s.GetPartialResponse(b)
	assert.Error(t, err, "least recently used record must be evicted")
	_, err = s.GetPartialResponse(a)
	assert.NoError(t, err)
	_, err = s.GetPartialResponse(c)
	assert.NoError(t, err)
}

func TestRecoveryStoreTTLExpiry(t *testing.T) {
	s := NewRecoveryStore(10, 10*time.Millisecond)
	id := s.InitRecovery("openai", nil, nil)
	s.RecordChunk(id, chunk("a"))

	time.Sleep(20 * time.Millisecond)

	_, err := s.GetPartialResponse(id)
	assert.Equal(t, llmerrors.KindNotFound, llmerrors.KindOf(err))
}

func TestRecoveryStoreConcurrentWritersAndReaders(t *testing.T) {
	s := NewRecoveryStore(0, 0)
	id := s.InitRecovery("openai", nil, nil)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.RecordChunk(id, chunk("x"))
			}
		}()
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				chunks, err := s.GetPartialResponse(id)
				require.NoError(t, err)
				_ = chunks
			}
		}()
	}
	wg.Wait()

	chunks, err := s.GetPartialResponse(id)
	require.NoError(t, err)
	assert.Len(t, chunks, 200)
}
