package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rizki96/exllm/internal/telemetry"
	"github.com/rizki96/exllm/pkg/types"
)

func newTestStrategy(t *testing.T) (*Strategy, *telemetry.Emitter) {
	t.Helper()
	emitter := telemetry.NewEmitter()
	return NewStrategy(NewMemoryStore(time.Minute), time.Minute, emitter, nil), emitter
}

func TestWithCacheHitAndMiss(t *testing.T) {
	s, _ := newTestStrategy(t)
	ctx := context.Background()
	calls := 0
	fn := func() (*types.LLMResponse, error) {
		calls++
		return &types.LLMResponse{Content: "hello"}, nil
	}

	first, err := s.WithCache(ctx, "k1", true, fn)
	require.NoError(t, err)
	assert.Equal(t, "hello", first.Content)
	assert.Equal(t, 1, calls)

	second, err := s.WithCache(ctx, "k1", true, fn)
	require.NoError(t, err)
	assert.Equal(t, "hello", second.Content)
	assert.Equal(t, 1, calls, "hit must not run fn again")
}

func TestWithCacheDisabledBypasses(t *testing.T) {
	s, _ := newTestStrategy(t)
	ctx := context.Background()
	calls := 0
	fn := func() (*types.LLMResponse, error) {
		calls++
		return &types.LLMResponse{Content: "x"}, nil
	}

	_, err := s.WithCache(ctx, "k1", false, fn)
	require.NoError(t, err)
	_, err = s.WithCache(ctx, "k1", false, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithCacheErrorNotCached(t *testing.T) {
	s, _ := newTestStrategy(t)
	ctx := context.Background()
	calls := 0

	_, err := s.WithCache(ctx, "k1", true, func() (*types.LLMResponse, error) {
		calls++
		return nil, errors.New("upstream down")
	})
	require.Error(t, err)

	resp, err := s.WithCache(ctx, "k1", true, func() (*types.LLMResponse, error) {
		calls++
		return &types.LLMResponse{Content: "recovered"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, calls, "errors must not populate the cache")
}

func TestWithCacheSingleFlight(t *testing.T) {
	s, emitter := newTestStrategy(t)
	ctx := context.Background()

	var hits, misses, puts atomic.Int64
	emitter.Attach("count", func(ev telemetry.Event) {
		switch ev.Name {
		case telemetry.EventCacheHit:
			hits.Add(1)
		case telemetry.EventCacheMiss:
			misses.Add(1)
		case telemetry.EventCachePut:
			puts.Add(1)
		}
	})

	var invocations atomic.Int64
	started := make(chan struct{})
	fn := func() (*types.LLMResponse, error) {
		invocations.Add(1)
		<-started // hold all callers in flight until everyone has queued
		return &types.LLMResponse{Content: "shared"}, nil
	}

	const callers = 50
	results := make([]*types.LLMResponse, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.WithCache(ctx, "hot-key", true, fn)
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}

	// Give every goroutine a chance to reach the singleflight gate.
	time.Sleep(50 * time.Millisecond)
	close(started)
	wg.Wait()

	assert.Equal(t, int64(1), invocations.Load(), "populate must run exactly once")
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "shared", r.Content)
	}

	// One miss from the executing caller, one put, and everyone else a hit.
	assert.Equal(t, int64(1), misses.Load())
	assert.Equal(t, int64(1), puts.Load())
	assert.Equal(t, int64(callers-1), hits.Load())
}

func TestWithCacheTestModeBypassesHotCache(t *testing.T) {
	s, _ := newTestStrategy(t)
	s.SetTestMode(true)
	ctx := context.Background()

	calls := 0
	fn := func() (*types.LLMResponse, error) {
		calls++
		return &types.LLMResponse{Content: "x"}, nil
	}

	_, err := s.WithCache(ctx, "k1", true, fn)
	require.NoError(t, err)
	_, err = s.WithCache(ctx, "k1", true, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "test mode must not consult the hot cache")
}
