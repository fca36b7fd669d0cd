package cache

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rizki96/exllm/internal/metrics"
	"github.com/rizki96/exllm/internal/telemetry"
	"github.com/rizki96/exllm/pkg/types"
)

// TestModeEnv enables the test cache strategy: the hot cache is bypassed and
// the HTTP middleware consults the on-disk replay store instead.
const TestModeEnv = "EX_LLM_TEST_CACHE_ENABLED"

// Strategy dispatches WithCache calls to the production hot cache or the
// test-mode bypass.
//
// Concurrent misses for the same key are coalesced: the populate function
// runs exactly once, the executing caller counts as the single cache.miss,
// and every coalesced caller counts as a cache.hit.
type Strategy struct {
	store    Store
	ttl      time.Duration
	group    singleflight.Group
	emitter  *telemetry.Emitter
	metrics  *metrics.Collector
	testMode atomic.Bool
}

// NewStrategy creates a strategy over the given hot store. Test mode is
// seeded from the EX_LLM_TEST_CACHE_ENABLED environment variable.
func NewStrategy(store Store, ttl time.Duration, emitter *telemetry.Emitter, collector *metrics.Collector) *Strategy {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &Strategy{store: store, ttl: ttl, emitter: emitter, metrics: collector}
	if v := os.Getenv(TestModeEnv); v == "1" || v == "true" {
		s.testMode.Store(true)
	}
	return s
}

// SetTestMode toggles the test strategy at runtime.
func (s *Strategy) SetTestMode(on bool) { s.testMode.Store(on) }

// TestMode reports whether the test strategy is active.
func (s *Strategy) TestMode() bool { return s.testMode.Load() }

// WithCache runs fn under the configured caching strategy. When enabled is
// false, or test mode is active, fn runs directly (in test mode the replay
// middleware below handles caching). Errors from fn propagate unchanged and
// are never cached.
func (s *Strategy) WithCache(ctx context.Context, key string, enabled bool, fn func() (*types.LLMResponse, error)) (*types.LLMResponse, error) {
	if !enabled || s.store == nil {
		return fn()
	}
	if s.testMode.Load() {
		return fn()
	}

	if resp, ok := s.store.Get(ctx, key); ok {
		s.emit(telemetry.EventCacheHit, key, resp)
		s.metrics.ObserveCache("hot", "hit")
		return resp, nil
	}

	executed := false
	v, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check: another flight may have populated while we queued.
		if resp, ok := s.store.Get(ctx, key); ok {
			return resp, nil
		}
		executed = true
		s.emit(telemetry.EventCacheMiss, key, nil)
		s.metrics.ObserveCache("hot", "miss")

		resp, err := fn()
		if err != nil {
			return nil, err
		}
		s.store.Set(ctx, key, resp, s.ttl)
		s.emit(telemetry.EventCachePut, key, resp)
		s.metrics.ObserveCache("hot", "put")
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp := v.(*types.LLMResponse)
	// Coalesced callers, and callers whose flight found the key already
	// populated, count as hits.
	if !executed {
		s.emit(telemetry.EventCacheHit, key, resp)
		s.metrics.ObserveCache("hot", "hit")
	}
	return resp, nil
}

func (s *Strategy) emit(event, key string, resp *types.LLMResponse) {
	if s.emitter == nil {
		return
	}
	measurements := map[string]any{}
	if resp != nil {
		measurements["size_bytes"] = len(resp.Content)
	}
	s.emitter.Emit(event, measurements, map[string]any{"key": key})
}
