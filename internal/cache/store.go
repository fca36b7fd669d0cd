// Package cache implements the two-tier response cache: a hot TTL store
// (in-memory or Redis) consulted by the production strategy, and a cold
// on-disk replay store consulted by the HTTP middleware in test mode.
package cache

import (
	"context"
	"time"

	"github.com/rizki96/exllm/pkg/types"
)

// Store is the hot cache contract. Implementations must be safe for
// concurrent use and preserve the full stored value, nested metadata
// included.
type Store interface {
	Get(ctx context.Context, key string) (*types.LLMResponse, bool)
	Set(ctx context.Context, key string, value *types.LLMResponse, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Flush(ctx context.Context)
	Len(ctx context.Context) int
}

// Stats tracks cache access counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Puts   uint64
}
