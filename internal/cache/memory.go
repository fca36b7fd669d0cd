package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rizki96/exllm/pkg/types"
)

// MemoryStore is the default hot store, backed by an in-process TTL map with
// a periodic sweeper.
type MemoryStore struct {
	inner *gocache.Cache
}

// NewMemoryStore creates a store with the given default TTL. The sweeper
// runs at twice the TTL, capped to a minute.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	sweep := defaultTTL * 2
	if sweep > time.Minute {
		sweep = time.Minute
	}
	return &MemoryStore{inner: gocache.New(defaultTTL, sweep)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*types.LLMResponse, bool) {
	v, ok := s.inner.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*types.LLMResponse)
	return resp, ok
}

func (s *MemoryStore) Set(_ context.Context, key string, value *types.LLMResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	s.inner.Set(key, value, ttl)
}

func (s *MemoryStore) Delete(_ context.Context, key string) {
	s.inner.Delete(key)
}

func (s *MemoryStore) Flush(_ context.Context) {
	s.inner.Flush()
}

func (s *MemoryStore) Len(_ context.Context) int {
	return s.inner.ItemCount()
}
