package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/rizki96/exllm/pkg/types"
)

const redisKeyPrefix = "exllm:cache:"

// RedisStore is an optional hot store shared across processes. Values are
// JSON-encoded LLMResponses under the exllm:cache: prefix.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*types.LLMResponse, bool) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	var resp types.LLMResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

func (s *RedisStore) Set(ctx context.Context, key string, value *types.LLMResponse, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	s.client.Set(ctx, redisKeyPrefix+key, data, ttl)
}

func (s *RedisStore) Delete(ctx context.Context, key string) {
	s.client.Del(ctx, redisKeyPrefix+key)
}

func (s *RedisStore) Flush(ctx context.Context) {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		s.client.Del(ctx, iter.Val())
	}
}

func (s *RedisStore) Len(ctx context.Context) int {
	n := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n
}
