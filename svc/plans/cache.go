package plans

import (
	"context"
	"time"

	"github.com/dmitrymomot/billsync/pkg/redis"
)

// Cache holds resolved plans keyed by lookup reference.
type Cache interface {
	Get(ctx context.Context, key string) (*Plan, bool)
	Set(ctx context.Context, key string, p *Plan) error
	Delete(ctx context.Context, keys ...string) error
}

// NoOpCache disables caching.
type NoOpCache struct{}

func (NoOpCache) Get(context.Context, string) (*Plan, bool) { return nil, false }
func (NoOpCache) Set(context.Context, string, *Plan) error  { return nil }
func (NoOpCache) Delete(context.Context, ...string) error   { return nil }

// RedisCache stores plans as JSON in Redis.
type RedisCache struct {
	cache *redis.Cache
	ttl   time.Duration
}

// NewRedisCache wraps a JSON cache with a fixed TTL.
func NewRedisCache(cache *redis.Cache, ttl time.Duration) *RedisCache {
	return &RedisCache{cache: cache, ttl: ttl}
}

// Get treats any Redis error as a miss so lookups fall through to the store.
func (c *RedisCache) Get(ctx context.Context, key string) (*Plan, bool) {
	var p Plan
	hit, err := c.cache.Get(ctx, key, &p)
	if err != nil || !hit {
		return nil, false
	}
	return &p, true
}

func (c *RedisCache) Set(ctx context.Context, key string, p *Plan) error {
	return c.cache.Set(ctx, key, p, c.ttl)
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return c.cache.Delete(ctx, keys...)
}

func slugKey(slug string) string { return "plan:slug:" + slug }

func codeKey(gateway, code string) string { return "plan:code:" + gateway + ":" + code }
