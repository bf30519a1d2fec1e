// Package redis implements the CMI routing cache (registry/cache.RoutingCache)
// on Redis, generalized from the teacher's conversation-entries sync cache —
// the key/value are now opaque bytes rather than a fixed struct, since the
// CMI caches a marshaled RoutingDecision per spec.md §4.2.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/config"
	registrycache "github.com/4xguy/federated-memory-sub004/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.RoutingCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: MEMORY_SERVICE_REDIS_HOSTS is required")
	}
	ttl := cfg.RoutingCacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURL creates a RoutingCache from a Redis-compatible URL. Exported so
// other plugins (e.g. Infinispan's RESP endpoint) can reuse the implementation.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.RoutingCache, error) {
	return LoadFromURLWithTTL(ctx, redisURL, defaultTTL)
}

// LoadFromURLWithTTL creates a cache with an explicit default TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.RoutingCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptions creates a RoutingCache from go-redis Options, letting
// callers customize options (e.g. Protocol for RESP2 compatibility).
func LoadFromOptions(ctx context.Context, opts *goredis.Options) (registrycache.RoutingCache, error) {
	return LoadFromOptionsWithTTL(ctx, opts, defaultTTL)
}

func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.RoutingCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &routingCache{client: client, ttl: ttl}, nil
}

type routingCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func (c *routingCache) Available() bool { return true }

func (c *routingCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, "route:"+key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *routingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, "route:"+key, value, ttl).Err()
}

func (c *routingCache) Remove(ctx context.Context, key string) error {
	return c.client.Del(ctx, "route:"+key).Err()
}

var _ registrycache.RoutingCache = (*routingCache)(nil)
