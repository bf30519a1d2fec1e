// Package memory implements an in-process RoutingCache backed by
// ristretto, the default routing-cache backend when no external cache
// (redis, infinispan) is configured.
package memory

import (
	"context"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (cache.RoutingCache, error) {
			c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
				NumCounters: 1e6,
				MaxCost:     1 << 26, // 64MiB of routing decisions
				BufferItems: 64,
			})
			if err != nil {
				return nil, err
			}
			return &routingCache{cache: c}, nil
		},
	})
}

type routingCache struct {
	cache *ristretto.Cache[string, []byte]
}

func (r *routingCache) Available() bool { return true }

func (r *routingCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := r.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

func (r *routingCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	r.cache.SetWithTTL(key, value, int64(len(value)), ttl)
	r.cache.Wait()
	return nil
}

func (r *routingCache) Remove(_ context.Context, key string) error {
	r.cache.Del(key)
	return nil
}

var _ cache.RoutingCache = (*routingCache)(nil)
