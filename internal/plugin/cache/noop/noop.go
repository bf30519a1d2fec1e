// Package noop implements a RoutingCache that never caches, selected with
// the routing cache type "none".
package noop

import (
	"context"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.RoutingCache, error) {
			return &noopCache{}, nil
		},
	})
}

type noopCache struct{}

func (n *noopCache) Available() bool { return false }
func (n *noopCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}
func (n *noopCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (n *noopCache) Remove(_ context.Context, _ string) error                         { return nil }

var _ cache.RoutingCache = (*noopCache)(nil)
