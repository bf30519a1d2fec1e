// Package cache defines the CMI routing-cache contract (spec.md §4.2's
// 5-minute TTL routing decision cache), repurposed from the teacher's
// conversation-entries sync cache — same Get/Set/Available shape, new
// key/value types.
package cache

import (
	"context"
	"fmt"
	"time"
)

type cacheKey struct{}

// WithContext returns a new context carrying the given RoutingCache.
func WithContext(ctx context.Context, c RoutingCache) context.Context {
	return context.WithValue(ctx, cacheKey{}, c)
}

// FromContext retrieves the RoutingCache from the context, or nil if none was set.
func FromContext(ctx context.Context) RoutingCache {
	c, _ := ctx.Value(cacheKey{}).(RoutingCache)
	return c
}

// RoutingCache caches a tenant's recent routeQuery decisions, keyed by a
// hash of (tenantID, queryText), for spec.md §4.2's 5-minute TTL cache.
type RoutingCache interface {
	Available() bool
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (RoutingCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
