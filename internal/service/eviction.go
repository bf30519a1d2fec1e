package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
)

// EvictionService periodically hard-deletes tombstoned (soft-deleted) rows
// across all enabled modules once they have aged past the configured
// retention window.
type EvictionService struct {
	stores    map[string]registrymodule.Store
	interval  time.Duration
	retention time.Duration
	delay     time.Duration
}

// NewEvictionService creates a new eviction service over the given
// per-module stores.
func NewEvictionService(stores map[string]registrymodule.Store, interval, retention time.Duration, delayMs int) *EvictionService {
	return &EvictionService{
		stores:    stores,
		interval:  interval,
		retention: retention,
		delay:     time.Duration(delayMs) * time.Millisecond,
	}
}

// Start begins the periodic eviction loop. Returns when ctx is cancelled.
func (e *EvictionService) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runEviction(ctx)
		}
	}
}

func (e *EvictionService) runEviction(ctx context.Context) {
	cutoff := time.Now().Add(-e.retention)
	for moduleID, store := range e.stores {
		purged, err := store.PurgeTombstones(ctx, cutoff)
		if err != nil {
			log.Error("Eviction: purge failed", "module", moduleID, "err", err)
			continue
		}
		if purged > 0 {
			log.Info("Eviction: purged tombstones", "module", moduleID, "count", purged, "cutoff", cutoff)
		}
		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.delay):
			}
		}
	}
}
