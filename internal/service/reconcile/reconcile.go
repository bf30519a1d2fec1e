// Package reconcile implements the background reconciliation job spec.md
// §4.5 calls for: a periodic sweep that backfills module rows the write
// pipeline never got around to indexing into the CMI (a crash or an
// exhausted retry budget between the module write and the CMI write) and
// purges CMI rows whose module row no longer exists. Grounded on the
// teacher's EpisodicIndexer poll-batch-upsert loop
// (internal/service/episodic_indexer.go), generalized from a single
// namespace-keyed vector table to the per-module CMI index.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
)

// RunStats summarizes one reconciliation cycle across every module.
type RunStats struct {
	Pending       int `json:"pending"`
	Indexed       int `json:"indexed"`
	Deindexed     int `json:"deindexed"`
	Failures      int `json:"failures"`
	OrphansPurged int `json:"orphansPurged"`
}

// Service periodically reconciles every enabled module's pending rows
// against the Central Memory Index.
type Service struct {
	cmi       *cmi.Service
	interval  time.Duration
	batchSize int
	mu        sync.Mutex
}

// New builds a reconciliation service over every module cmiSvc knows about.
func New(cmiSvc *cmi.Service, interval time.Duration, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Service{cmi: cmiSvc, interval: interval, batchSize: batchSize}
}

// Start runs the reconciliation loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s == nil || s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Trigger(ctx)
		}
	}
}

// Trigger runs one reconciliation pass synchronously, across every module.
func (s *Service) Trigger(ctx context.Context) (RunStats, error) {
	if s == nil {
		return RunStats{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := RunStats{}
	for _, moduleID := range s.cmi.ModuleIDs() {
		stats := s.reconcileModule(ctx, moduleID)
		total.Pending += stats.Pending
		total.Indexed += stats.Indexed
		total.Deindexed += stats.Deindexed
		total.Failures += stats.Failures
		total.OrphansPurged += stats.OrphansPurged
	}
	return total, nil
}

func (s *Service) reconcileModule(ctx context.Context, moduleID string) RunStats {
	stats := RunStats{}
	store := s.cmi.Store(moduleID)
	if store == nil {
		return stats
	}

	pending, err := store.FindPendingIndexing(ctx, s.batchSize)
	if err != nil {
		log.Error("reconcile: find pending failed", "module", moduleID, "err", err)
		stats.Failures++
		return stats
	}
	stats.Pending = len(pending)

	for _, m := range pending {
		if m.DeletedAt != nil {
			if err := s.cmi.DeindexMemory(ctx, moduleID, m.ID); err != nil {
				log.Warn("reconcile: deindex failed", "module", moduleID, "id", m.ID, "err", err)
				stats.Failures++
				continue
			}
			stats.Deindexed++
		} else {
			item := &registrymodule.MemoryItem{ID: m.ID, TenantID: m.TenantID, Content: m.Content, Metadata: m.Metadata}
			if err := s.cmi.IndexMemory(ctx, m.TenantID, moduleID, item); err != nil {
				log.Warn("reconcile: index failed", "module", moduleID, "id", m.ID, "err", err)
				stats.Failures++
				continue
			}
			stats.Indexed++
		}
		if err := store.MarkIndexed(ctx, m.ID, time.Now()); err != nil {
			log.Error("reconcile: mark indexed failed", "module", moduleID, "id", m.ID, "err", err)
			stats.Failures++
		}
	}

	stats.OrphansPurged += s.purgeOrphans(ctx, moduleID, store)
	return stats
}

// purgeOrphans removes CMI rows whose module row was hard-deleted without
// ever reaching the pending-indexing queue (e.g. a module backend that
// physically deletes rows rather than tombstoning them).
func (s *Service) purgeOrphans(ctx context.Context, moduleID string, store registrymodule.Store) int {
	entries, err := s.cmi.ListByModule(ctx, moduleID)
	if err != nil {
		log.Error("reconcile: list CMI rows failed", "module", moduleID, "err", err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	activeByTenant := map[string]map[string]struct{}{}
	purged := 0
	for _, entry := range entries {
		active, ok := activeByTenant[entry.TenantID]
		if !ok {
			ids, err := store.ListActiveIDs(ctx, entry.TenantID)
			if err != nil {
				log.Error("reconcile: list active ids failed", "module", moduleID, "tenant", entry.TenantID, "err", err)
				continue
			}
			active = make(map[string]struct{}, len(ids))
			for _, id := range ids {
				active[id.String()] = struct{}{}
			}
			activeByTenant[entry.TenantID] = active
		}
		if _, ok := active[entry.RemoteMemoryID.String()]; ok {
			continue
		}
		if err := s.cmi.DeindexMemory(ctx, moduleID, entry.RemoteMemoryID); err != nil {
			log.Warn("reconcile: purge orphan failed", "module", moduleID, "id", entry.RemoteMemoryID, "err", err)
			continue
		}
		purged++
	}
	return purged
}
