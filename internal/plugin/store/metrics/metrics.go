// Package metrics wraps a module.Store with Prometheus latency
// observations, the same decorator shape the teacher uses to instrument
// its conversation store (security.StoreLatency), now sized to the much
// smaller module.Store contract.
package metrics

import (
	"context"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a module.Store that records StoreLatency for every operation.
func Wrap(inner module.Store) module.Store {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner module.Store
}

func observe(op string, start time.Time) {
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) Store(ctx context.Context, req module.StoreRequest) (*module.MemoryItem, error) {
	defer observe("store", time.Now())
	return m.inner.Store(ctx, req)
}

func (m *metricsStore) Get(ctx context.Context, tenantID string, id uuid.UUID) (*module.MemoryItem, error) {
	defer observe("get", time.Now())
	return m.inner.Get(ctx, tenantID, id)
}

func (m *metricsStore) Update(ctx context.Context, tenantID string, id uuid.UUID, req module.UpdateRequest) (bool, error) {
	defer observe("update", time.Now())
	return m.inner.Update(ctx, tenantID, id, req)
}

func (m *metricsStore) Delete(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	defer observe("delete", time.Now())
	return m.inner.Delete(ctx, tenantID, id)
}

func (m *metricsStore) SearchByEmbedding(ctx context.Context, tenantID string, queryVector []float32, opts module.SearchOptions) ([]module.MemoryItem, error) {
	defer observe("search_by_embedding", time.Now())
	return m.inner.SearchByEmbedding(ctx, tenantID, queryVector, opts)
}

func (m *metricsStore) SearchByMetadata(ctx context.Context, tenantID string, criteria map[string]interface{}, limit, offset int) ([]module.MemoryItem, error) {
	defer observe("search_by_metadata", time.Now())
	return m.inner.SearchByMetadata(ctx, tenantID, criteria, limit, offset)
}

func (m *metricsStore) Stats(ctx context.Context, tenantID string) (module.Stats, error) {
	defer observe("stats", time.Now())
	return m.inner.Stats(ctx, tenantID)
}

func (m *metricsStore) FindPendingIndexing(ctx context.Context, limit int) ([]module.PendingMemory, error) {
	defer observe("find_pending_indexing", time.Now())
	return m.inner.FindPendingIndexing(ctx, limit)
}

func (m *metricsStore) MarkIndexed(ctx context.Context, id uuid.UUID, indexedAt time.Time) error {
	defer observe("mark_indexed", time.Now())
	return m.inner.MarkIndexed(ctx, id, indexedAt)
}

func (m *metricsStore) ListActiveIDs(ctx context.Context, tenantID string) ([]uuid.UUID, error) {
	defer observe("list_active_ids", time.Now())
	return m.inner.ListActiveIDs(ctx, tenantID)
}

func (m *metricsStore) PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	defer observe("purge_tombstones", time.Now())
	return m.inner.PurgeTombstones(ctx, cutoff)
}
