// Package servicefakes provides small in-memory fakes for the registry
// interfaces (module.Store, embed.Embedder, vector.CMIIndex) that the CMI,
// write pipeline, reconciliation, and eviction services are built against,
// so those packages can be unit tested without a real Postgres/Qdrant/OpenAI
// backend.
package servicefakes

import (
	"context"
	"sync"
	"time"

	registryembed "github.com/4xguy/federated-memory-sub004/internal/registry/embed"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/google/uuid"
)

// Embedder is a deterministic fake embedder: it returns a fixed-size vector
// derived from each text's length so similarity comparisons are stable
// without depending on any real embedding model.
type Embedder struct {
	Dim       int
	ModelID   string
	CallCount int
	Err       error

	mu sync.Mutex
}

func NewEmbedder(dim int) *Embedder {
	return &Embedder{Dim: dim, ModelID: "fake-embedder"}
}

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.CallCount++
	e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, e.Dim)
		if e.Dim > 0 {
			vec[0] = float32(len(t))
		}
		out[i] = vec
	}
	return out, nil
}

func (e *Embedder) ModelName() string { return e.ModelID }
func (e *Embedder) Dimension() int    { return e.Dim }

var _ registryembed.Embedder = (*Embedder)(nil)

// Store is an in-memory registrymodule.Store keyed by memory ID.
type Store struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*registrymodule.MemoryItem
	pending map[uuid.UUID]bool

	StoreErr    error
	PurgeResult int64
	PurgeErr    error
	PurgeCalls  int
	PurgeCutoffs []time.Time
}

func NewStore() *Store {
	return &Store{items: make(map[uuid.UUID]*registrymodule.MemoryItem), pending: make(map[uuid.UUID]bool)}
}

func (s *Store) Store(ctx context.Context, req registrymodule.StoreRequest) (*registrymodule.MemoryItem, error) {
	if s.StoreErr != nil {
		return nil, s.StoreErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item := &registrymodule.MemoryItem{
		ID:        uuid.New(),
		TenantID:  req.TenantID,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.items[item.ID] = item
	s.pending[item.ID] = true
	return item, nil
}

func (s *Store) Get(ctx context.Context, tenantID string, id uuid.UUID) (*registrymodule.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.TenantID != tenantID {
		return nil, nil
	}
	item.AccessCount++
	return item, nil
}

func (s *Store) Update(ctx context.Context, tenantID string, id uuid.UUID, req registrymodule.UpdateRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.TenantID != tenantID {
		return false, nil
	}
	if req.Content != nil {
		item.Content = *req.Content
	}
	if req.Metadata != nil {
		item.Metadata = req.Metadata
	}
	item.UpdatedAt = time.Now()
	s.pending[id] = true
	return true, nil
}

func (s *Store) Delete(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.TenantID != tenantID {
		return false, nil
	}
	delete(s.items, id)
	delete(s.pending, id)
	return true, nil
}

func (s *Store) SearchByEmbedding(ctx context.Context, tenantID string, queryVector []float32, opts registrymodule.SearchOptions) ([]registrymodule.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registrymodule.MemoryItem
	for _, item := range s.items {
		if item.TenantID != tenantID {
			continue
		}
		out = append(out, *item)
	}
	return out, nil
}

func (s *Store) SearchByMetadata(ctx context.Context, tenantID string, criteria map[string]interface{}, limit, offset int) ([]registrymodule.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registrymodule.MemoryItem
	for _, item := range s.items {
		if item.TenantID != tenantID {
			continue
		}
		match := true
		for k, v := range criteria {
			if item.Metadata[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context, tenantID string) (registrymodule.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats registrymodule.Stats
	for _, item := range s.items {
		if item.TenantID == tenantID {
			stats.Total++
		}
	}
	return stats, nil
}

// FindPendingIndexing returns every row flagged pending, regardless of tenant.
func (s *Store) FindPendingIndexing(ctx context.Context, limit int) ([]registrymodule.PendingMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registrymodule.PendingMemory
	for id, isPending := range s.pending {
		if !isPending {
			continue
		}
		item := s.items[id]
		if item == nil {
			continue
		}
		out = append(out, registrymodule.PendingMemory{ID: item.ID, TenantID: item.TenantID, Content: item.Content, Metadata: item.Metadata})
		if len(out) >= limit && limit > 0 {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkIndexed(ctx context.Context, id uuid.UUID, indexedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = false
	return nil
}

func (s *Store) ListActiveIDs(ctx context.Context, tenantID string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for id, item := range s.items {
		if item.TenantID == tenantID {
			out = append(out, id)
		}
	}
	return out, nil
}

// PurgeTombstones records the call for eviction-service assertions and
// returns the configured PurgeResult/PurgeErr.
func (s *Store) PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PurgeCalls++
	s.PurgeCutoffs = append(s.PurgeCutoffs, cutoff)
	if s.PurgeErr != nil {
		return 0, s.PurgeErr
	}
	return s.PurgeResult, nil
}

var _ registrymodule.Store = (*Store)(nil)

// CMIIndex is an in-memory registryvector.CMIIndex.
type CMIIndex struct {
	mu            sync.Mutex
	entries       map[string]*registryvector.IndexEntry // keyed by moduleID+remoteMemoryID
	relationships []registryvector.Relationship
}

func NewCMIIndex() *CMIIndex {
	return &CMIIndex{entries: make(map[string]*registryvector.IndexEntry)}
}

func entryKey(moduleID string, id uuid.UUID) string { return moduleID + ":" + id.String() }

func (c *CMIIndex) Upsert(ctx context.Context, entry registryvector.UpsertEntry) (*registryvector.IndexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := &registryvector.IndexEntry{
		ID:             uuid.New(),
		TenantID:       entry.TenantID,
		ModuleID:       entry.ModuleID,
		RemoteMemoryID: entry.RemoteMemoryID,
		Title:          entry.Title,
		Summary:        entry.Summary,
		Keywords:       entry.Keywords,
		Categories:     entry.Categories,
		Importance:     entry.Importance,
		UpdatedAt:      time.Now(),
	}
	c.entries[entryKey(entry.ModuleID, entry.RemoteMemoryID)] = out
	return out, nil
}

func (c *CMIIndex) Delete(ctx context.Context, moduleID string, remoteMemoryID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, entryKey(moduleID, remoteMemoryID))
	return nil
}

func (c *CMIIndex) SearchByRouting(ctx context.Context, tenantID string, routingEmbedding []float32, limit int) ([]registryvector.SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []registryvector.SearchResult
	for _, e := range c.entries {
		if e.TenantID != tenantID {
			continue
		}
		out = append(out, registryvector.SearchResult{Entry: *e, Score: 0.9})
	}
	return out, nil
}

func (c *CMIIndex) ListByModule(ctx context.Context, moduleID string) ([]registryvector.IndexEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []registryvector.IndexEntry
	for _, e := range c.entries {
		if e.ModuleID == moduleID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (c *CMIIndex) Touch(ctx context.Context, moduleID string, remoteMemoryID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[entryKey(moduleID, remoteMemoryID)]; ok {
		e.AccessCount++
	}
	return nil
}

func (c *CMIIndex) CreateRelationship(ctx context.Context, rel registryvector.Relationship) (*registryvector.Relationship, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rel.ID = uuid.New()
	c.relationships = append(c.relationships, rel)
	return &rel, nil
}

func (c *CMIIndex) RelatedTo(ctx context.Context, tenantID, moduleID string, memoryID uuid.UUID) ([]registryvector.Relationship, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []registryvector.Relationship
	for _, r := range c.relationships {
		if r.TenantID != tenantID {
			continue
		}
		if (r.FromModuleID == moduleID && r.FromMemoryID == memoryID) || (r.ToModuleID == moduleID && r.ToMemoryID == memoryID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *CMIIndex) DeleteRelationshipsFor(ctx context.Context, moduleID string, memoryID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []registryvector.Relationship
	for _, r := range c.relationships {
		if (r.FromModuleID == moduleID && r.FromMemoryID == memoryID) || (r.ToModuleID == moduleID && r.ToMemoryID == memoryID) {
			continue
		}
		kept = append(kept, r)
	}
	c.relationships = kept
	return nil
}

func (c *CMIIndex) IsEnabled() bool { return true }
func (c *CMIIndex) Name() string    { return "fake" }

var _ registryvector.CMIIndex = (*CMIIndex)(nil)

// ModuleDef is a minimal moduledef.Definition for routing/taxonomy tests.
type ModuleDef struct {
	IDValue   string
	TaxonomyV map[string][]string
}

func (m *ModuleDef) ID() string          { return m.IDValue }
func (m *ModuleDef) DisplayName() string { return m.IDValue }
func (m *ModuleDef) Description() string { return "" }
func (m *ModuleDef) ProcessMetadata(content string, userMetadata map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(userMetadata))
	for k, v := range userMetadata {
		out[k] = v
	}
	if _, ok := out["importance"]; !ok {
		out["importance"] = 0.5
	}
	return out
}
func (m *ModuleDef) Taxonomy() map[string][]string { return m.TaxonomyV }

var _ moduledef.Definition = (*ModuleDef)(nil)

// Register registers defs with the global moduledef registry. Call once per
// test binary (e.g. from a package-level var or TestMain) since
// moduledef.Register has no Unregister counterpart.
func Register(defs ...*ModuleDef) {
	for _, d := range defs {
		moduledef.Register(d)
	}
}
