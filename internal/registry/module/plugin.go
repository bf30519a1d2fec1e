// Package module defines the storage contract every domain module
// implements (spec.md §4.1), and the plugin registry concrete module
// backends register against — the same Name/Loader/Register/Select/Names
// shape used by every other registry in this repo (embed, vector, route).
package module

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StoreRequest is the input to Store.
type StoreRequest struct {
	TenantID string
	Content  string
	// Metadata is caller-supplied; the module's processMetadata policy fills
	// only keys the caller left absent (spec.md §4.1).
	Metadata map[string]interface{}
	// Embedding is the full (d_full) embedding computed by the caller
	// (the Write Pipeline) from title||summary||content.
	Embedding []float32
}

// MemoryItem is the external representation of a stored memory.
type MemoryItem struct {
	ID           uuid.UUID              `json:"id"`
	TenantID     string                 `json:"tenantId"`
	Content      string                 `json:"content"`
	Metadata     map[string]interface{} `json:"metadata"`
	AccessCount  int64                  `json:"accessCount"`
	LastAccessAt *time.Time             `json:"lastAccessAt"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	Score        *float64               `json:"score,omitempty"`
}

// UpdateRequest is the input to Update. Content/Metadata are pointers so a
// nil field means "leave unchanged"; a non-nil Metadata replaces it wholesale
// (spec.md §4.1: "Metadata is replaced (not merged) when provided").
type UpdateRequest struct {
	Content   *string
	Metadata  map[string]interface{}
	Embedding []float32 // set iff Content changed
}

// SearchOptions bounds a searchByEmbedding call.
type SearchOptions struct {
	Limit    int
	MinScore float64
	Filters  map[string]interface{}
}

// Stats summarizes one tenant's footprint within a module.
type Stats struct {
	Total         int64          `json:"total"`
	TotalBytes    int64          `json:"totalBytes"`
	LastAccess    *time.Time     `json:"lastAccess"`
	TopCategories map[string]int `json:"topCategories"`
	AvgAccess     float64        `json:"avgAccessCount"`
}

// PendingMemory is returned by FindPendingIndexing for the reconciliation job.
type PendingMemory struct {
	ID        uuid.UUID
	TenantID  string
	Content   string
	Metadata  map[string]interface{}
	DeletedAt *time.Time // non-nil => reconcile as a CMI delete, not an upsert
}

// Store is the storage contract every module backend implements. All
// operations are tenant-scoped; no method may see or mutate another
// tenant's rows (spec.md §8 Isolation).
type Store interface {
	// Store persists a new row. req.Embedding must already be the full
	// embedding; the store does not call the embedding provider itself
	// (that's the Write Pipeline's job per spec.md §4.3).
	Store(ctx context.Context, req StoreRequest) (*MemoryItem, error)

	// Get retrieves one memory by id, incrementing its access counter.
	// Returns nil, nil if not found (or owned by a different tenant).
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*MemoryItem, error)

	// Update rewrites content and/or metadata. Returns false if not found.
	Update(ctx context.Context, tenantID string, id uuid.UUID, req UpdateRequest) (bool, error)

	// Delete removes the row. CMI cleanup is the Write Pipeline's job.
	Delete(ctx context.Context, tenantID string, id uuid.UUID) (bool, error)

	// SearchByEmbedding ranks rows by cosine similarity to queryVector.
	SearchByEmbedding(ctx context.Context, tenantID string, queryVector []float32, opts SearchOptions) ([]MemoryItem, error)

	// SearchByMetadata performs an exact-match search over metadata keys,
	// used by domain services to enumerate typed entities.
	SearchByMetadata(ctx context.Context, tenantID string, criteria map[string]interface{}, limit, offset int) ([]MemoryItem, error)

	// Stats summarizes one tenant's rows in this module.
	Stats(ctx context.Context, tenantID string) (Stats, error)

	// --- reconciliation / consistency protocol support (spec.md §4.5) ---

	// FindPendingIndexing returns up to limit rows (active or recently
	// soft-deleted) whose CMI sync state is not yet known to be consistent.
	FindPendingIndexing(ctx context.Context, limit int) ([]PendingMemory, error)

	// MarkIndexed records that a row's CMI state is now consistent.
	MarkIndexed(ctx context.Context, id uuid.UUID, indexedAt time.Time) error

	// ListActiveIDs returns the ids of all active rows for tenantID, for
	// reconciliation orphan-scanning against the CMI table.
	ListActiveIDs(ctx context.Context, tenantID string) ([]uuid.UUID, error)

	// PurgeTombstones hard-deletes rows soft-deleted before cutoff, once
	// their tombstone retention window has elapsed. Returns the number of
	// rows removed.
	PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error)
}

// Loader creates a Store from context (config + encryption injected via context).
type Loader func(ctx context.Context, moduleID string) (Store, error)

// Plugin represents a module storage backend plugin (e.g. "postgres").
// Distinct from the six built-in Module definitions (internal/plugin/module/*),
// which describe *behavior* (processMetadata policy); a Plugin here describes
// the shared storage *backend* those behaviors are layered on top of.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a module storage backend plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered backend plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named backend plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown module store backend %q; valid: %v", name, Names())
}
