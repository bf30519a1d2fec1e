// Package vector defines the Central Memory Index storage contract
// (spec.md §4.2/§3 "CMI Index Entry" + "Memory Relationship"), generalized
// from the teacher's conversation-entry VectorStore (Search/Upsert/Delete
// by conversation group) to the CMI's routing-embedding search, upsert, and
// relationship-graph operations.
package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IndexEntry mirrors model.CMIIndexEntry without the routing embedding
// (returned separately by callers that need it).
type IndexEntry struct {
	ID             uuid.UUID
	TenantID       string
	ModuleID       string
	RemoteMemoryID uuid.UUID
	Title          string
	Summary        string
	Keywords       []string
	Categories     []string
	Importance     float64
	AccessCount    int64
	LastAccessAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertEntry is the input to Upsert: a full CMI row plus its routing
// embedding (d_route=512).
type UpsertEntry struct {
	TenantID         string
	ModuleID         string
	RemoteMemoryID   uuid.UUID
	Title            string
	Summary          string
	Keywords         []string
	Categories       []string
	Importance       float64
	RoutingEmbedding []float32
}

// SearchResult pairs a CMI entry with its cosine similarity to the query.
type SearchResult struct {
	Entry IndexEntry
	Score float64
}

// Relationship mirrors model.MemoryRelationship.
type Relationship struct {
	ID           uuid.UUID
	TenantID     string
	FromModuleID string
	FromMemoryID uuid.UUID
	ToModuleID   string
	ToMemoryID   uuid.UUID
	Kind         string
	Strength     float64
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

// CMIIndex is the storage contract for the Central Memory Index: the
// routing-embedding search surface, and the CMI-owned relationship graph
// (spec.md §9 Open Question, resolved as CMI-owned in SPEC_FULL.md).
type CMIIndex interface {
	// Upsert inserts or updates one CMI row keyed by (moduleID, remoteMemoryID).
	Upsert(ctx context.Context, entry UpsertEntry) (*IndexEntry, error)

	// Delete removes the CMI row for (moduleID, remoteMemoryID), cascading
	// to any relationships that reference it.
	Delete(ctx context.Context, moduleID string, remoteMemoryID uuid.UUID) error

	// SearchByRouting ranks CMI rows by cosine similarity to the routing
	// embedding, scoped to the given tenant — the core of routeQuery
	// (spec.md §4.2).
	SearchByRouting(ctx context.Context, tenantID string, routingEmbedding []float32, limit int) ([]SearchResult, error)

	// ListByModule returns every CMI row for one module (used by
	// reconciliation's orphan scan).
	ListByModule(ctx context.Context, moduleID string) ([]IndexEntry, error)

	// Touch increments access_count/last_access_at for a CMI row.
	Touch(ctx context.Context, moduleID string, remoteMemoryID uuid.UUID) error

	// CreateRelationship records a directed edge between two memories.
	CreateRelationship(ctx context.Context, rel Relationship) (*Relationship, error)

	// RelatedTo returns relationships touching (moduleID, memoryID), in
	// either direction.
	RelatedTo(ctx context.Context, tenantID, moduleID string, memoryID uuid.UUID) ([]Relationship, error)

	// DeleteRelationshipsFor removes every relationship touching
	// (moduleID, memoryID) — used by cascading delete.
	DeleteRelationshipsFor(ctx context.Context, moduleID string, memoryID uuid.UUID) error

	// IsEnabled returns true if the CMI index is configured and operational.
	IsEnabled() bool
	// Name returns the plugin name (e.g. "pgvector", "qdrant").
	Name() string
}

// Loader creates a CMIIndex from config.
type Loader func(ctx context.Context) (CMIIndex, error)

// Plugin represents a CMI index storage plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a CMI index storage plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown CMI index store %q; valid: %v", name, Names())
}
