// Package model defines the persisted row shapes shared by module stores,
// the CMI, and the relationship graph (spec.md §3).
package model

import (
	"time"

	"github.com/google/uuid"
)

// Memory is a single row owned by one module. The active value for a
// (tenant, key) pair is the row where DeletedAt IS NULL; prior writes are
// soft-deleted to preserve the event timeline used by the Change Notifier.
type Memory struct {
	ID uuid.UUID `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`

	// TenantID scopes every row; no query may cross tenants.
	TenantID string `json:"tenantId" gorm:"not null;index:idx_memories_tenant"`

	// Content is the free-form text the embedding is derived from.
	ContentEncrypted []byte `json:"-" gorm:"column:content_encrypted"`

	// Metadata is the nested key/value tree. Always carries `type` and
	// `categories` (spec.md §3 invariant b). Encrypted at rest alongside content.
	MetadataEncrypted []byte `json:"-" gorm:"column:metadata_encrypted"`

	// Embedding is the full (d_full) L2-normalized embedding.
	Embedding []float32 `json:"-" gorm:"-"`

	AccessCount  int64      `json:"accessCount" gorm:"not null;default:0;column:access_count"`
	LastAccessAt *time.Time `json:"lastAccessAt" gorm:"column:last_access_at"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;default:now()"`

	DeletedAt *time.Time `json:"-" gorm:"column:deleted_at"`
	// DeletedReason: nil=active, 0=superseded by update, 1=explicit delete, 2=expired.
	DeletedReason *int16 `json:"-" gorm:"column:deleted_reason"`

	// IndexedAt tracks CMI-sync state; NULL means pending reconciliation (§4.5).
	IndexedAt *time.Time `json:"-" gorm:"column:indexed_at"`
}

// Content is the decrypted free-text payload. Populated by the store after
// decryption; never persisted directly.
type Content struct {
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

// CMIIndexEntry is the routing/federated-search row maintained by the CMI,
// distinct from and eventually-consistent with the owning Memory row.
type CMIIndexEntry struct {
	ID uuid.UUID `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`

	TenantID       string    `json:"tenantId" gorm:"not null;index:idx_cmi_tenant"`
	ModuleID       string    `json:"moduleId" gorm:"not null;uniqueIndex:idx_cmi_module_memory"`
	RemoteMemoryID uuid.UUID `json:"remoteMemoryId" gorm:"type:uuid;not null;uniqueIndex:idx_cmi_module_memory"`

	// RoutingEmbedding is the compressed (d_route) unit vector.
	RoutingEmbedding []float32 `json:"-" gorm:"-"`

	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords" gorm:"type:jsonb;serializer:json"`
	Categories []string `json:"categories" gorm:"type:jsonb;serializer:json"`

	Importance float64 `json:"importance" gorm:"not null;default:0"`

	AccessCount  int64      `json:"accessCount" gorm:"not null;default:0;column:access_count"`
	LastAccessAt *time.Time `json:"lastAccessAt" gorm:"column:last_access_at"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (CMIIndexEntry) TableName() string { return "cmi_index_entries" }

// RelationshipEndpoint identifies one side of a MemoryRelationship.
type RelationshipEndpoint struct {
	ModuleID string    `json:"moduleId"`
	MemoryID uuid.UUID `json:"memoryId"`
}

// MemoryRelationship is a typed, weighted edge between two memories,
// possibly owned by different modules. Owned exclusively by the CMI.
type MemoryRelationship struct {
	ID uuid.UUID `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`

	TenantID string `json:"tenantId" gorm:"not null;index:idx_rel_tenant"`

	FromModuleID string    `json:"fromModuleId" gorm:"not null;uniqueIndex:idx_rel_unique"`
	FromMemoryID uuid.UUID `json:"fromMemoryId" gorm:"type:uuid;not null;uniqueIndex:idx_rel_unique"`
	ToModuleID   string    `json:"toModuleId" gorm:"not null;uniqueIndex:idx_rel_unique"`
	ToMemoryID   uuid.UUID `json:"toMemoryId" gorm:"type:uuid;not null;uniqueIndex:idx_rel_unique"`

	// Kind is drawn from an open taxonomy: similar, depends_on, refines, contradicts, ...
	Kind string `json:"kind" gorm:"not null;uniqueIndex:idx_rel_unique"`

	Strength float64                `json:"strength" gorm:"not null;default:0"`
	Metadata map[string]interface{} `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
}

// TableName implements gorm.Tabler.
func (MemoryRelationship) TableName() string { return "memory_relationships" }

// RoutingDecision is the ephemeral (cached, never persisted) result of
// CMI.routeQuery: an ordered shortlist of modules with confidence and the
// keywords that matched within each.
type RoutingDecision struct {
	Modules []ModuleVote `json:"modules"`
}

// ModuleVote is one module's contribution to a RoutingDecision.
type ModuleVote struct {
	ModuleID        string   `json:"moduleId"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matchedKeywords"`
}
