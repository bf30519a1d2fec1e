// Package pgvector implements registry/vector.CMIIndex on PostgreSQL +
// pgvector, against the cmi_index_entries / cmi_routing_embeddings /
// memory_relationships tables created by internal/plugin/module/postgres's
// migration. Same `<=>` cosine-distance query shape as the teacher's
// conversation-entry vector search, generalized to the CMI's routing index.
package pgvector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/config"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "pgvector",
		Loader: load,
	})
}

func load(ctx context.Context) (registryvector.CMIIndex, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgvector: missing config in context")
	}
	db, err := openDB(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector: %w", err)
	}
	return &CMIIndexStore{db: db}, nil
}

func openDB(dbURL string) (*gorm.DB, error) {
	return openGormDB(dbURL)
}

// CMIIndexStore implements registryvector.CMIIndex using the pgvector extension.
type CMIIndexStore struct {
	db *gorm.DB
}

func (s *CMIIndexStore) IsEnabled() bool { return true }
func (s *CMIIndexStore) Name() string    { return "pgvector" }

// Upsert inserts or updates a CMI row and its routing embedding in one
// transaction, keyed by the unique (module_id, remote_memory_id) pair.
func (s *CMIIndexStore) Upsert(ctx context.Context, entry registryvector.UpsertEntry) (*registryvector.IndexEntry, error) {
	keywordsJSON, err := json.Marshal(entry.Keywords)
	if err != nil {
		return nil, fmt.Errorf("marshal keywords: %w", err)
	}
	categoriesJSON, err := json.Marshal(entry.Categories)
	if err != nil {
		return nil, fmt.Errorf("marshal categories: %w", err)
	}

	var id uuid.UUID
	row := s.db.WithContext(ctx).Raw(`
		INSERT INTO cmi_index_entries
			(tenant_id, module_id, remote_memory_id, title, summary, keywords, categories, importance, updated_at)
		VALUES (?, ?, ?, ?, ?, ?::jsonb, ?::jsonb, ?, NOW())
		ON CONFLICT (module_id, remote_memory_id) DO UPDATE SET
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			keywords = EXCLUDED.keywords,
			categories = EXCLUDED.categories,
			importance = EXCLUDED.importance,
			updated_at = NOW()
		RETURNING id`,
		entry.TenantID, entry.ModuleID, entry.RemoteMemoryID, entry.Title, entry.Summary,
		string(keywordsJSON), string(categoriesJSON), entry.Importance,
	).Row()
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("upsert cmi entry: %w", err)
	}

	if len(entry.RoutingEmbedding) > 0 {
		vec := pgvec.NewVector(entry.RoutingEmbedding)
		if err := s.db.WithContext(ctx).Exec(`
			INSERT INTO cmi_routing_embeddings (cmi_id, tenant_id, embedding)
			VALUES (?, ?, ?::vector)
			ON CONFLICT (cmi_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			id, entry.TenantID, vec,
		).Error; err != nil {
			return nil, fmt.Errorf("upsert routing embedding: %w", err)
		}
	}

	return &registryvector.IndexEntry{
		ID:             id,
		TenantID:       entry.TenantID,
		ModuleID:       entry.ModuleID,
		RemoteMemoryID: entry.RemoteMemoryID,
		Title:          entry.Title,
		Summary:        entry.Summary,
		Keywords:       entry.Keywords,
		Categories:     entry.Categories,
		Importance:     entry.Importance,
	}, nil
}

// Delete removes a CMI row and the relationships that reference it; ON
// DELETE CASCADE drops its routing embedding.
func (s *CMIIndexStore) Delete(ctx context.Context, moduleID string, remoteMemoryID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Exec(
		"DELETE FROM cmi_index_entries WHERE module_id = ? AND remote_memory_id = ?",
		moduleID, remoteMemoryID,
	).Error; err != nil {
		return err
	}
	return s.DeleteRelationshipsFor(ctx, moduleID, remoteMemoryID)
}

// SearchByRouting ranks CMI rows for one tenant by cosine similarity to the
// routing embedding — the storage half of routeQuery (spec.md §4.2).
func (s *CMIIndexStore) SearchByRouting(ctx context.Context, tenantID string, routingEmbedding []float32, limit int) ([]registryvector.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	vec := pgvec.NewVector(routingEmbedding)

	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT c.id, c.tenant_id, c.module_id, c.remote_memory_id, c.title, c.summary,
		       c.keywords, c.categories, c.importance, c.access_count, c.last_access_at,
		       c.created_at, c.updated_at,
		       1 - (r.embedding <=> ?::vector) AS score
		FROM cmi_index_entries c
		JOIN cmi_routing_embeddings r ON r.cmi_id = c.id
		WHERE c.tenant_id = ?
		ORDER BY r.embedding <=> ?::vector
		LIMIT ?`,
		vec, tenantID, vec, limit,
	).Rows()
	if err != nil {
		return nil, fmt.Errorf("search by routing: %w", err)
	}
	defer rows.Close()

	var results []registryvector.SearchResult
	for rows.Next() {
		var e registryvector.IndexEntry
		var keywordsJSON, categoriesJSON string
		var score float64
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ModuleID, &e.RemoteMemoryID, &e.Title, &e.Summary,
			&keywordsJSON, &categoriesJSON, &e.Importance, &e.AccessCount, &e.LastAccessAt,
			&e.CreatedAt, &e.UpdatedAt, &score); err != nil {
			log.Error("pgvector CMI scan error", "err", err)
			continue
		}
		_ = json.Unmarshal([]byte(keywordsJSON), &e.Keywords)
		_ = json.Unmarshal([]byte(categoriesJSON), &e.Categories)
		results = append(results, registryvector.SearchResult{Entry: e, Score: score})
	}
	return results, nil
}

// ListByModule returns every CMI row for one module, for reconciliation's
// orphan scan against the module store's ListActiveIDs.
func (s *CMIIndexStore) ListByModule(ctx context.Context, moduleID string) ([]registryvector.IndexEntry, error) {
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT id, tenant_id, module_id, remote_memory_id, title, summary,
		       keywords, categories, importance, access_count, last_access_at, created_at, updated_at
		FROM cmi_index_entries WHERE module_id = ?`, moduleID,
	).Rows()
	if err != nil {
		return nil, fmt.Errorf("list by module: %w", err)
	}
	defer rows.Close()

	var out []registryvector.IndexEntry
	for rows.Next() {
		var e registryvector.IndexEntry
		var keywordsJSON, categoriesJSON string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ModuleID, &e.RemoteMemoryID, &e.Title, &e.Summary,
			&keywordsJSON, &categoriesJSON, &e.Importance, &e.AccessCount, &e.LastAccessAt,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cmi row: %w", err)
		}
		_ = json.Unmarshal([]byte(keywordsJSON), &e.Keywords)
		_ = json.Unmarshal([]byte(categoriesJSON), &e.Categories)
		out = append(out, e)
	}
	return out, nil
}

// Touch records a CMI-level access (spec.md §3 access_count/last_access_at).
func (s *CMIIndexStore) Touch(ctx context.Context, moduleID string, remoteMemoryID uuid.UUID) error {
	return s.db.WithContext(ctx).Exec(`
		UPDATE cmi_index_entries
		SET access_count = access_count + 1, last_access_at = NOW()
		WHERE module_id = ? AND remote_memory_id = ?`,
		moduleID, remoteMemoryID,
	).Error
}

// CreateRelationship records a directed edge in the CMI-owned relationship
// graph, independent of either endpoint's owning module. Rejects self-edges
// per spec.md §3 Memory Relationship invariant (a); the CMI service layer
// already checks this, but the store enforces it too since nothing else
// stops a direct caller from bypassing that layer.
func (s *CMIIndexStore) CreateRelationship(ctx context.Context, rel registryvector.Relationship) (*registryvector.Relationship, error) {
	if rel.FromModuleID == rel.ToModuleID && rel.FromMemoryID == rel.ToMemoryID {
		return nil, fmt.Errorf("create relationship: source and target must not be the same memory")
	}
	metaJSON, err := json.Marshal(rel.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal relationship metadata: %w", err)
	}
	if rel.Strength == 0 {
		rel.Strength = 1
	}
	id := uuid.New()
	if err := s.db.WithContext(ctx).Exec(`
		INSERT INTO memory_relationships
			(id, tenant_id, from_module_id, from_memory_id, to_module_id, to_memory_id, kind, strength, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?::jsonb)
		ON CONFLICT (tenant_id, from_module_id, from_memory_id, to_module_id, to_memory_id, kind)
		DO UPDATE SET strength = EXCLUDED.strength, metadata = EXCLUDED.metadata
		RETURNING id`,
		id, rel.TenantID, rel.FromModuleID, rel.FromMemoryID, rel.ToModuleID, rel.ToMemoryID,
		rel.Kind, rel.Strength, string(metaJSON),
	).Error; err != nil {
		return nil, fmt.Errorf("create relationship: %w", err)
	}
	rel.ID = id
	return &rel, nil
}

// RelatedTo returns relationships touching (moduleID, memoryID) in either
// direction, for getRelatedMemories (spec.md §4.2).
func (s *CMIIndexStore) RelatedTo(ctx context.Context, tenantID, moduleID string, memoryID uuid.UUID) ([]registryvector.Relationship, error) {
	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT id, tenant_id, from_module_id, from_memory_id, to_module_id, to_memory_id, kind, strength, metadata, created_at
		FROM memory_relationships
		WHERE tenant_id = ? AND ((from_module_id = ? AND from_memory_id = ?) OR (to_module_id = ? AND to_memory_id = ?))
		ORDER BY strength DESC, id`,
		tenantID, moduleID, memoryID, moduleID, memoryID,
	).Rows()
	if err != nil {
		return nil, fmt.Errorf("related to: %w", err)
	}
	defer rows.Close()

	var out []registryvector.Relationship
	for rows.Next() {
		var r registryvector.Relationship
		var metaJSON string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.FromModuleID, &r.FromMemoryID, &r.ToModuleID, &r.ToMemoryID,
			&r.Kind, &r.Strength, &metaJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
		out = append(out, r)
	}
	return out, nil
}

// DeleteRelationshipsFor removes every relationship touching (moduleID,
// memoryID) — used by deleteMemory's cascading cleanup (spec.md §4.2).
func (s *CMIIndexStore) DeleteRelationshipsFor(ctx context.Context, moduleID string, memoryID uuid.UUID) error {
	return s.db.WithContext(ctx).Exec(`
		DELETE FROM memory_relationships
		WHERE (from_module_id = ? AND from_memory_id = ?) OR (to_module_id = ? AND to_memory_id = ?)`,
		moduleID, memoryID, moduleID, memoryID,
	).Error
}
