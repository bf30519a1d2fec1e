// Package postgres implements registry/module.Store and the CMI's storage
// needs on PostgreSQL + pgvector, grounded on the teacher's
// internal/plugin/store/postgres episodic store: GORM for row CRUD, raw SQL
// with pgvector's `<=>` cosine-distance operator for similarity search, and
// the same encrypt-then-store / decrypt-then-return shape for content at
// rest. Generalized from a single namespace-keyed table to per-(tenant,
// module) partitions of one shared schema.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/config"
	"github.com/4xguy/federated-memory-sub004/internal/dataencryption"
	"github.com/4xguy/federated-memory-sub004/internal/registry/migrate"
	"github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func init() {
	module.Register(module.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context, moduleID string) (module.Store, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("module store %s: connect to postgres: %w", moduleID, err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, err
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)

			s := &Store{db: db, moduleID: moduleID}
			if !cfg.EncryptionDBDisabled {
				s.enc = dataencryption.FromContext(ctx)
			}
			return s, nil
		},
	})

	migrate.Register(migrate.Plugin{Order: 100, Migrator: &schemaMigrator{}})
}

type schemaMigrator struct{}

func (m *schemaMigrator) Name() string { return "module-postgres-schema" }

func (m *schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: execute schema: %w", err)
	}
	log.Info("Module postgres schema migration complete")
	return nil
}

// memoryRow is the GORM row for the shared memories table.
type memoryRow struct {
	ID                uuid.UUID `gorm:"primaryKey;type:uuid;column:id"`
	TenantID          string    `gorm:"column:tenant_id"`
	ModuleID          string    `gorm:"column:module_id"`
	ContentEncrypted  []byte    `gorm:"column:content_encrypted"`
	MetadataEncrypted []byte    `gorm:"column:metadata_encrypted"`
	MetadataIndex     string    `gorm:"column:metadata_index"` // raw jsonb text
	AccessCount       int64     `gorm:"column:access_count"`
	LastAccessAt      *time.Time `gorm:"column:last_access_at"`
	CreatedAt         time.Time `gorm:"column:created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at"`
	DeletedAt         *time.Time `gorm:"column:deleted_at"`
	DeletedReason     *int16    `gorm:"column:deleted_reason"`
	IndexedAt         *time.Time `gorm:"column:indexed_at"`
}

func (memoryRow) TableName() string { return "memories" }

// Store implements module.Store against the shared `memories` table,
// scoped to one module id.
type Store struct {
	db       *gorm.DB
	moduleID string
	enc      *dataencryption.Service
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	if s.enc == nil || plaintext == nil {
		return plaintext, nil
	}
	return s.enc.Encrypt(plaintext)
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	if s.enc == nil || ciphertext == nil {
		return ciphertext, nil
	}
	return s.enc.Decrypt(ciphertext)
}

// Store persists a new memory row. req.Metadata is split into an encrypted
// full copy and a plaintext metadata_index projection so SearchByMetadata
// can run SQL-level filters without ever decrypting content (the same
// encrypted-value / plaintext-attributes split the teacher's episodic store
// uses for policy_attributes).
func (s *Store) Store(ctx context.Context, req module.StoreRequest) (*module.MemoryItem, error) {
	contentEnc, err := s.encrypt([]byte(req.Content))
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	metaJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	metaEnc, err := s.encrypt(metaJSON)
	if err != nil {
		return nil, fmt.Errorf("encrypt metadata: %w", err)
	}

	row := memoryRow{
		ID:                uuid.New(),
		TenantID:          req.TenantID,
		ModuleID:          s.moduleID,
		ContentEncrypted:  contentEnc,
		MetadataEncrypted: metaEnc,
		MetadataIndex:     string(metaJSON),
		CreatedAt:         timeNow(),
		UpdatedAt:         timeNow(),
	}
	if err := s.db.WithContext(ctx).Table("memories").Create(&row).Error; err != nil {
		return nil, fmt.Errorf("store memory: %w", err)
	}

	if len(req.Embedding) > 0 {
		vec := pgvec.NewVector(req.Embedding)
		if err := s.db.WithContext(ctx).Exec(`
			INSERT INTO memory_embeddings (memory_id, tenant_id, module_id, embedding)
			VALUES (?, ?, ?, ?::vector)`,
			row.ID, req.TenantID, s.moduleID, vec,
		).Error; err != nil {
			return nil, fmt.Errorf("store embedding: %w", err)
		}
	}

	return &module.MemoryItem{
		ID:        row.ID,
		TenantID:  row.TenantID,
		Content:   req.Content,
		Metadata:  req.Metadata,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// Get retrieves one memory and increments its access counter, consistent
// with spec.md §3's Memory.access_count/last_access_at tracking.
func (s *Store) Get(ctx context.Context, tenantID string, id uuid.UUID) (*module.MemoryItem, error) {
	var row memoryRow
	result := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND module_id = ? AND deleted_at IS NULL", id, tenantID, s.moduleID).
		Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("get memory: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).Exec(
		"UPDATE memories SET access_count = access_count + 1, last_access_at = ? WHERE id = ?",
		timeNow(), row.ID,
	).Error; err != nil {
		log.Warn("Failed to record memory access", "id", row.ID, "err", err)
	}

	return s.rowToItem(row)
}

// Update rewrites content and/or metadata. Metadata is replaced wholesale
// when provided, not merged (spec.md §4.1).
func (s *Store) Update(ctx context.Context, tenantID string, id uuid.UUID, req module.UpdateRequest) (bool, error) {
	updates := map[string]interface{}{"updated_at": timeNow()}

	if req.Content != nil {
		contentEnc, err := s.encrypt([]byte(*req.Content))
		if err != nil {
			return false, fmt.Errorf("encrypt content: %w", err)
		}
		updates["content_encrypted"] = contentEnc
		updates["indexed_at"] = nil
	}
	if req.Metadata != nil {
		metaJSON, err := json.Marshal(req.Metadata)
		if err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
		metaEnc, err := s.encrypt(metaJSON)
		if err != nil {
			return false, fmt.Errorf("encrypt metadata: %w", err)
		}
		updates["metadata_encrypted"] = metaEnc
		updates["metadata_index"] = string(metaJSON)
		updates["indexed_at"] = nil
	}

	result := s.db.WithContext(ctx).Table("memories").
		Where("id = ? AND tenant_id = ? AND module_id = ? AND deleted_at IS NULL", id, tenantID, s.moduleID).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("update memory: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	if len(req.Embedding) > 0 {
		vec := pgvec.NewVector(req.Embedding)
		if err := s.db.WithContext(ctx).Exec(`
			INSERT INTO memory_embeddings (memory_id, tenant_id, module_id, embedding)
			VALUES (?, ?, ?, ?::vector)
			ON CONFLICT (memory_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			id, tenantID, s.moduleID, vec,
		).Error; err != nil {
			return false, fmt.Errorf("update embedding: %w", err)
		}
	}
	return true, nil
}

// Delete soft-deletes the row. The CMI-delete-then-module-delete ordering
// (spec.md §4.3/§4.5) is the Write Pipeline's responsibility, not this
// store's; this method only ever touches its own module's rows.
func (s *Store) Delete(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	reason := int16(1)
	result := s.db.WithContext(ctx).Exec(`
		UPDATE memories
		SET deleted_at = NOW(), indexed_at = NULL, deleted_reason = ?
		WHERE id = ? AND tenant_id = ? AND module_id = ? AND deleted_at IS NULL`,
		reason, id, tenantID, s.moduleID,
	)
	if result.Error != nil {
		return false, fmt.Errorf("delete memory: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SearchByEmbedding ranks this module's rows by cosine similarity via
// pgvector's `<=>` operator, mirroring the teacher's SearchMemoryVectors SQL.
func (s *Store) SearchByEmbedding(ctx context.Context, tenantID string, queryVector []float32, opts module.SearchOptions) ([]module.MemoryItem, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	vec := pgvec.NewVector(queryVector)

	filterClause, filterArgs := buildSQLFilter(opts.Filters)
	where := "m.tenant_id = ? AND m.module_id = ? AND m.deleted_at IS NULL"
	if filterClause != "" {
		where += " AND " + filterClause
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.tenant_id, m.content_encrypted, m.metadata_encrypted, m.metadata_index,
		       m.access_count, m.last_access_at, m.created_at, m.updated_at,
		       1 - (e.embedding <=> ?::vector) AS score
		FROM memories m
		JOIN memory_embeddings e ON e.memory_id = m.id
		WHERE %s
		  AND (1 - (e.embedding <=> ?::vector)) >= ?
		ORDER BY e.embedding <=> ?::vector
		LIMIT ?`, where)

	// Placeholder order: SELECT score vec, WHERE (tenant, module, filter...), second score vec + min score, ORDER BY vec, limit.
	args := []interface{}{vec, tenantID, s.moduleID}
	args = append(args, filterArgs...)
	args = append(args, vec, opts.MinScore, vec, opts.Limit)

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("search by embedding: %w", err)
	}
	defer rows.Close()

	var items []module.MemoryItem
	for rows.Next() {
		var row memoryRow
		var score float64
		if err := rows.Scan(&row.ID, &row.TenantID, &row.ContentEncrypted, &row.MetadataEncrypted, &row.MetadataIndex,
			&row.AccessCount, &row.LastAccessAt, &row.CreatedAt, &row.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		item, err := s.rowToItem(row)
		if err != nil {
			log.Warn("Failed to decrypt memory row during search", "id", row.ID, "err", err)
			continue
		}
		item.Score = &score
		items = append(items, *item)
	}
	return items, nil
}

// SearchByMetadata filters on the plaintext metadata_index projection —
// used by domain services (internal/domain/projects, .../people) to
// enumerate typed entities without a vector query.
func (s *Store) SearchByMetadata(ctx context.Context, tenantID string, criteria map[string]interface{}, limit, offset int) ([]module.MemoryItem, error) {
	q := s.db.WithContext(ctx).Table("memories").
		Where("tenant_id = ? AND module_id = ? AND deleted_at IS NULL", tenantID, s.moduleID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if clause, args := buildSQLFilter(criteria); clause != "" {
		q = q.Where(clause, args...)
	}

	var rows []memoryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search by metadata: %w", err)
	}
	items := make([]module.MemoryItem, 0, len(rows))
	for _, row := range rows {
		item, err := s.rowToItem(row)
		if err != nil {
			log.Warn("Failed to decrypt memory row", "id", row.ID, "err", err)
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

// Stats summarizes a tenant's footprint in this module.
func (s *Store) Stats(ctx context.Context, tenantID string) (module.Stats, error) {
	var out module.Stats
	row := s.db.WithContext(ctx).Raw(`
		SELECT COUNT(*), COALESCE(SUM(octet_length(content_encrypted)), 0),
		       MAX(last_access_at), COALESCE(AVG(access_count), 0)
		FROM memories WHERE tenant_id = ? AND module_id = ? AND deleted_at IS NULL`,
		tenantID, s.moduleID,
	).Row()
	if err := row.Scan(&out.Total, &out.TotalBytes, &out.LastAccess, &out.AvgAccess); err != nil {
		return out, fmt.Errorf("stats: %w", err)
	}

	rows, err := s.db.WithContext(ctx).Raw(`
		SELECT metadata_index->>'category' AS category, COUNT(*)
		FROM memories
		WHERE tenant_id = ? AND module_id = ? AND deleted_at IS NULL AND metadata_index->>'category' IS NOT NULL
		GROUP BY category`, tenantID, s.moduleID,
	).Rows()
	if err != nil {
		return out, fmt.Errorf("stats categories: %w", err)
	}
	defer rows.Close()
	out.TopCategories = map[string]int{}
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err == nil {
			out.TopCategories[category] = count
		}
	}
	return out, nil
}

// FindPendingIndexing returns rows whose CMI sync state is stale, for the
// background reconciliation job (spec.md §4.5).
func (s *Store) FindPendingIndexing(ctx context.Context, limit int) ([]module.PendingMemory, error) {
	var rows []memoryRow
	if err := s.db.WithContext(ctx).
		Where("module_id = ? AND indexed_at IS NULL", s.moduleID).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find pending indexing: %w", err)
	}

	out := make([]module.PendingMemory, 0, len(rows))
	for _, row := range rows {
		pm := module.PendingMemory{ID: row.ID, TenantID: row.TenantID, DeletedAt: row.DeletedAt}
		if row.DeletedAt == nil {
			plain, err := s.decrypt(row.ContentEncrypted)
			if err != nil {
				log.Warn("Failed to decrypt pending memory content", "id", row.ID, "err", err)
			} else {
				pm.Content = string(plain)
			}
			var meta map[string]interface{}
			if err := json.Unmarshal([]byte(row.MetadataIndex), &meta); err == nil {
				pm.Metadata = meta
			}
		}
		out = append(out, pm)
	}
	return out, nil
}

// MarkIndexed records that a row's CMI state is now consistent.
func (s *Store) MarkIndexed(ctx context.Context, id uuid.UUID, indexedAt time.Time) error {
	return s.db.WithContext(ctx).Exec(
		"UPDATE memories SET indexed_at = ? WHERE id = ?", indexedAt, id,
	).Error
}

// ListActiveIDs returns all active ids for reconciliation's orphan scan.
func (s *Store) ListActiveIDs(ctx context.Context, tenantID string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Table("memories").
		Where("tenant_id = ? AND module_id = ? AND deleted_at IS NULL", tenantID, s.moduleID).
		Pluck("id", &ids).Error
	return ids, err
}

// PurgeTombstones hard-deletes soft-deleted rows (and their embeddings)
// past their tombstone retention cutoff, mirroring the teacher's
// HardDeleteConversationGroups.
func (s *Store) PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	var ids []uuid.UUID
	if err := s.db.WithContext(ctx).Table("memories").
		Where("module_id = ? AND deleted_at IS NOT NULL AND deleted_at < ?", s.moduleID, cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("find tombstoned rows: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := s.db.WithContext(ctx).Exec(
		"DELETE FROM memory_embeddings WHERE memory_id IN ?", ids,
	).Error; err != nil {
		return 0, fmt.Errorf("purge embeddings: %w", err)
	}
	result := s.db.WithContext(ctx).Exec("DELETE FROM memories WHERE id IN ?", ids)
	if result.Error != nil {
		return 0, fmt.Errorf("purge memories: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) rowToItem(row memoryRow) (*module.MemoryItem, error) {
	content, err := s.decrypt(row.ContentEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt content: %w", err)
	}
	var meta map[string]interface{}
	if len(row.MetadataIndex) > 0 {
		if err := json.Unmarshal([]byte(row.MetadataIndex), &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &module.MemoryItem{
		ID:           row.ID,
		TenantID:     row.TenantID,
		Content:      string(content),
		Metadata:     meta,
		AccessCount:  row.AccessCount,
		LastAccessAt: row.LastAccessAt,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// buildSQLFilter builds a WHERE clause over the metadata_index jsonb column,
// the same shape as the teacher's buildSQLFilter over policy_attributes.
func buildSQLFilter(filter map[string]interface{}) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}
	for key, val := range filter {
		safeKey := strings.ReplaceAll(key, "'", "''")
		switch v := val.(type) {
		case map[string]interface{}:
			for op, rhs := range v {
				var sqlOp string
				switch op {
				case "gt":
					sqlOp = ">"
				case "gte":
					sqlOp = ">="
				case "lt":
					sqlOp = "<"
				case "lte":
					sqlOp = "<="
				default:
					continue
				}
				args = append(args, rhs)
				clauses = append(clauses, fmt.Sprintf("(metadata_index->>'%s')::numeric %s ?", safeKey, sqlOp))
			}
		default:
			args = append(args, jsonScalarStr(v))
			clauses = append(clauses, fmt.Sprintf("metadata_index->>'%s' = ?", safeKey))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

func jsonScalarStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return strings.Trim(string(b), `"`)
	}
}

func timeNow() time.Time { return time.Now().UTC() }
