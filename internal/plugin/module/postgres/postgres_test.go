package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/config"
	_ "github.com/4xguy/federated-memory-sub004/internal/plugin/module/postgres"
	registrymigrate "github.com/4xguy/federated-memory-sub004/internal/registry/migrate"
	"github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/testutil/testpg"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, moduleID string) (module.Store, context.Context) {
	t.Helper()

	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	cfg.EncryptionDBDisabled = true
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := module.Select("postgres")
	require.NoError(t, err)

	store, err := loader(ctx, moduleID)
	require.NoError(t, err)
	return store, ctx
}

func TestStoreAndGet(t *testing.T) {
	store, ctx := setupTestStore(t, "technical")

	item, err := store.Store(ctx, module.StoreRequest{
		TenantID:  "tenantA",
		Content:   "function foo() { return 1 }",
		Metadata:  map[string]interface{}{"type": "technical", "categories": []string{"code"}},
		Embedding: unitVector(dFull),
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, item.ID)

	got, err := store.Get(ctx, "tenantA", item.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "function foo() { return 1 }", got.Content)
	assert.EqualValues(t, 1, got.AccessCount)

	// A second tenant must never see the first tenant's row.
	missing, err := store.Get(ctx, "tenantB", item.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateReembeds(t *testing.T) {
	store, ctx := setupTestStore(t, "personal")

	item, err := store.Store(ctx, module.StoreRequest{
		TenantID:  "tenantA",
		Content:   "Had a meeting with John at 3pm",
		Metadata:  map[string]interface{}{"type": "personal"},
		Embedding: unitVector(dFull),
	})
	require.NoError(t, err)

	newContent := "Rescheduled meeting with John to Friday"
	ok, err := store.Update(ctx, "tenantA", item.ID, module.UpdateRequest{
		Content:   &newContent,
		Embedding: reverseUnitVector(dFull),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "tenantA", item.ID)
	require.NoError(t, err)
	assert.Equal(t, newContent, got.Content)
}

func TestDeleteThenGetNotFound(t *testing.T) {
	store, ctx := setupTestStore(t, "work")

	item, err := store.Store(ctx, module.StoreRequest{
		TenantID:  "tenantA",
		Content:   "quarterly plan",
		Metadata:  map[string]interface{}{"type": "work"},
		Embedding: unitVector(dFull),
	})
	require.NoError(t, err)

	ok, err := store.Delete(ctx, "tenantA", item.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "tenantA", item.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSearchByMetadataExactMatch(t *testing.T) {
	store, ctx := setupTestStore(t, "work")

	_, err := store.Store(ctx, module.StoreRequest{
		TenantID:  "tenantA",
		Content:   "Project Atlas kickoff",
		Metadata:  map[string]interface{}{"type": "project", "id": "proj-1"},
		Embedding: unitVector(dFull),
	})
	require.NoError(t, err)
	_, err = store.Store(ctx, module.StoreRequest{
		TenantID:  "tenantA",
		Content:   "Project Orion kickoff",
		Metadata:  map[string]interface{}{"type": "project", "id": "proj-2"},
		Embedding: unitVector(dFull),
	})
	require.NoError(t, err)

	rows, err := store.SearchByMetadata(ctx, "tenantA", map[string]interface{}{"type": "project", "id": "proj-1"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Project Atlas kickoff", rows[0].Content)
}

func TestFindPendingIndexingAndMarkIndexed(t *testing.T) {
	store, ctx := setupTestStore(t, "learning")

	item, err := store.Store(ctx, module.StoreRequest{
		TenantID:  "tenantA",
		Content:   "studied Go generics",
		Metadata:  map[string]interface{}{"type": "learning"},
		Embedding: unitVector(dFull),
	})
	require.NoError(t, err)

	pending, err := store.FindPendingIndexing(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	var found bool
	for _, p := range pending {
		if p.ID == item.ID {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, store.MarkIndexed(ctx, item.ID, time.Now().UTC()))

	pending, err = store.FindPendingIndexing(ctx, 10)
	require.NoError(t, err)
	for _, p := range pending {
		assert.NotEqual(t, item.ID, p.ID)
	}
}

const dFull = 1536

func unitVector(n int) []float32 {
	v := make([]float32, n)
	v[0] = 1
	return v
}

func reverseUnitVector(n int) []float32 {
	v := make([]float32, n)
	v[n-1] = 1
	return v
}
