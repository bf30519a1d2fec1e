package cmi_test

import (
	"context"
	"testing"
	"time"

	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/4xguy/federated-memory-sub004/internal/testutil/servicefakes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	servicefakes.Register(
		&servicefakes.ModuleDef{IDValue: "technical", TaxonomyV: map[string][]string{
			"infra": {"server", "deploy", "kubernetes"},
		}},
		&servicefakes.ModuleDef{IDValue: "personal", TaxonomyV: map[string][]string{
			"family": {"birthday", "anniversary"},
		}},
	)
}

func newService(t *testing.T, stores map[string]registrymodule.Store) (*cmi.Service, *servicefakes.CMIIndex) {
	t.Helper()
	index := servicefakes.NewCMIIndex()
	routing := servicefakes.NewEmbedder(8)
	full := servicefakes.NewEmbedder(16)
	svc := cmi.NewService(index, routing, full, nil, time.Minute, stores)
	return svc, index
}

func TestDetermineModuleByKeyword(t *testing.T) {
	stores := map[string]registrymodule.Store{
		"technical": servicefakes.NewStore(),
		"personal":  servicefakes.NewStore(),
	}
	svc, _ := newService(t, stores)

	moduleID, keywords := svc.DetermineModule("tenant-1", "we need to deploy the new server to kubernetes")
	assert.Equal(t, "technical", moduleID)
	assert.NotEmpty(t, keywords)
}

func TestDetermineModuleFallsBackToPersonal(t *testing.T) {
	stores := map[string]registrymodule.Store{
		"technical": servicefakes.NewStore(),
		"personal":  servicefakes.NewStore(),
	}
	svc, _ := newService(t, stores)

	moduleID, keywords := svc.DetermineModule("tenant-1", "nothing matches any taxonomy here")
	assert.Equal(t, "personal", moduleID)
	assert.Empty(t, keywords)
}

func TestDetermineModuleTieBreaksByRecency(t *testing.T) {
	tied := map[string][]string{"shared": {"widget"}}
	servicefakes.Register(
		&servicefakes.ModuleDef{IDValue: "work-tie-a", TaxonomyV: tied},
		&servicefakes.ModuleDef{IDValue: "work-tie-b", TaxonomyV: tied},
	)
	stores := map[string]registrymodule.Store{
		"work-tie-a": servicefakes.NewStore(),
		"work-tie-b": servicefakes.NewStore(),
	}
	svc, _ := newService(t, stores)

	ctx := context.Background()
	item := &registrymodule.MemoryItem{ID: uuid.New(), Content: "widget", Metadata: map[string]interface{}{}}
	require.NoError(t, svc.IndexMemory(ctx, "tenant-2", "work-tie-b", item))

	moduleID, _ := svc.DetermineModule("tenant-2", "a widget appeared")
	assert.Equal(t, "work-tie-b", moduleID, "module with the most recent write should win the tie")
}

func TestIndexAndDeindexMemory(t *testing.T) {
	stores := map[string]registrymodule.Store{"technical": servicefakes.NewStore()}
	svc, index := newService(t, stores)
	ctx := context.Background()

	item := &registrymodule.MemoryItem{ID: uuid.New(), Content: "deploy server to kubernetes", Metadata: map[string]interface{}{}}
	require.NoError(t, svc.IndexMemory(ctx, "tenant-1", "technical", item))

	entries, err := svc.ListByModule(ctx, "technical")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, item.ID, entries[0].RemoteMemoryID)

	require.NoError(t, svc.DeindexMemory(ctx, "technical", item.ID))
	entries, err = svc.ListByModule(ctx, "technical")
	require.NoError(t, err)
	assert.Empty(t, entries)
	_ = index
}

func TestRouteQueryUsesKeywordFallback(t *testing.T) {
	stores := map[string]registrymodule.Store{
		"technical": servicefakes.NewStore(),
		"personal":  servicefakes.NewStore(),
	}
	svc, _ := newService(t, stores)

	decision, err := svc.RouteQuery(context.Background(), "tenant-1", "please deploy the kubernetes cluster")
	require.NoError(t, err)
	require.NotEmpty(t, decision.Modules)
	assert.Equal(t, "technical", decision.Modules[0].ModuleID)
}

func TestSearchMemoriesDedupesAndRanks(t *testing.T) {
	stores := map[string]registrymodule.Store{
		"technical": servicefakes.NewStore(),
	}
	svc, _ := newService(t, stores)
	ctx := context.Background()

	store := stores["technical"].(*servicefakes.Store)
	_, err := store.Store(ctx, registrymodule.StoreRequest{TenantID: "tenant-1", Content: "deploy server now", Metadata: map[string]interface{}{"importance": 0.9}})
	require.NoError(t, err)

	results, err := svc.SearchMemories(ctx, "tenant-1", "deploy to kubernetes", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "technical", results[0].ModuleID)
}

func TestCreateAndGetRelationship(t *testing.T) {
	stores := map[string]registrymodule.Store{"technical": servicefakes.NewStore()}
	svc, _ := newService(t, stores)
	ctx := context.Background()

	fromID, toID := uuid.New(), uuid.New()
	rel, err := svc.CreateRelationship(ctx, registryvector.Relationship{
		TenantID:     "tenant-1",
		FromModuleID: "technical",
		FromMemoryID: fromID,
		ToModuleID:   "technical",
		ToMemoryID:   toID,
		Kind:         "relates_to",
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, rel.ID)

	related, err := svc.GetRelatedMemories(ctx, "tenant-1", "technical", fromID)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, toID, related[0].ToMemoryID)
}
