package reconcile_test

import (
	"context"
	"testing"
	"time"

	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/4xguy/federated-memory-sub004/internal/service/reconcile"
	"github.com/4xguy/federated-memory-sub004/internal/testutil/servicefakes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	servicefakes.Register(&servicefakes.ModuleDef{IDValue: "recon-technical", TaxonomyV: map[string][]string{
		"infra": {"server"},
	}})
}

func TestTriggerIndexesPendingRows(t *testing.T) {
	store := servicefakes.NewStore()
	stores := map[string]registrymodule.Store{"recon-technical": store}
	index := servicefakes.NewCMIIndex()
	routing := servicefakes.NewEmbedder(8)
	full := servicefakes.NewEmbedder(16)
	cmiSvc := cmi.NewService(index, routing, full, nil, time.Minute, stores)

	ctx := context.Background()
	_, err := store.Store(ctx, registrymodule.StoreRequest{TenantID: "tenant-1", Content: "deploy the server", Metadata: map[string]interface{}{}})
	require.NoError(t, err)

	svc := reconcile.New(cmiSvc, time.Hour, 0)
	stats, err := svc.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 0, stats.Failures)

	entries, err := cmiSvc.ListByModule(ctx, "recon-technical")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// A second trigger should find nothing left pending.
	stats, err = svc.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestTriggerPurgesOrphanedCMIRows(t *testing.T) {
	store := servicefakes.NewStore()
	stores := map[string]registrymodule.Store{"recon-technical": store}
	index := servicefakes.NewCMIIndex()
	routing := servicefakes.NewEmbedder(8)
	full := servicefakes.NewEmbedder(16)
	cmiSvc := cmi.NewService(index, routing, full, nil, time.Minute, stores)
	ctx := context.Background()

	item, err := store.Store(ctx, registrymodule.StoreRequest{TenantID: "tenant-1", Content: "deploy the server", Metadata: map[string]interface{}{}})
	require.NoError(t, err)
	require.NoError(t, cmiSvc.IndexMemory(ctx, "tenant-1", "recon-technical", item))

	// Simulate the module row being hard-deleted without ever going through
	// the write pipeline's CMI-then-module delete ordering.
	_, err = store.Delete(ctx, "tenant-1", item.ID)
	require.NoError(t, err)

	svc := reconcile.New(cmiSvc, time.Hour, 0)
	stats, err := svc.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OrphansPurged)

	entries, err := cmiSvc.ListByModule(ctx, "recon-technical")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartStopsOnContextCancellation(t *testing.T) {
	stores := map[string]registrymodule.Store{"recon-technical": servicefakes.NewStore()}
	index := servicefakes.NewCMIIndex()
	routing := servicefakes.NewEmbedder(8)
	full := servicefakes.NewEmbedder(16)
	cmiSvc := cmi.NewService(index, routing, full, nil, time.Minute, stores)

	svc := reconcile.New(cmiSvc, 5*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
