package service_test

import (
	"context"
	"testing"
	"time"

	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/service"
	"github.com/4xguy/federated-memory-sub004/internal/testutil/servicefakes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictionServicePurgesEachModuleOnTick(t *testing.T) {
	storeA := servicefakes.NewStore()
	storeA.PurgeResult = 3
	storeB := servicefakes.NewStore()
	storeB.PurgeResult = 5

	stores := map[string]registrymodule.Store{"technical": storeA, "personal": storeB}
	svc := service.NewEvictionService(stores, 10*time.Millisecond, 24*time.Hour, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return storeA.PurgeCalls > 0 && storeB.PurgeCalls > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestEvictionServiceUsesRetentionCutoff(t *testing.T) {
	store := servicefakes.NewStore()
	retention := 48 * time.Hour
	stores := map[string]registrymodule.Store{"technical": store}
	svc := service.NewEvictionService(stores, 10*time.Millisecond, retention, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	require.Eventually(t, func() bool {
		return store.PurgeCalls > 0
	}, time.Second, 5*time.Millisecond)

	cutoff := store.PurgeCutoffs[0]
	expected := time.Now().Add(-retention)
	assert.WithinDuration(t, expected, cutoff, 2*time.Second)
}
