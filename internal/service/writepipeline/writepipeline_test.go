package writepipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	registrynotify "github.com/4xguy/federated-memory-sub004/internal/registry/notify"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/4xguy/federated-memory-sub004/internal/service/writepipeline"
	"github.com/4xguy/federated-memory-sub004/internal/testutil/servicefakes"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	servicefakes.Register(&servicefakes.ModuleDef{IDValue: "wp-technical", TaxonomyV: map[string][]string{
		"infra": {"server", "deploy"},
	}})
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []registrynotify.Event
}

func (f *fakeNotifier) Notify(ctx context.Context, tenantID string, event registrynotify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newPipeline(t *testing.T, store registrymodule.Store) (*writepipeline.Pipeline, *fakeNotifier) {
	t.Helper()
	stores := map[string]registrymodule.Store{"wp-technical": store}
	index := servicefakes.NewCMIIndex()
	routing := servicefakes.NewEmbedder(8)
	full := servicefakes.NewEmbedder(16)
	cmiSvc := cmi.NewService(index, routing, full, nil, time.Minute, stores)
	notifier := &fakeNotifier{}
	pipeline := writepipeline.New(cmiSvc, full, notifier, 3, time.Millisecond, 50*time.Millisecond)
	return pipeline, notifier
}

func TestStoreDeterminesModuleAndIndexes(t *testing.T) {
	store := servicefakes.NewStore()
	pipeline, notifier := newPipeline(t, store)

	item, err := pipeline.Store(context.Background(), "tenant-1", "", "we need to deploy the server", nil)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Contains(t, item.Metadata, "importance")

	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStoreRejectsUnknownModule(t *testing.T) {
	store := servicefakes.NewStore()
	pipeline, _ := newPipeline(t, store)

	_, err := pipeline.Store(context.Background(), "tenant-1", "no-such-module", "content", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.Invalid, apperr.KindOf(err))
}

func TestGetReturnsNotFoundForMissingMemory(t *testing.T) {
	store := servicefakes.NewStore()
	pipeline, _ := newPipeline(t, store)

	_, err := pipeline.Get(context.Background(), "tenant-1", "wp-technical", uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestUpdateReembedsOnContentChange(t *testing.T) {
	store := servicefakes.NewStore()
	pipeline, _ := newPipeline(t, store)
	ctx := context.Background()

	item, err := pipeline.Store(ctx, "tenant-1", "wp-technical", "original content", nil)
	require.NoError(t, err)

	newContent := "updated content about deploying"
	updated, err := pipeline.Update(ctx, "tenant-1", "wp-technical", item.ID, &newContent, nil)
	require.NoError(t, err)
	assert.Equal(t, newContent, updated.Content)
}

func TestUpdateReturnsNotFoundForMissingMemory(t *testing.T) {
	store := servicefakes.NewStore()
	pipeline, _ := newPipeline(t, store)

	content := "new content"
	_, err := pipeline.Update(context.Background(), "tenant-1", "wp-technical", uuid.New(), &content, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDeleteRemovesCMIThenModuleRow(t *testing.T) {
	store := servicefakes.NewStore()
	pipeline, notifier := newPipeline(t, store)
	ctx := context.Background()

	item, err := pipeline.Store(ctx, "tenant-1", "wp-technical", "deploy the server", nil)
	require.NoError(t, err)

	require.NoError(t, pipeline.Delete(ctx, "tenant-1", "wp-technical", item.ID))

	_, err = pipeline.Get(ctx, "tenant-1", "wp-technical", item.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	require.Eventually(t, func() bool { return notifier.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStoreSucceedsWithRetryConfigured(t *testing.T) {
	store := servicefakes.NewStore()
	stores := map[string]registrymodule.Store{"wp-technical": store}
	index := servicefakes.NewCMIIndex()
	routing := servicefakes.NewEmbedder(8)
	full := servicefakes.NewEmbedder(16)
	cmiSvc := cmi.NewService(index, routing, full, nil, time.Minute, stores)
	pipeline := writepipeline.New(cmiSvc, full, nil, 5, time.Millisecond, 100*time.Millisecond)

	// The full embedder failing on the module write itself is not retried
	// by the pipeline (that failure surfaces immediately); this test
	// exercises the successful, non-erroring path end to end instead since
	// withRetry is unexported and only reachable through the CMI-index step.
	item, err := pipeline.Store(context.Background(), "tenant-1", "wp-technical", "deploy the server", nil)
	require.NoError(t, err)
	require.NotNil(t, item)
}

func TestStoreSurfacesEmbeddingUnavailable(t *testing.T) {
	store := servicefakes.NewStore()
	stores := map[string]registrymodule.Store{"wp-technical": store}
	index := servicefakes.NewCMIIndex()
	routing := servicefakes.NewEmbedder(8)
	full := servicefakes.NewEmbedder(16)
	full.Err = errors.New("embedding provider down")
	cmiSvc := cmi.NewService(index, routing, full, nil, time.Minute, stores)
	pipeline := writepipeline.New(cmiSvc, full, nil, 1, time.Millisecond, time.Millisecond)

	_, err := pipeline.Store(context.Background(), "tenant-1", "wp-technical", "deploy the server", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.EmbeddingUnavailable, apperr.KindOf(err))
}
