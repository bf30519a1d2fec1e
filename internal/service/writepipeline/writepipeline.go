// Package writepipeline implements the fork/join write path from spec.md
// §4.3/§4.5: module-determination -> processMetadata -> full embedding ->
// module store write -> CMI index write -> change notification, with
// bounded exponential backoff retries around the CMI step so a transient
// index failure does not fail the caller's write (the reconciliation job
// catches anything that still falls through). Grounded on the teacher's
// taskprocessor.go bounded-retry loop shape.
package writepipeline

import (
	"context"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	registryembed "github.com/4xguy/federated-memory-sub004/internal/registry/embed"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
	registrynotify "github.com/4xguy/federated-memory-sub004/internal/registry/notify"
	"github.com/4xguy/federated-memory-sub004/internal/service/cmi"
	"github.com/google/uuid"
)

// Notifier is the subset of the change-notification service the write
// pipeline depends on; internal/service/notifier.Service satisfies it.
type Notifier interface {
	Notify(ctx context.Context, tenantID string, event registrynotify.Event) error
}

// Pipeline orchestrates a memory write across a module store and the CMI.
type Pipeline struct {
	cmi          *cmi.Service
	fullEmbedder registryembed.Embedder
	notifier     Notifier

	retries int
	backoff time.Duration
	maxWait time.Duration
}

// New builds a Pipeline. retries/backoff/maxWait come from
// config.Config.WritePipelineRetries/Backoff/MaxWait.
func New(cmiSvc *cmi.Service, fullEmbedder registryembed.Embedder, notifier Notifier, retries int, backoff, maxWait time.Duration) *Pipeline {
	if retries <= 0 {
		retries = 5
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Pipeline{cmi: cmiSvc, fullEmbedder: fullEmbedder, notifier: notifier, retries: retries, backoff: backoff, maxWait: maxWait}
}

func (p *Pipeline) store(moduleID string) (registrymodule.Store, error) {
	s := p.cmi.Store(moduleID)
	if s == nil {
		return nil, apperr.NewInvalid("moduleId", "unknown or disabled module: "+moduleID)
	}
	return s, nil
}

// Store runs the full write pipeline: determine the module if the caller
// left it blank, compute processed metadata, embed, write the module row,
// index it in the CMI, and publish a change event.
func (p *Pipeline) Store(ctx context.Context, tenantID, moduleID, content string, userMetadata map[string]interface{}) (*registrymodule.MemoryItem, error) {
	if moduleID == "" {
		moduleID, _ = p.cmi.DetermineModule(tenantID, content)
	}
	store, err := p.store(moduleID)
	if err != nil {
		return nil, err
	}
	def, err := moduledef.Get(moduleID)
	if err != nil {
		return nil, apperr.Of(apperr.Invalid, "moduleId", "unknown module", err)
	}

	processed := def.ProcessMetadata(content, userMetadata)

	vecs, err := p.fullEmbedder.EmbedTexts(ctx, []string{content})
	if err != nil {
		return nil, apperr.Of(apperr.EmbeddingUnavailable, "full_embedding", "embed content", err)
	}
	var embedding []float32
	if len(vecs) > 0 {
		embedding = vecs[0]
	}

	item, err := store.Store(ctx, registrymodule.StoreRequest{
		TenantID:  tenantID,
		Content:   content,
		Metadata:  processed,
		Embedding: embedding,
	})
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, moduleID, "store memory", err)
	}

	if err := p.withRetry(ctx, func() error { return p.cmi.IndexMemory(ctx, tenantID, moduleID, item) }); err != nil {
		log.Warn("writepipeline: CMI index failed after retries, deferring to reconciliation", "module", moduleID, "memory", item.ID, "err", err)
	}

	p.notifyAsync(tenantID, registrynotify.Event{Type: "memory_created", ModuleID: moduleID, MemoryID: item.ID.String()})
	return item, nil
}

// Get retrieves one memory by id.
func (p *Pipeline) Get(ctx context.Context, tenantID, moduleID string, id uuid.UUID) (*registrymodule.MemoryItem, error) {
	store, err := p.store(moduleID)
	if err != nil {
		return nil, err
	}
	item, err := store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, moduleID, "get memory", err)
	}
	if item == nil {
		return nil, apperr.NewNotFound(moduleID, id.String())
	}
	return item, nil
}

// Update rewrites content and/or metadata, re-embedding and re-indexing
// when content changes, and always re-issuing the CMI upsert since metadata
// (and therefore title/summary/keywords/importance) may have changed too.
func (p *Pipeline) Update(ctx context.Context, tenantID, moduleID string, id uuid.UUID, content *string, metadata map[string]interface{}) (*registrymodule.MemoryItem, error) {
	store, err := p.store(moduleID)
	if err != nil {
		return nil, err
	}

	req := registrymodule.UpdateRequest{Content: content, Metadata: metadata}
	if content != nil {
		vecs, err := p.fullEmbedder.EmbedTexts(ctx, []string{*content})
		if err != nil {
			return nil, apperr.Of(apperr.EmbeddingUnavailable, "full_embedding", "embed content", err)
		}
		if len(vecs) > 0 {
			req.Embedding = vecs[0]
		}
	}

	ok, err := store.Update(ctx, tenantID, id, req)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, moduleID, "update memory", err)
	}
	if !ok {
		return nil, apperr.NewNotFound(moduleID, id.String())
	}

	item, err := store.Get(ctx, tenantID, id)
	if err != nil || item == nil {
		return nil, apperr.NewNotFound(moduleID, id.String())
	}

	if err := p.withRetry(ctx, func() error { return p.cmi.IndexMemory(ctx, tenantID, moduleID, item) }); err != nil {
		log.Warn("writepipeline: CMI reindex failed after retries, deferring to reconciliation", "module", moduleID, "memory", id, "err", err)
	}

	p.notifyAsync(tenantID, registrynotify.Event{Type: "memory_updated", ModuleID: moduleID, MemoryID: id.String()})
	return item, nil
}

// Delete removes a memory. The CMI row (and any relationships touching it)
// is deleted before the module row, per spec.md §4.5's CMI-then-module
// delete ordering — this way a crash mid-delete leaves, at worst, a
// module row with no CMI row, never a CMI row pointing at nothing. The
// reconciliation job does not repair such a row: it re-indexes only rows
// still flagged pending and purges only CMI rows whose module row is gone.
func (p *Pipeline) Delete(ctx context.Context, tenantID, moduleID string, id uuid.UUID) error {
	store, err := p.store(moduleID)
	if err != nil {
		return err
	}

	if err := p.withRetry(ctx, func() error { return p.cmi.DeindexMemory(ctx, moduleID, id) }); err != nil {
		return apperr.Of(apperr.StoreUnavailable, "cmi_index", "deindex memory", err)
	}

	ok, err := store.Delete(ctx, tenantID, id)
	if err != nil {
		return apperr.Of(apperr.StoreUnavailable, moduleID, "delete memory", err)
	}
	if !ok {
		return apperr.NewNotFound(moduleID, id.String())
	}

	p.notifyAsync(tenantID, registrynotify.Event{Type: "memory_deleted", ModuleID: moduleID, MemoryID: id.String()})
	return nil
}

// withRetry retries fn with bounded exponential backoff while its error
// classifies as apperr.Kind.Transient(), up to p.retries attempts or
// p.maxWait total elapsed, whichever comes first.
func (p *Pipeline) withRetry(ctx context.Context, fn func() error) error {
	var err error
	start := time.Now()
	for attempt := 0; attempt < p.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !apperr.KindOf(err).Transient() {
			return err
		}
		if time.Since(start) > p.maxWait {
			return err
		}
		wait := time.Duration(float64(p.backoff) * math.Pow(2, float64(attempt)))
		if wait > p.maxWait {
			wait = p.maxWait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (p *Pipeline) notifyAsync(tenantID string, event registrynotify.Event) {
	if p.notifier == nil {
		return
	}
	go func() {
		if err := p.notifier.Notify(context.Background(), tenantID, event); err != nil {
			log.Warn("writepipeline: notify failed", "tenant", tenantID, "event", event.Type, "err", err)
		}
	}()
}
