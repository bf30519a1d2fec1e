// Package cmi implements the Central Memory Index (spec.md §4.2): module
// routing, federated search across modules, and the CMI-owned relationship
// graph. Grounded on the teacher's registry/module namespace+event-timeline
// shape generalized to a cross-module router instead of a single-store
// lookup; the routing cache and similarity ranking reuse the same
// cosine-over-embeddings pattern as internal/plugin/vector/pgvector.
package cmi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/apperr"
	"github.com/4xguy/federated-memory-sub004/internal/model"
	registrycache "github.com/4xguy/federated-memory-sub004/internal/registry/cache"
	registryembed "github.com/4xguy/federated-memory-sub004/internal/registry/embed"
	registrymodule "github.com/4xguy/federated-memory-sub004/internal/registry/module"
	"github.com/4xguy/federated-memory-sub004/internal/registry/moduledef"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/google/uuid"
)

const (
	routingConfidenceThreshold = 0.7
	routingTopK                = 3
	defaultFallbackModule      = "personal"
)

// SearchResult pairs a federated-search hit with the module that owns it.
type SearchResult struct {
	ModuleID string             `json:"moduleId"`
	Item     registrymodule.MemoryItem `json:"item"`
}

// Service is the Central Memory Index: module routing, federated search,
// and the relationship graph. One Service instance is shared by every
// request; module stores and the vector index are injected at startup.
type Service struct {
	index           registryvector.CMIIndex
	routingEmbedder registryembed.Embedder
	fullEmbedder    registryembed.Embedder
	cache           registrycache.RoutingCache
	cacheTTL        time.Duration
	stores          map[string]registrymodule.Store
	defs            map[string]moduledef.Definition

	mu        sync.Mutex
	lastWrite map[string]map[string]time.Time // tenantID -> moduleID -> last successful write
}

// NewService wires the CMI against the selected vector index, the routing
// and full embedders, the routing cache, and one module.Store per enabled
// module (keyed by module ID).
func NewService(index registryvector.CMIIndex, routingEmbedder, fullEmbedder registryembed.Embedder, cache registrycache.RoutingCache, cacheTTL time.Duration, stores map[string]registrymodule.Store) *Service {
	defs := make(map[string]moduledef.Definition, len(stores))
	for _, d := range moduledef.All() {
		defs[d.ID()] = d
	}
	return &Service{
		index:           index,
		routingEmbedder: routingEmbedder,
		fullEmbedder:    fullEmbedder,
		cache:           cache,
		cacheTTL:        cacheTTL,
		stores:          stores,
		defs:            defs,
		lastWrite:       make(map[string]map[string]time.Time),
	}
}

// Store returns the module.Store for moduleID, or nil if the module is not enabled.
func (s *Service) Store(moduleID string) registrymodule.Store { return s.stores[moduleID] }

// ModuleIDs returns every enabled module's ID.
func (s *Service) ModuleIDs() []string {
	out := make([]string, 0, len(s.stores))
	for id := range s.stores {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DetermineModule runs the keyword-voting classifier described in spec.md
// §4.1 across every enabled module's taxonomy, returning the winning module
// ID and the keywords that matched within it. Ties are broken by the
// recency of the tenant's last successful write to each tied module
// (SPEC_FULL.md Open Question resolution); when no tied module has a prior
// write by the tenant, the first tied module in sorted ID order wins.
func (s *Service) DetermineModule(tenantID, content string) (string, []string) {
	lower := strings.ToLower(content)

	type candidate struct {
		id       string
		score    int
		keywords []string
	}
	var best []candidate
	bestScore := 0

	ids := s.ModuleIDs()
	for _, id := range ids {
		def, ok := s.defs[id]
		if !ok {
			continue
		}
		score := 0
		var matched []string
		for _, keywords := range def.Taxonomy() {
			for _, kw := range keywords {
				if c := strings.Count(lower, strings.ToLower(kw)); c > 0 {
					score += c
					matched = append(matched, kw)
				}
			}
		}
		switch {
		case score > bestScore:
			bestScore = score
			best = []candidate{{id, score, matched}}
		case score == bestScore && score > 0:
			best = append(best, candidate{id, score, matched})
		}
	}

	if len(best) == 0 {
		if _, ok := s.stores[defaultFallbackModule]; ok {
			return defaultFallbackModule, nil
		}
		if len(ids) > 0 {
			return ids[0], nil
		}
		return defaultFallbackModule, nil
	}
	if len(best) == 1 {
		return best[0].id, best[0].keywords
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byModule := s.lastWrite[tenantID]
	winner := best[0]
	var winnerTime time.Time
	if byModule != nil {
		winnerTime = byModule[winner.id]
	}
	for _, c := range best[1:] {
		var t time.Time
		if byModule != nil {
			t = byModule[c.id]
		}
		if t.After(winnerTime) {
			winner, winnerTime = c, t
		}
	}
	return winner.id, winner.keywords
}

func (s *Service) recordWrite(tenantID, moduleID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastWrite[tenantID] == nil {
		s.lastWrite[tenantID] = make(map[string]time.Time)
	}
	s.lastWrite[tenantID][moduleID] = at
}

// IndexMemory upserts the CMI row (+ routing embedding) for one memory,
// deriving title/summary/keywords/categories from its processed metadata.
// This is the storage half of the write pipeline's indexMemory step
// (spec.md §4.3).
func (s *Service) IndexMemory(ctx context.Context, tenantID, moduleID string, item *registrymodule.MemoryItem) error {
	routingVecs, err := s.routingEmbedder.EmbedTexts(ctx, []string{item.Content})
	if err != nil {
		return apperr.Of(apperr.EmbeddingUnavailable, "routing_embedding", "embed routing vector", err)
	}
	var routingVec []float32
	if len(routingVecs) > 0 {
		routingVec = routingVecs[0]
	}

	title := firstN(item.Content, 80)
	summary := firstN(item.Content, 240)
	var categories []string
	if c, ok := item.Metadata["category"].(string); ok && c != "" {
		categories = append(categories, c)
	}
	keywords := extractKeywords(item.Metadata)
	importance := floatFromMetadata(item.Metadata, "importance")

	if _, err := s.index.Upsert(ctx, registryvector.UpsertEntry{
		TenantID:         tenantID,
		ModuleID:         moduleID,
		RemoteMemoryID:   item.ID,
		Title:            title,
		Summary:          summary,
		Keywords:         keywords,
		Categories:       categories,
		Importance:       importance,
		RoutingEmbedding: routingVec,
	}); err != nil {
		return apperr.Of(apperr.StoreUnavailable, "cmi_index", "upsert cmi entry", err)
	}

	s.recordWrite(tenantID, moduleID, time.Now())
	return nil
}

// DeindexMemory removes a CMI row and any relationships touching it. Called
// before the owning module row is deleted (spec.md §4.5's CMI-then-module
// delete ordering).
func (s *Service) DeindexMemory(ctx context.Context, moduleID string, memoryID uuid.UUID) error {
	if err := s.index.DeleteRelationshipsFor(ctx, moduleID, memoryID); err != nil {
		return apperr.Of(apperr.StoreUnavailable, "memory_relationships", "delete relationships", err)
	}
	if err := s.index.Delete(ctx, moduleID, memoryID); err != nil {
		return apperr.Of(apperr.StoreUnavailable, "cmi_index", "delete cmi entry", err)
	}
	return nil
}

// RouteQuery returns the ordered module shortlist for queryText, serving a
// cached decision when one exists within the 5-minute TTL (spec.md §4.2).
func (s *Service) RouteQuery(ctx context.Context, tenantID, queryText string) (*model.RoutingDecision, error) {
	cacheKey := routeCacheKey(tenantID, queryText)
	if s.cache != nil && s.cache.Available() {
		if raw, found, err := s.cache.Get(ctx, cacheKey); err == nil && found {
			var decision model.RoutingDecision
			if err := json.Unmarshal(raw, &decision); err == nil {
				return &decision, nil
			}
		}
	}

	decision, err := s.computeRoutingDecision(ctx, tenantID, queryText)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.cache.Available() {
		if raw, err := json.Marshal(decision); err == nil {
			if err := s.cache.Set(ctx, cacheKey, raw, s.cacheTTL); err != nil {
				log.Warn("cmi: routing cache write failed", "err", err)
			}
		}
	}
	return decision, nil
}

func (s *Service) computeRoutingDecision(ctx context.Context, tenantID, queryText string) (*model.RoutingDecision, error) {
	vecs, err := s.routingEmbedder.EmbedTexts(ctx, []string{queryText})
	if err != nil {
		return nil, apperr.Of(apperr.EmbeddingUnavailable, "routing_embedding", "embed query", err)
	}
	var vec []float32
	if len(vecs) > 0 {
		vec = vecs[0]
	}

	results, err := s.index.SearchByRouting(ctx, tenantID, vec, 20)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, "cmi_index", "search by routing", err)
	}

	// mean cosine per module.
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, r := range results {
		sums[r.Entry.ModuleID] += r.Score
		counts[r.Entry.ModuleID]++
	}

	votes := map[string]*model.ModuleVote{}
	for moduleID, sum := range sums {
		confidence := sum / float64(counts[moduleID])
		if confidence >= routingConfidenceThreshold {
			votes[moduleID] = &model.ModuleVote{ModuleID: moduleID, Confidence: confidence}
		}
	}

	// keyword substring fallback: a module whose taxonomy matches the query
	// text verbatim is included even below the cosine threshold.
	lower := strings.ToLower(queryText)
	for id, def := range s.defs {
		if _, ok := s.stores[id]; !ok {
			continue
		}
		var matched []string
		for _, keywords := range def.Taxonomy() {
			for _, kw := range keywords {
				if strings.Contains(lower, strings.ToLower(kw)) {
					matched = append(matched, kw)
				}
			}
		}
		if len(matched) == 0 {
			continue
		}
		if v, ok := votes[id]; ok {
			v.MatchedKeywords = matched
			continue
		}
		votes[id] = &model.ModuleVote{ModuleID: id, Confidence: 1, MatchedKeywords: matched}
	}

	out := make([]model.ModuleVote, 0, len(votes))
	for _, v := range votes {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if len(out) > routingTopK {
		out = out[:routingTopK]
	}
	return &model.RoutingDecision{Modules: out}, nil
}

// SearchMemories performs the federated search described in spec.md §4.2:
// routeQuery narrows the candidate modules, then each candidate is searched
// in parallel by full-embedding similarity, with results ranked by
// similarity x importance and deduplicated by (moduleId, memoryId).
func (s *Service) SearchMemories(ctx context.Context, tenantID, queryText string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}

	decision, err := s.RouteQuery(ctx, tenantID, queryText)
	if err != nil {
		return nil, err
	}
	if len(decision.Modules) == 0 {
		return nil, nil
	}

	fullVecs, err := s.fullEmbedder.EmbedTexts(ctx, []string{queryText})
	if err != nil {
		return nil, apperr.Of(apperr.EmbeddingUnavailable, "full_embedding", "embed query", err)
	}
	var queryVec []float32
	if len(fullVecs) > 0 {
		queryVec = fullVecs[0]
	}

	type hit struct {
		moduleID string
		item     registrymodule.MemoryItem
	}
	var (
		mu      sync.Mutex
		hits    []hit
		wg      sync.WaitGroup
	)
	for _, vote := range decision.Modules {
		store, ok := s.stores[vote.ModuleID]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(moduleID string, store registrymodule.Store) {
			defer wg.Done()
			items, err := store.SearchByEmbedding(ctx, tenantID, queryVec, registrymodule.SearchOptions{Limit: limit})
			if err != nil {
				log.Warn("cmi: module search failed", "module", moduleID, "err", err)
				return
			}
			mu.Lock()
			for _, it := range items {
				hits = append(hits, hit{moduleID: moduleID, item: it})
			}
			mu.Unlock()
		}(vote.ModuleID, store)
	}
	wg.Wait()

	seen := make(map[string]bool, len(hits))
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		key := h.moduleID + ":" + h.item.ID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, SearchResult{ModuleID: h.moduleID, Item: h.item})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return rankBefore(out[i], out[j])
	})
	if len(out) > limit {
		out = out[:limit]
	}

	for _, r := range out {
		go func(moduleID string, id uuid.UUID) {
			if err := s.index.Touch(context.Background(), moduleID, id); err != nil {
				log.Warn("cmi: touch failed", "module", moduleID, "err", err)
			}
		}(r.ModuleID, r.Item.ID)
	}

	return out, nil
}

func rankScore(item registrymodule.MemoryItem) float64 {
	score := 1.0
	if item.Score != nil {
		score = *item.Score
	}
	importance := rankImportance(item)
	return score * importance
}

func rankImportance(item registrymodule.MemoryItem) float64 {
	importance := floatFromMetadata(item.Metadata, "importance")
	if importance <= 0 {
		importance = 0.5
	}
	return importance
}

// rankBefore orders federated-search results deterministically (spec.md §8
// Ranking stability, §4.2 step 5): similarity x importance descending, then
// importance alone descending, then last-access recency descending, then
// (moduleId, memoryId) lexicographic ascending as the final, always-decisive
// tiebreak. Parallel module searches append hits in goroutine-scheduling
// order, so a non-total comparator would make equal-score rows flap between
// runs; every branch below must be total.
func rankBefore(a, b SearchResult) bool {
	as, bs := rankScore(a.Item), rankScore(b.Item)
	if as != bs {
		return as > bs
	}
	ai, bi := rankImportance(a.Item), rankImportance(b.Item)
	if ai != bi {
		return ai > bi
	}
	at, bt := lastAccessTime(a.Item), lastAccessTime(b.Item)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	if a.ModuleID != b.ModuleID {
		return a.ModuleID < b.ModuleID
	}
	return a.Item.ID.String() < b.Item.ID.String()
}

func lastAccessTime(item registrymodule.MemoryItem) time.Time {
	if item.LastAccessAt != nil {
		return *item.LastAccessAt
	}
	return time.Time{}
}

// CreateRelationship records a directed, typed edge between two memories.
// Rejects self-edges per spec.md §3 Memory Relationship invariant (a):
// source must not equal target.
func (s *Service) CreateRelationship(ctx context.Context, rel registryvector.Relationship) (*registryvector.Relationship, error) {
	if rel.FromModuleID == rel.ToModuleID && rel.FromMemoryID == rel.ToMemoryID {
		return nil, apperr.NewInvalid("toMemoryId", "relationship source and target must not be the same memory")
	}
	out, err := s.index.CreateRelationship(ctx, rel)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, "memory_relationships", "create relationship", err)
	}
	return out, nil
}

// GetRelatedMemories returns every relationship touching (moduleID, memoryID).
func (s *Service) GetRelatedMemories(ctx context.Context, tenantID, moduleID string, memoryID uuid.UUID) ([]registryvector.Relationship, error) {
	out, err := s.index.RelatedTo(ctx, tenantID, moduleID, memoryID)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, "memory_relationships", "related to", err)
	}
	return out, nil
}

// ListByModule returns every CMI row for one module, used by the
// reconciliation job's orphan scan.
func (s *Service) ListByModule(ctx context.Context, moduleID string) ([]registryvector.IndexEntry, error) {
	out, err := s.index.ListByModule(ctx, moduleID)
	if err != nil {
		return nil, apperr.Of(apperr.StoreUnavailable, "cmi_index_entries", "list by module", err)
	}
	return out, nil
}

func routeCacheKey(tenantID, queryText string) string {
	sum := sha256.Sum256([]byte(tenantID + "\x00" + strings.ToLower(strings.TrimSpace(queryText))))
	return "route:" + hex.EncodeToString(sum[:])
}

func extractKeywords(meta map[string]interface{}) []string {
	if meta == nil {
		return nil
	}
	ents, ok := meta["entities"]
	if !ok {
		return nil
	}
	m, ok := ents.(map[string]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, key := range []string{"participants", "projects"} {
		switch v := m[key].(type) {
		case []string:
			out = append(out, v...)
		case []interface{}:
			for _, e := range v {
				if s, ok := e.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func floatFromMetadata(meta map[string]interface{}, key string) float64 {
	v, ok := meta[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		return 0
	}
}

func firstN(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
