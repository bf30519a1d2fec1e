// Package qdrant implements registry/vector.CMIIndex on Qdrant, the
// alternative CMI index backend to pgvector — one routing collection and one
// relationship collection shared by all tenants, with every point carrying a
// tenant_id payload that queries filter on.
package qdrant

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/config"
	registrymigrate "github.com/4xguy/federated-memory-sub004/internal/registry/migrate"
	registryvector "github.com/4xguy/federated-memory-sub004/internal/registry/vector"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// relationshipVectorSize is a dummy dimension for the relationships
// collection: edges are filtered, never ranked by similarity.
const relationshipVectorSize = 2

// qdrantMigrator creates the CMI routing collection and the relationships
// collection on startup, mirroring the teacher's collection-bootstrap migrator.
type qdrantMigrator struct{}

func (m *qdrantMigrator) Name() string { return "qdrant-cmi" }
func (m *qdrantMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.VectorType != "qdrant" || !cfg.VectorMigrateAtStart {
		return nil
	}

	log.Info("Running migration", "name", m.Name())
	migrateCtx, cancel := context.WithTimeout(ctx, cfg.QdrantStartupTimeout)
	defer cancel()

	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("qdrant migrate: connect: %w", err)
	}
	defer conn.Close()

	client := pb.NewCollectionsClient(conn)
	if err := ensureCollection(migrateCtx, client, effectiveCollectionName(cfg), effectiveRoutingDimension(cfg)); err != nil {
		return err
	}
	if err := ensureCollection(migrateCtx, client, relationshipsCollectionName(cfg), relationshipVectorSize); err != nil {
		return err
	}
	return nil
}

func ensureCollection(ctx context.Context, client pb.CollectionsClient, name string, size uint64) error {
	if _, err := client.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name}); err == nil {
		return nil
	}
	_, err := client.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: size, Distance: pb.Distance_Cosine},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 newUint64(16),
			EfConstruct:       newUint64(64),
			FullScanThreshold: newUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant migrate: create collection %s: %w", name, err)
	}
	log.Info("Created Qdrant collection", "name", name)
	return nil
}

func init() {
	registryvector.Register(registryvector.Plugin{
		Name:   "qdrant",
		Loader: load,
	})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: &qdrantMigrator{}})
}

func load(ctx context.Context) (registryvector.CMIIndex, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("qdrant: missing config in context")
	}
	conn, err := grpc.NewClient(cfg.QdrantAddress(), dialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect: %w", err)
	}
	return &CMIIndexStore{
		points:            pb.NewPointsClient(conn),
		conn:              conn,
		collectionName:    effectiveCollectionName(cfg),
		relationshipsColl: relationshipsCollectionName(cfg),
	}, nil
}

// CMIIndexStore implements registryvector.CMIIndex on Qdrant. CMI entries
// live as points in collectionName, keyed by a deterministic UUID5 of
// (moduleID, remoteMemoryID); relationships live as filterable, non-ranked
// points in relationshipsColl.
type CMIIndexStore struct {
	points            pb.PointsClient
	conn              *grpc.ClientConn
	collectionName    string
	relationshipsColl string
}

func (s *CMIIndexStore) IsEnabled() bool { return true }
func (s *CMIIndexStore) Name() string    { return "qdrant" }

// cmiPointID derives a stable point ID from (moduleID, remoteMemoryID) so
// repeated Upserts of the same memory overwrite the same point.
func cmiPointID(moduleID string, remoteMemoryID uuid.UUID) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(moduleID+"/"+remoteMemoryID.String())).String()
}

func strValue(v string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}} }
func numValue(v float64) *pb.Value { return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: v}} }
func listValue(vs []string) *pb.Value {
	vals := make([]*pb.Value, len(vs))
	for i, v := range vs {
		vals[i] = strValue(v)
	}
	return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
}

func (s *CMIIndexStore) Upsert(ctx context.Context, entry registryvector.UpsertEntry) (*registryvector.IndexEntry, error) {
	pointID := cmiPointID(entry.ModuleID, entry.RemoteMemoryID)
	point := &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: entry.RoutingEmbedding}},
		},
		Payload: map[string]*pb.Value{
			"tenant_id":        strValue(entry.TenantID),
			"module_id":        strValue(entry.ModuleID),
			"remote_memory_id": strValue(entry.RemoteMemoryID.String()),
			"title":            strValue(entry.Title),
			"summary":          strValue(entry.Summary),
			"keywords":         listValue(entry.Keywords),
			"categories":       listValue(entry.Categories),
			"importance":       numValue(entry.Importance),
			"access_count":     numValue(0),
		},
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: s.collectionName, Points: []*pb.PointStruct{point}})
	if err != nil {
		return nil, fmt.Errorf("qdrant upsert: %w", err)
	}
	return &registryvector.IndexEntry{
		ID:             uuid.MustParse(pointID),
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

func (s *CMIIndexStore) Delete(ctx context.Context, moduleID string, remoteMemoryID uuid.UUID) error {
	pointID := cmiPointID(moduleID, remoteMemoryID)
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID}}}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant delete: %w", err)
	}
	return s.DeleteRelationshipsFor(ctx, moduleID, remoteMemoryID)
}

func matchKeyword(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func (s *CMIIndexStore) SearchByRouting(ctx context.Context, tenantID string, routingEmbedding []float32, limit int) ([]registryvector.SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collectionName,
		Vector:         routingEmbedding,
		Limit:          uint64(limit),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         &pb.Filter{Must: []*pb.Condition{matchKeyword("tenant_id", tenantID)}},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	var results []registryvector.SearchResult
	for _, pt := range resp.GetResult() {
		entry, ok := entryFromPayload(pt.GetId().GetUuid(), pt.GetPayload())
		if !ok {
			continue
		}
		results = append(results, registryvector.SearchResult{Entry: entry, Score: float64(pt.GetScore())})
	}
	return results, nil
}

func (s *CMIIndexStore) ListByModule(ctx context.Context, moduleID string) ([]registryvector.IndexEntry, error) {
	resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: s.collectionName,
		Filter:         &pb.Filter{Must: []*pb.Condition{matchKeyword("module_id", moduleID)}},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Limit:          newUint32(10000),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}
	var out []registryvector.IndexEntry
	for _, pt := range resp.GetResult() {
		entry, ok := entryFromPayload(pt.GetId().GetUuid(), pt.GetPayload())
		if !ok {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func entryFromPayload(pointID string, payload map[string]*pb.Value) (registryvector.IndexEntry, bool) {
	var e registryvector.IndexEntry
	if id, err := uuid.Parse(pointID); err == nil {
		e.ID = id
	}
	if v, ok := payload["tenant_id"]; ok {
		e.TenantID = v.GetStringValue()
	}
	if v, ok := payload["module_id"]; ok {
		e.ModuleID = v.GetStringValue()
	}
	if v, ok := payload["remote_memory_id"]; ok {
		id, err := uuid.Parse(v.GetStringValue())
		if err != nil {
			return e, false
		}
		e.RemoteMemoryID = id
	}
	if v, ok := payload["title"]; ok {
		e.Title = v.GetStringValue()
	}
	if v, ok := payload["summary"]; ok {
		e.Summary = v.GetStringValue()
	}
	if v, ok := payload["keywords"]; ok {
		for _, item := range v.GetListValue().GetValues() {
			e.Keywords = append(e.Keywords, item.GetStringValue())
		}
	}
	if v, ok := payload["categories"]; ok {
		for _, item := range v.GetListValue().GetValues() {
			e.Categories = append(e.Categories, item.GetStringValue())
		}
	}
	if v, ok := payload["importance"]; ok {
		e.Importance = v.GetDoubleValue()
	}
	if v, ok := payload["access_count"]; ok {
		e.AccessCount = int64(v.GetDoubleValue())
	}
	return e, true
}

func (s *CMIIndexStore) Touch(ctx context.Context, moduleID string, remoteMemoryID uuid.UUID) error {
	pointID := cmiPointID(moduleID, remoteMemoryID)
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collectionName,
		Ids:            []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID}}},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil || len(resp.GetResult()) == 0 {
		return fmt.Errorf("qdrant touch: point not found for %s/%s", moduleID, remoteMemoryID)
	}
	count := resp.GetResult()[0].GetPayload()["access_count"].GetDoubleValue()
	_, err = s.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: s.collectionName,
		Payload:        map[string]*pb.Value{"access_count": numValue(count + 1)},
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID}}}},
			},
		},
	})
	return err
}

// relationshipPointID derives a stable ID for one directed edge so repeated
// CreateRelationship calls for the same edge overwrite rather than duplicate.
func relationshipPointID(rel registryvector.Relationship) string {
	key := strings.Join([]string{
		rel.TenantID, rel.FromModuleID, rel.FromMemoryID.String(),
		rel.ToModuleID, rel.ToMemoryID.String(), rel.Kind,
	}, "/")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (s *CMIIndexStore) CreateRelationship(ctx context.Context, rel registryvector.Relationship) (*registryvector.Relationship, error) {
	if rel.FromModuleID == rel.ToModuleID && rel.FromMemoryID == rel.ToMemoryID {
		return nil, fmt.Errorf("qdrant create relationship: source and target must not be the same memory")
	}
	if rel.Strength == 0 {
		rel.Strength = 1
	}
	pointID := relationshipPointID(rel)
	point := &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: make([]float32, relationshipVectorSize)}},
		},
		Payload: map[string]*pb.Value{
			"tenant_id":      strValue(rel.TenantID),
			"from_module_id": strValue(rel.FromModuleID),
			"from_memory_id": strValue(rel.FromMemoryID.String()),
			"to_module_id":   strValue(rel.ToModuleID),
			"to_memory_id":   strValue(rel.ToMemoryID.String()),
			"kind":           strValue(rel.Kind),
			"strength":       numValue(rel.Strength),
		},
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{CollectionName: s.relationshipsColl, Points: []*pb.PointStruct{point}})
	if err != nil {
		return nil, fmt.Errorf("qdrant create relationship: %w", err)
	}
	rel.ID = uuid.MustParse(pointID)
	return &rel, nil
}

func (s *CMIIndexStore) RelatedTo(ctx context.Context, tenantID, moduleID string, memoryID uuid.UUID) ([]registryvector.Relationship, error) {
	fromResp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: s.relationshipsColl,
		Filter: &pb.Filter{Must: []*pb.Condition{
			matchKeyword("tenant_id", tenantID),
			matchKeyword("from_module_id", moduleID),
			matchKeyword("from_memory_id", memoryID.String()),
		}},
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Limit:       newUint32(1000),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant related (from): %w", err)
	}
	toResp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: s.relationshipsColl,
		Filter: &pb.Filter{Must: []*pb.Condition{
			matchKeyword("tenant_id", tenantID),
			matchKeyword("to_module_id", moduleID),
			matchKeyword("to_memory_id", memoryID.String()),
		}},
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Limit:       newUint32(1000),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant related (to): %w", err)
	}

	var out []registryvector.Relationship
	for _, pt := range append(fromResp.GetResult(), toResp.GetResult()...) {
		out = append(out, relationshipFromPayload(pt.GetId().GetUuid(), pt.GetPayload()))
	}
	// Qdrant's scroll API makes no ordering guarantee; sort to match
	// pgvector's "ORDER BY strength DESC, id" (spec.md §4.2: "Strength
	// ordering descending; tie-break stable by id").
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func relationshipFromPayload(pointID string, payload map[string]*pb.Value) registryvector.Relationship {
	var r registryvector.Relationship
	if id, err := uuid.Parse(pointID); err == nil {
		r.ID = id
	}
	r.TenantID = payload["tenant_id"].GetStringValue()
	r.FromModuleID = payload["from_module_id"].GetStringValue()
	r.FromMemoryID, _ = uuid.Parse(payload["from_memory_id"].GetStringValue())
	r.ToModuleID = payload["to_module_id"].GetStringValue()
	r.ToMemoryID, _ = uuid.Parse(payload["to_memory_id"].GetStringValue())
	r.Kind = payload["kind"].GetStringValue()
	r.Strength = payload["strength"].GetDoubleValue()
	return r
}

func (s *CMIIndexStore) DeleteRelationshipsFor(ctx context.Context, moduleID string, memoryID uuid.UUID) error {
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.relationshipsColl,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Should: []*pb.Condition{
						{ConditionOneOf: &pb.Condition_Filter{Filter: &pb.Filter{Must: []*pb.Condition{
							matchKeyword("from_module_id", moduleID),
							matchKeyword("from_memory_id", memoryID.String()),
						}}}},
						{ConditionOneOf: &pb.Condition_Filter{Filter: &pb.Filter{Must: []*pb.Condition{
							matchKeyword("to_module_id", moduleID),
							matchKeyword("to_memory_id", memoryID.String()),
						}}}},
					},
				},
			},
		},
	})
	return err
}

func newUint64(v uint64) *uint64 { return &v }
func newUint32(v uint32) *uint32 { return &v }

func dialOptions(cfg *config.Config) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, 2)
	if cfg.QdrantUseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if strings.TrimSpace(cfg.QdrantAPIKey) != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyCredentials{
			apiKey:     cfg.QdrantAPIKey,
			requireTLS: cfg.QdrantUseTLS,
		}))
	}
	return opts
}

type apiKeyCredentials struct {
	apiKey     string
	requireTLS bool
}

func (a apiKeyCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.apiKey}, nil
}

func (a apiKeyCredentials) RequireTransportSecurity() bool {
	return a.requireTLS
}

func effectiveRoutingDimension(cfg *config.Config) uint64 {
	if cfg != nil && cfg.RoutingEmbedDimension > 0 {
		return uint64(cfg.RoutingEmbedDimension)
	}
	return 512
}

func effectiveCollectionName(cfg *config.Config) string {
	if cfg == nil {
		return "memory-service_cmi-routing-512"
	}
	if name := strings.TrimSpace(cfg.QdrantCollectionName); name != "" {
		return name
	}
	prefix := strings.TrimSpace(cfg.QdrantCollectionPrefix)
	if prefix == "" {
		prefix = "memory-service"
	}
	return fmt.Sprintf("%s_cmi-routing-%d", prefix, effectiveRoutingDimension(cfg))
}

func relationshipsCollectionName(cfg *config.Config) string {
	return effectiveCollectionName(cfg) + "_relationships"
}
