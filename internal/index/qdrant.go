package index

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadIDField holds the original case_id when it isn't itself a UUID;
// Qdrant point ids must be a UUID or a positive integer.
const payloadIDField = "_case_id"

// QdrantIndex is a Qdrant-backed Index.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string
}

// NewQdrantIndex dials Qdrant's gRPC API (default port 6334) and ensures the
// target collection exists with the configured vector size and distance.
// An API key may be passed as a DSN query parameter, e.g.
// "http://localhost:6334?api_key=...".
func NewQdrantIndex(ctx context.Context, dsn, collection string, dimensions int, metric string) (*QdrantIndex, error) {
	if collection == "" {
		return nil, fmt.Errorf("index: collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("index: parse dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("index: invalid port in dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("index: create client: %w", err)
	}
	qi := &QdrantIndex{
		client:     client,
		collection: collection,
		dimension:  dimensions,
		metric:     strings.ToLower(strings.TrimSpace(metric)),
	}
	if err := qi.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("index: ensure collection: %w", err)
	}
	return qi, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection exists: %w", err)
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	if q.dimension <= 0 {
		return fmt.Errorf("dimensions must be > 0")
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
}

func pointIDFor(caseID string) (*qdrant.PointId, bool) {
	if _, err := uuid.Parse(caseID); err == nil {
		return qdrant.NewIDUUID(caseID), false
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(caseID)).String()), true
}

func (q *QdrantIndex) UpsertCase(ctx context.Context, e Entry) error {
	pointID, synthetic := pointIDFor(e.CaseID)
	md := Metadata{GroupID: e.GroupID, Status: e.Status, EvidenceIDs: e.EvidenceIDs, EvidenceImgs: e.EvidenceImgs}.encode()
	md["document"] = e.Document
	if synthetic {
		md[payloadIDField] = e.CaseID
	}
	payloadAny := make(map[string]any, len(md))
	for k, v := range md {
		payloadAny[k] = v
	}
	vec := make([]float32, len(e.Embedding))
	copy(vec, e.Embedding)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      pointID,
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payloadAny),
		}},
	})
	return err
}

func (q *QdrantIndex) DeleteCase(ctx context.Context, caseID string) error {
	pointID, _ := pointIDFor(caseID)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pointID),
	})
	return err
}

func (q *QdrantIndex) Query(ctx context.Context, groupID string, queryEmbedding []float32, k int) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(queryEmbedding))
	copy(vec, queryEmbedding)
	var filter *qdrant.Filter
	if groupID != "" {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("group_id", groupID)}}
	}
	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(hits))
	for _, hit := range hits {
		caseID, md := extractPayload(hit.Id, hit.Payload)
		out = append(out, Hit{CaseID: caseID, Similarity: float64(hit.Score), Metadata: md})
	}
	return out, nil
}

func (q *QdrantIndex) ListIDs(ctx context.Context, groupID string) ([]string, error) {
	var filter *qdrant.Filter
	if groupID != "" {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("group_id", groupID)}}
	}
	var ids []string
	var offset *qdrant.PointId
	limit := uint32(256)
	for {
		req := &qdrant.ScrollPoints{
			CollectionName: q.collection,
			Filter:         filter,
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayload(true),
			Offset:         offset,
		}
		points, err := q.client.Scroll(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			break
		}
		for _, p := range points {
			caseID, _ := extractPayload(p.Id, p.Payload)
			ids = append(ids, caseID)
		}
		if len(points) < int(limit) {
			break
		}
		offset = points[len(points)-1].Id
	}
	return ids, nil
}

func (q *QdrantIndex) Close() error { return q.client.Close() }

func extractPayload(id *qdrant.PointId, payload map[string]*qdrant.Value) (caseID string, md Metadata) {
	raw := make(map[string]string, len(payload))
	for k, v := range payload {
		raw[k] = v.GetStringValue()
	}
	if v, ok := raw[payloadIDField]; ok && v != "" {
		caseID = v
	} else if id != nil {
		caseID = id.GetUuid()
	}
	md = decodeMetadata(raw)
	return caseID, md
}
