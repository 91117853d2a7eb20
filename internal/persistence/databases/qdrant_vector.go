package databases

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadOriginalIDKey stores a chunk's real id in the point payload when
// that id isn't itself a UUID (Qdrant point ids must be a UUID or a positive
// integer; chunk ids minted elsewhere in this tree rarely are).
const payloadOriginalIDKey = "_original_id"

// qdrantVector backs a knowledge base's slice of the vector index: one
// Qdrant collection per deployment, chunks distinguished by the "kb_id"
// metadata filter C3's collectContext passes to SimilaritySearch.
type qdrantVector struct {
	client     *qdrant.Client
	collection string
	dimension  int
	metric     string // cosine|l2|euclidean|ip|dot|manhattan
}

// NewQdrantVector opens a gRPC connection to Qdrant (default port 6334) and
// ensures collection exists with the configured dimension/metric. dsn may
// carry an api_key query parameter: "http://host:6334?api_key=...".
func NewQdrantVector(dsn string, collection string, dimensions int, metric string) (VectorStore, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	parsedURL, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsedURL.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsedURL.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsedURL.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsedURL.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	qv := &qdrantVector{
		client:     client,
		collection: collection,
		dimension:  dimensions,
		metric:     strings.ToLower(strings.TrimSpace(metric)),
	}
	if err := qv.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure collection: %w", err)
	}
	return qv, nil
}

func (q *qdrantVector) ensureCollection(ctx context.Context) error {
	if q.dimension <= 0 {
		return fmt.Errorf("qdrant requires dimensions > 0")
	}
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
	default: // cosine
		distance = qdrant.Distance_Cosine
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// pointID derives a Qdrant point id from a chunk/document id: a real UUID
// passes through, anything else (e.g. an agent's chunk id scheme) is mapped
// to a deterministic UUIDv5 so re-upserting the same id is idempotent.
func pointID(id string) (*qdrant.PointId, string) {
	if _, err := uuid.Parse(id); err == nil {
		return qdrant.NewIDUUID(id), id
	}
	derived := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	return qdrant.NewIDUUID(derived), derived
}

func (q *qdrantVector) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if len(vector) != q.dimension {
		return fmt.Errorf("qdrant upsert %s: vector has %d dims, collection wants %d", id, len(vector), q.dimension)
	}
	pid, derived := pointID(id)
	payloadMap := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		payloadMap[k] = v
	}
	if derived != id {
		payloadMap[payloadOriginalIDKey] = id
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      pid,
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payloadMap),
		}},
	})
	return err
}

func (q *qdrantVector) Delete(ctx context.Context, id string) error {
	pid, _ := pointID(id)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelector(pid),
	})
	return err
}

// SimilaritySearch runs one KB's slice of C3's retrieval step: a cosine (or
// configured metric) nearest-neighbor query over the collection, scoped to
// an exact-match filter (e.g. {"kb_id": "..."}), returning each hit's
// original id, score, and string-valued payload.
func (q *qdrantVector) SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)

	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for field, value := range filter {
			must = append(must, qdrant.NewMatch(field, value))
		}
		queryFilter = &qdrant.Filter{Must: must}
	}

	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	results := make([]VectorResult, 0, len(hits))
	for _, hit := range hits {
		uuidStr := hit.Id.GetUuid()
		if uuidStr == "" {
			uuidStr = hit.Id.String()
		}
		metadata := make(map[string]string)
		originalID := ""
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == payloadOriginalIDKey {
					originalID = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		id := originalID
		if id == "" {
			id = uuidStr
		}
		results = append(results, VectorResult{
			ID:       id,
			Score:    float64(hit.Score),
			Metadata: metadata,
		})
	}
	return results, nil
}

func (q *qdrantVector) Dimension() int { return q.dimension }

func (q *qdrantVector) Close() error { return q.client.Close() }
