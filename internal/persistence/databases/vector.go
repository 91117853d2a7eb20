package databases

import "context"

// VectorResult is one similarity-search hit: the caller's original id (not
// the internal UUID Qdrant requires), its score, and any stored metadata.
type VectorResult struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// VectorStore is the knowledge-base chunk index C3 searches against. Ids are
// caller-chosen strings; implementations are responsible for any mapping a
// backend's point-id scheme requires (see qdrantVector's payloadOriginalIDKey
// trick for non-UUID ids).
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
	Dimension() int
	Close() error
}
