package qdrant

import (
	"context"
	"fmt"

	"github.com/orbit-rag/orbit/internal/retriever"
)

// Backend adapts Client to retriever.VectorBackend, translating Qdrant's
// raw map[string]any hit shape into retriever.VectorMatch.
type Backend struct {
	client *Client
}

// NewBackend wraps an existing Client.
func NewBackend(client *Client) *Backend {
	return &Backend{client: client}
}

// EnsureCollection defers to the client. A non-positive vectorSize or
// empty distance falls back to this module's default embedding shape.
func (b *Backend) EnsureCollection(ctx context.Context, name string, vectorSize int, distance string) error {
	if vectorSize <= 0 {
		vectorSize = 1536
	}
	if distance == "" {
		distance = "Cosine"
	}
	return b.client.EnsureCollection(ctx, name, vectorSize, distance)
}

// Search runs a nearest-neighbor query and reshapes Qdrant's response rows
// into retriever.VectorMatch.
func (b *Backend) Search(ctx context.Context, collection string, vector []float32, topK int) ([]retriever.VectorMatch, error) {
	rows, err := b.client.Search(ctx, collection, vector, topK)
	if err != nil {
		return nil, err
	}
	out := make([]retriever.VectorMatch, 0, len(rows))
	for _, row := range rows {
		id := fmt.Sprint(row["id"])
		score, _ := row["score"].(float64)
		payload, _ := row["payload"].(map[string]any)
		out = append(out, retriever.VectorMatch{ID: id, Score: score, Payload: payload})
	}
	return out, nil
}
