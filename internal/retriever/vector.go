package retriever

import (
	"context"
	"fmt"
	"sync"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/pool"
)

// VectorMatch is one nearest-neighbor hit from a vector backend, backend
// agnostic (Qdrant/Pinecone/etc shapes are adapted into this at the
// VectorBackend boundary).
type VectorMatch struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// VectorBackend abstracts the vector database a VectorRetriever talks to.
// internal/adapter/vector/qdrant.Client satisfies this via a thin adapter
// in cmd/server's wiring.
type VectorBackend interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int, distance string) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]VectorMatch, error)
}

// VectorRetriever implements domain.Retriever over an embedding provider
// plus a vector backend, with the multi-stage confidence/domain/truncate
// filter pipeline spec §4.7 mandates.
type VectorRetriever struct {
	adapterName   string
	embeddings    domain.EmbeddingClient
	backend       VectorBackend
	pools         *pool.Manager
	embeddingPool string

	mu         sync.RWMutex
	collection string

	scaleKind           ScaleKind
	scaleFactor         float64
	confidenceThreshold float64
	returnResults       int
	topK                int
	domainFilter        func(domain.ContextDocument) bool
}

// NewVectorRetriever builds a VectorRetriever from a descriptor's config.
func NewVectorRetriever(adapterName string, embeddings domain.EmbeddingClient, backend VectorBackend, pools *pool.Manager, embeddingPool string, cfg map[string]any) *VectorRetriever {
	return &VectorRetriever{
		adapterName:         adapterName,
		embeddings:          embeddings,
		backend:             backend,
		pools:               pools,
		embeddingPool:       embeddingPool,
		collection:          ConfigString(cfg, "collection", adapterName),
		scaleKind:           ScaleKind(ConfigString(cfg, "scale_kind", string(ScaleL2))),
		scaleFactor:         ConfigFloat(cfg, "scale_factor", 1.0),
		confidenceThreshold: ConfigFloat(cfg, "confidence_threshold", 0.0),
		returnResults:       ConfigInt(cfg, "return_results", 5),
		topK:                ConfigInt(cfg, "top_k", 20),
	}
}

// SetDomainFilter installs the adapter-supplied domain predicate (spec
// §4.7 vector retriever step 3); adapters without one keep every
// confidence-surviving candidate.
func (v *VectorRetriever) SetDomainFilter(f func(domain.ContextDocument) bool) {
	v.domainFilter = f
}

func (v *VectorRetriever) Initialize(ctx context.Context) error {
	return v.backend.EnsureCollection(ctx, v.collection, 0, "")
}

func (v *VectorRetriever) Close(ctx context.Context) error { return nil }

func (v *VectorRetriever) SetCollection(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.collection = name
	return nil
}

func (v *VectorRetriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	v.mu.RLock()
	collection := v.collection
	v.mu.RUnlock()

	embed := func(c context.Context) (any, error) {
		vecs, err := v.embeddings.Embed(c, []string{query})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, fmt.Errorf("adapter=%s: empty embedding result", v.adapterName)
		}
		return vecs[0], nil
	}

	var rawVec any
	var err error
	if v.pools != nil {
		rawVec, err = v.pools.Submit(ctx, v.embeddingPool, embed)
	} else {
		rawVec, err = embed(ctx)
	}
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=vectorRetriever.GetRelevantContext adapter=%s: %w: embed: %v", v.adapterName, domain.ErrUpstream, err)
	}
	vector := rawVec.([]float32)

	matches, err := v.backend.Search(ctx, collection, vector, v.topK)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=vectorRetriever.GetRelevantContext adapter=%s: %w: search: %v", v.adapterName, domain.ErrUpstream, err)
	}

	candidates := make([]domain.ContextDocument, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, domain.ContextDocument{
			Content: fmt.Sprint(m.Payload["content"]),
			Metadata: domain.ContextMetadata{
				Adapter:    v.adapterName,
				Source:     fmt.Sprint(m.Payload["source"]),
				ChunkID:    m.ID,
				Confidence: Similarity(v.scaleKind, m.Score, v.scaleFactor),
			},
			Score: Similarity(v.scaleKind, m.Score, v.scaleFactor),
		})
	}

	final, counts := FilterPipeline(candidates, v.confidenceThreshold, v.domainFilter, v.returnResults)
	meta := domain.RetrievalMeta{
		ResultCount:    len(final),
		TotalAvailable: counts.Domain,
		Truncated:      counts.Domain > len(final),
		Stages:         counts,
	}
	return final, meta, nil
}
