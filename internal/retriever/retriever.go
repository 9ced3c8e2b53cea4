// Package retriever implements ORBIT's retriever core (C7): the concrete
// vector, SQL, HTTP, and passthrough variants behind the domain.Retriever
// interface, each grounded on the teacher's corresponding backend client
// but generalized to the descriptor-driven, multi-adapter shape spec §4.7
// requires.
package retriever

import (
	"fmt"
	"sort"

	"github.com/orbit-rag/orbit/internal/domain"
)

// ScaleKind selects how a vector backend's native distance is converted to
// a [0,1] similarity (spec §4.7 "similarity from native distances").
type ScaleKind string

const (
	ScaleL2     ScaleKind = "l2"     // 1 / (1 + d/s)
	ScaleNative ScaleKind = "native" // inner-product / cosine, already similarity
	ScaleDirect ScaleKind = "direct" // Pinecone-style, already similarity
)

// Similarity converts a raw backend distance/score to a [0,1] similarity.
func Similarity(kind ScaleKind, raw, scaleFactor float64) float64 {
	switch kind {
	case ScaleL2:
		if scaleFactor == 0 {
			scaleFactor = 1
		}
		return 1 / (1 + raw/scaleFactor)
	default:
		return raw
	}
}

// FilterPipeline runs the multi-stage filter every vector-backed retriever
// applies (spec §4.7 vector retriever steps 2-4), returning the final
// slice plus the stage counts to attach to RetrievalMeta.
func FilterPipeline(
	candidates []domain.ContextDocument,
	confidenceThreshold float64,
	domainFilter func(domain.ContextDocument) bool,
	returnResults int,
) ([]domain.ContextDocument, domain.RetrievalStageCounts) {
	counts := domain.RetrievalStageCounts{Vector: len(candidates)}

	confident := make([]domain.ContextDocument, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= confidenceThreshold {
			confident = append(confident, c)
		}
	}
	counts.Confidence = len(confident)

	filtered := confident
	if domainFilter != nil {
		filtered = make([]domain.ContextDocument, 0, len(confident))
		for _, c := range confident {
			if domainFilter(c) {
				filtered = append(filtered, c)
			}
		}
	}
	counts.Domain = len(filtered)

	if returnResults > 0 && len(filtered) > returnResults {
		truncated := make([]domain.ContextDocument, returnResults)
		copy(truncated, filtered[:returnResults])
		for i := range truncated {
			truncated[i].TruncatedFlag = true
		}
		return truncated, counts
	}
	return filtered, counts
}

// SortByScoreDesc orders docs by descending confidence, stable so ties keep
// backend order (spec invariant: "caller may reorder but not rescore").
func SortByScoreDesc(docs []domain.ContextDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Score > docs[j].Score
	})
}

// ConfigString reads a string key out of an AdapterDescriptor's free-form
// config map, returning def when absent or of the wrong type.
func ConfigString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// ConfigFloat reads a float64 key, tolerating YAML's int/float ambiguity.
func ConfigFloat(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// ConfigInt reads an int key, tolerating YAML's int/float ambiguity.
func ConfigInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// ConfigBool reads a bool key.
func ConfigBool(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

// unsupportedBehaviorErr builds the ErrAdapterLoad-wrapped error the factory
// returns for a descriptor whose retrieval_behavior names something no
// variant implements.
func unsupportedBehaviorErr(adapter string, behavior domain.RetrievalBehavior) error {
	return fmt.Errorf("op=retriever.New adapter=%s behavior=%s: %w: unsupported retrieval behavior", adapter, behavior, domain.ErrAdapterLoad)
}
