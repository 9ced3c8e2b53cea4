// Package templateindex implements an in-memory intent.TemplateIndex: each
// template's example phrases are embedded once at load time, and Search
// scores a query vector against every example by cosine similarity,
// keeping the best-scoring example per template — the same "precompute
// once, score many" shape as the autocomplete engine's cached corpus.
package templateindex

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/retriever/intent"
)

// TemplateSource is one template definition plus the NL example phrases
// used to place it in the embedding space; ParamSchema/RenderTemplate are
// carried straight through to intent.Template.
type TemplateSource struct {
	Name           string
	SemanticTags   []string
	Examples       []string
	ParamSchema    []intent.ParamSpec
	RenderTemplate string
	SubRetriever   domain.Retriever
}

type indexedTemplate struct {
	template intent.Template
	vectors  [][]float32
}

// Index is a per-collection set of indexed templates.
type Index struct {
	collections map[string][]indexedTemplate
}

// New builds an empty Index.
func New() *Index {
	return &Index{collections: make(map[string][]indexedTemplate)}
}

// Load embeds every source's examples and stores them under collection,
// replacing any prior contents for that collection (spec §4.5 "hot-reload
// replaces a named instance atomically").
func (idx *Index) Load(ctx context.Context, collection string, embeddings domain.EmbeddingClient, sources []TemplateSource) error {
	entries := make([]indexedTemplate, 0, len(sources))
	for _, src := range sources {
		if len(src.Examples) == 0 {
			return fmt.Errorf("op=templateindex.Load template=%s: no examples configured", src.Name)
		}
		vectors, err := embeddings.Embed(ctx, src.Examples)
		if err != nil {
			return fmt.Errorf("op=templateindex.Load template=%s: %w: %v", src.Name, domain.ErrUpstream, err)
		}
		entries = append(entries, indexedTemplate{
			template: intent.Template{
				Name:           src.Name,
				SemanticTags:   src.SemanticTags,
				ParamSchema:    src.ParamSchema,
				SubRetriever:   src.SubRetriever,
				RenderTemplate: src.RenderTemplate,
			},
			vectors: vectors,
		})
	}
	idx.collections[collection] = entries
	return nil
}

// Search scores vector against every template in collectionName by its
// best-matching example (max cosine similarity across that template's
// examples), returning the topM highest-scoring templates descending.
func (idx *Index) Search(ctx context.Context, collectionName string, vector []float32, topM int) ([]intent.TemplateMatch, error) {
	entries, ok := idx.collections[collectionName]
	if !ok {
		return nil, fmt.Errorf("op=templateindex.Search collection=%s: unknown collection", collectionName)
	}

	matches := make([]intent.TemplateMatch, 0, len(entries))
	for _, e := range entries {
		best := -1.0
		for _, v := range e.vectors {
			if score := cosineSimilarity(vector, v); score > best {
				best = score
			}
		}
		matches = append(matches, intent.TemplateMatch{Template: e.template, Score: best})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topM > 0 && len(matches) > topM {
		matches = matches[:topM]
	}
	return matches, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
