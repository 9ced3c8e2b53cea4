package retriever

import (
	"context"
	"fmt"

	"github.com/orbit-rag/orbit/internal/domain"
)

// Resolver looks up a sub-adapter's already-registered Retriever by name,
// implemented by C5's registry.Registry.Get in production.
type Resolver func(ctx context.Context, name string) (domain.Retriever, error)

// CompositeRetriever aggregates GetRelevantContext and NLExamples across
// several named sub-adapters (spec glossary "Composite adapter": "an
// adapter that aggregates results or examples from several sub-adapters").
type CompositeRetriever struct {
	adapterName string
	subNames    []string
	resolve     Resolver
}

// NewCompositeRetriever builds a CompositeRetriever over subNames, resolved
// lazily through resolve on every call — sub-adapters are never cached
// locally so a hot-reload of one still takes effect immediately.
func NewCompositeRetriever(adapterName string, subNames []string, resolve Resolver) *CompositeRetriever {
	return &CompositeRetriever{adapterName: adapterName, subNames: subNames, resolve: resolve}
}

func (c *CompositeRetriever) Initialize(ctx context.Context) error { return nil }
func (c *CompositeRetriever) Close(ctx context.Context) error      { return nil }
func (c *CompositeRetriever) SetCollection(name string) error      { return nil }

// SubAdapterNames implements domain.CompositeAdapter.
func (c *CompositeRetriever) SubAdapterNames() []string { return c.subNames }

// GetRelevantContext merges every resolvable sub-adapter's documents,
// continuing past an individual sub-adapter failure the same way C6's
// executor tolerates partial failure — one broken sub-adapter must not
// blank out the others' context.
func (c *CompositeRetriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	var merged []domain.ContextDocument
	total := 0
	for _, name := range c.subNames {
		sub, err := c.resolve(ctx, name)
		if err != nil {
			continue
		}
		docs, _, err := sub.GetRelevantContext(ctx, query, inv)
		if err != nil {
			continue
		}
		merged = append(merged, docs...)
		total += len(docs)
	}
	SortByScoreDesc(merged)
	meta := domain.RetrievalMeta{
		ResultCount:    len(merged),
		TotalAvailable: total,
		Stages:         domain.RetrievalStageCounts{Vector: total, Confidence: total, Domain: len(merged)},
	}
	return merged, meta, nil
}

// NLExamples implements domain.NLExampleProvider by concatenating every
// sub-adapter's examples (spec §4.10: "examples from all sub-adapters are
// merged before matching").
func (c *CompositeRetriever) NLExamples(ctx context.Context) ([]string, error) {
	var all []string
	for _, name := range c.subNames {
		sub, err := c.resolve(ctx, name)
		if err != nil {
			continue
		}
		provider, ok := sub.(domain.NLExampleProvider)
		if !ok {
			continue
		}
		examples, err := provider.NLExamples(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=retriever.CompositeRetriever.NLExamples adapter=%s sub=%s: %w: %v", c.adapterName, name, domain.ErrUpstream, err)
		}
		all = append(all, examples...)
	}
	return all, nil
}

var (
	_ domain.Retriever         = (*CompositeRetriever)(nil)
	_ domain.CompositeAdapter  = (*CompositeRetriever)(nil)
	_ domain.NLExampleProvider = (*CompositeRetriever)(nil)
)
