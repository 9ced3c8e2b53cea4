package retriever

import (
	"context"

	"github.com/orbit-rag/orbit/internal/domain"
)

// FileChunkBackend abstracts the file-chunk vector collection a
// PassthroughRetriever queries when the caller supplies file_ids (spec
// §4.7 "queries a file-chunk vector collection restricted to the supplied
// file_ids").
type FileChunkBackend interface {
	SearchFiles(ctx context.Context, fileIDs []string, query string, topK int) ([]domain.ContextDocument, error)
}

// PassthroughRetriever returns no context for pure conversational turns and
// defers to a file-chunk backend only when file_ids are present (spec
// §4.7 "Passthrough/multimodal").
type PassthroughRetriever struct {
	adapterName string
	files       FileChunkBackend
	topK        int
}

// NewPassthroughRetriever builds a PassthroughRetriever. files may be nil
// for adapters that never support file attachments, in which case any
// file_ids on the invocation are silently ignored.
func NewPassthroughRetriever(adapterName string, files FileChunkBackend, cfg map[string]any) *PassthroughRetriever {
	return &PassthroughRetriever{adapterName: adapterName, files: files, topK: ConfigInt(cfg, "top_k", 10)}
}

func (p *PassthroughRetriever) Initialize(ctx context.Context) error { return nil }
func (p *PassthroughRetriever) Close(ctx context.Context) error     { return nil }
func (p *PassthroughRetriever) SetCollection(name string) error     { return nil }

func (p *PassthroughRetriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	if len(inv.FileIDs) == 0 || p.files == nil {
		return []domain.ContextDocument{}, domain.RetrievalMeta{}, nil
	}
	docs, err := p.files.SearchFiles(ctx, inv.FileIDs, query, p.topK)
	if err != nil {
		return nil, domain.RetrievalMeta{}, err
	}
	meta := domain.RetrievalMeta{
		ResultCount:    len(docs),
		TotalAvailable: len(docs),
		Stages:         domain.RetrievalStageCounts{Vector: len(docs), Confidence: len(docs), Domain: len(docs)},
	}
	return docs, meta, nil
}
