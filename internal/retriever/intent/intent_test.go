package intent

import (
	"context"
	"testing"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct{ vec []float32 }

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return [][]float32{s.vec}, nil
}

type stubIndex struct {
	matches []TemplateMatch
}

func (s *stubIndex) Search(ctx context.Context, collectionName string, vector []float32, topM int) ([]TemplateMatch, error) {
	return s.matches, nil
}

type stubLLM struct{ response string }

func (s *stubLLM) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	return s.response, nil
}
func (s *stubLLM) Stream(ctx context.Context, messages []domain.ChatMessage) (<-chan domain.StreamChunk, error) {
	return nil, nil
}

type stubSubRetriever struct {
	gotQuery string
	docs     []domain.ContextDocument
}

func (s *stubSubRetriever) Initialize(ctx context.Context) error { return nil }
func (s *stubSubRetriever) Close(ctx context.Context) error      { return nil }
func (s *stubSubRetriever) SetCollection(name string) error      { return nil }
func (s *stubSubRetriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	s.gotQuery = query
	return s.docs, domain.RetrievalMeta{ResultCount: len(s.docs)}, nil
}

func TestIntentRetrieverBelowThresholdReturnsEmpty(t *testing.T) {
	r := New("orders", &stubEmbedder{vec: []float32{0.1}}, &stubIndex{matches: []TemplateMatch{
		{Template: Template{Name: "lookup"}, Score: 0.2},
	}}, &stubLLM{}, nil, "embedding", "inference", Config{ConfidenceThreshold: 0.5})

	docs, _, err := r.GetRelevantContext(context.Background(), "what is my order status", domain.AdapterInvocation{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIntentRetrieverExtractsParamsAndDelegates(t *testing.T) {
	sub := &stubSubRetriever{docs: []domain.ContextDocument{{Content: "order #42 shipped"}}}
	tmpl := Template{
		Name:           "order_status",
		SemanticTags:   []string{"order"},
		ParamSchema:    []ParamSpec{{Name: "order_id", Type: "int", Required: true}},
		SubRetriever:   sub,
		RenderTemplate: "order_id:{{order_id}}",
	}
	r := New("orders", &stubEmbedder{vec: []float32{0.1}}, &stubIndex{matches: []TemplateMatch{{Template: tmpl, Score: 0.9}}},
		&stubLLM{response: `{"order_id": 42}`}, nil, "embedding", "inference", Config{ConfidenceThreshold: 0.5})

	docs, meta, err := r.GetRelevantContext(context.Background(), "where is order 42", domain.AdapterInvocation{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "order_id:42", sub.gotQuery)
	assert.Equal(t, 0.9, docs[0].Score)
	assert.Equal(t, 1, meta.ResultCount)
}

func TestIntentRetrieverMissingRequiredParamErrors(t *testing.T) {
	tmpl := Template{
		Name:         "order_status",
		ParamSchema:  []ParamSpec{{Name: "order_id", Type: "int", Required: true}},
		SubRetriever: &stubSubRetriever{},
	}
	r := New("orders", &stubEmbedder{vec: []float32{0.1}}, &stubIndex{matches: []TemplateMatch{{Template: tmpl, Score: 0.9}}},
		&stubLLM{response: `{}`}, nil, "embedding", "inference", Config{ConfidenceThreshold: 0.5})

	_, _, err := r.GetRelevantContext(context.Background(), "where is my order", domain.AdapterInvocation{})
	require.Error(t, err)
}

func TestRerankAppliesTagWeightings(t *testing.T) {
	matches := []TemplateMatch{
		{Template: Template{Name: "a", SemanticTags: []string{"billing"}}, Score: 0.5},
		{Template: Template{Name: "b", SemanticTags: []string{"order"}}, Score: 0.6},
	}
	rerank(matches, "my order status", map[string]float64{"order": 0.5})
	assert.Equal(t, "b", matches[0].Template.Name, "the order-tagged template should win after boosting")
}

func TestCoerceTypes(t *testing.T) {
	v, err := coerce(float64(7), "int")
	require.NoError(t, err)
	assert.Equal(t, "7", v)

	_, err = coerce("not-a-number", "int")
	require.Error(t, err)

	v, err = coerce(true, "bool")
	require.NoError(t, err)
	assert.Equal(t, "true", v)
}

func TestRenderSubstitutesPlaceholders(t *testing.T) {
	out := render("status:{{status}} since:{{since}}", map[string]string{"status": "open", "since": "2024"})
	assert.Equal(t, "status:open since:2024", out)
}
