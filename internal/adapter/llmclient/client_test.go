package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteReturnsFirstChoiceContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []struct {
				Message domain.ChatMessage `json:"message"`
				Delta   domain.ChatMessage `json:"delta"`
			}{{Message: domain.ChatMessage{Role: "assistant", Content: "hello there"}}},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "test-model"})
	content, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello there", content)
}

func TestCompleteWithoutBaseURLFailsFast(t *testing.T) {
	c := New(Config{})
	_, err := c.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestComplete4xxIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestStreamEmitsDeltasUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, delta := range []string{"he", "llo"} {
			chunk := chatCompletionResponse{Choices: []struct {
				Message domain.ChatMessage `json:"message"`
				Delta   domain.ChatMessage `json:"delta"`
			}{{Delta: domain.ChatMessage{Content: delta}}}}
			b, _ := json.Marshal(chunk)
			w.Write([]byte("data: " + string(b) + "\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ch, err := c.Stream(context.Background(), []domain.ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	var got string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		got += chunk.Delta
	}
	assert.Equal(t, "hello", got)
}

func TestModerateUnconfiguredAlwaysSafe(t *testing.T) {
	m := NewModerator(ModerationConfig{})
	verdict, err := m.Moderate(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, verdict.Unsafe)
}

func TestModerateFlagsUnsafeContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(moderationResponse{Unsafe: true, Categories: []string{"harassment"}})
	}))
	defer srv.Close()

	m := NewModerator(ModerationConfig{BaseURL: srv.URL})
	verdict, err := m.Moderate(context.Background(), "bad text")
	require.NoError(t, err)
	assert.True(t, verdict.Unsafe)
	assert.Equal(t, []string{"harassment"}, verdict.Categories)
}

func TestRerankUnconfiguredPassesThrough(t *testing.T) {
	r := NewReranker(RerankConfig{})
	docs := []domain.ContextDocument{{Content: "a"}, {Content: "b"}}
	out, err := r.Rerank(context.Background(), "q", docs)
	require.NoError(t, err)
	assert.Equal(t, docs, out)
}

func TestRerankReordersByScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []rerankResult{
			{Index: 1, Score: 0.9},
			{Index: 0, Score: 0.1},
		}})
	}))
	defer srv.Close()

	r := NewReranker(RerankConfig{BaseURL: srv.URL})
	docs := []domain.ContextDocument{{Content: "low"}, {Content: "high"}}
	out, err := r.Rerank(context.Background(), "q", docs)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "high", out[0].Content)
	assert.Equal(t, "low", out[1].Content)
}

func TestEmbedReturnsVectorsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embeddingsResponse{Data: []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{
			{Embedding: []float32{0.2}, Index: 1},
			{Embedding: []float32{0.1}, Index: 0},
		}})
	}))
	defer srv.Close()

	c := NewEmbeddingsClient(EmbeddingsConfig{BaseURL: srv.URL, Model: "test-embed"})
	vectors, err := c.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1}, vectors[0])
	assert.Equal(t, []float32{0.2}, vectors[1])
}

func TestEmbedWithoutBaseURLFailsFast(t *testing.T) {
	c := NewEmbeddingsClient(EmbeddingsConfig{})
	_, err := c.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, domain.ErrUpstream)
}
