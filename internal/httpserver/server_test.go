package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orbit-rag/orbit/internal/authn"
	"github.com/orbit-rag/orbit/internal/autocomplete"
	"github.com/orbit-rag/orbit/internal/breaker"
	"github.com/orbit-rag/orbit/internal/config"
	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/executor"
	"github.com/orbit-rag/orbit/internal/history"
	"github.com/orbit-rag/orbit/internal/pipeline"
	"github.com/orbit-rag/orbit/internal/pool"
	"github.com/orbit-rag/orbit/internal/ratelimit"
	"github.com/orbit-rag/orbit/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPIKeyStore struct{ records map[string]domain.APIKeyRecord }

func (f *fakeAPIKeyStore) Resolve(ctx context.Context, apiKey string) (domain.APIKeyRecord, error) {
	rec, ok := f.records[apiKey]
	if !ok {
		return domain.APIKeyRecord{}, domain.ErrAuth
	}
	return rec, nil
}

type fakeSessionStore struct{ valid map[string]bool }

func (f *fakeSessionStore) Validate(ctx context.Context, sessionID string) (bool, error) {
	return f.valid[sessionID], nil
}
func (f *fakeSessionStore) Touch(ctx context.Context, sessionID string) error { return nil }

type stubRetriever struct{ docs []domain.ContextDocument }

func (s *stubRetriever) Initialize(ctx context.Context) error { return nil }
func (s *stubRetriever) Close(ctx context.Context) error      { return nil }
func (s *stubRetriever) SetCollection(name string) error      { return nil }
func (s *stubRetriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	return s.docs, domain.RetrievalMeta{ResultCount: len(s.docs)}, nil
}
func (s *stubRetriever) NLExamples(ctx context.Context) ([]string, error) {
	return []string{"where is my order", "track my order"}, nil
}

type stubLLM struct{ response string }

func (s *stubLLM) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	return s.response, nil
}
func (s *stubLLM) Stream(ctx context.Context, messages []domain.ChatMessage) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk, 1)
	ch <- domain.StreamChunk{Delta: s.response}
	close(ch)
	return ch, nil
}

type fakeHistoryStore struct{ turns []domain.ConversationTurn }

func (f *fakeHistoryStore) AppendTurns(ctx context.Context, sessionID string, turns []domain.ConversationTurn) error {
	f.turns = append(f.turns, turns...)
	return nil
}
func (f *fakeHistoryStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error) {
	return f.turns, nil
}

func newTestServer(t *testing.T, llm domain.LLMClient, modelsEnabled bool) (*Server, *fakeAPIKeyStore) {
	t.Helper()
	keys := &fakeAPIKeyStore{records: map[string]domain.APIKeyRecord{
		"k1": {AdapterName: "orders", Active: true, Fingerprint: "fp1"},
	}}
	sessions := &fakeSessionStore{valid: map[string]bool{"sess1": true}}
	auth := authn.New(keys, sessions, "admintoken")

	breakers := breaker.NewManager(breaker.DefaultSettings(), nil)
	retr := &stubRetriever{docs: []domain.ContextDocument{{Content: "chunk"}}}
	reg := registry.New(func(ctx context.Context, desc domain.AdapterDescriptor) (domain.Retriever, error) {
		return retr, nil
	}, breakers)
	require.NoError(t, reg.Load([]domain.AdapterDescriptor{
		{Name: "orders", Type: domain.AdapterTypeRetriever, Capabilities: domain.Capabilities{RetrievalBehavior: domain.BehaviorVector, SupportsAutocomplete: true}},
	}))

	exec := executor.New(breakers, nil, "", 4)
	hist := history.New(&fakeHistoryStore{}, nil, nil)
	pools := pool.NewManager(map[string]int{"inference": 4})
	eng := pipeline.New(reg, exec, hist, nil, nil, nil, llm, pools, pipeline.Config{HistoryTurnLimit: 10})

	ac := autocomplete.New(reg, nil, config.AutocompleteSection{Algorithm: "substring", Threshold: -1000})

	limiter := ratelimit.New(nil, ratelimit.Rule{RequestsPerWindow: 1000, Window: 0}, ratelimit.Rule{}, nil)

	srv := New(auth, limiter, reg, breakers, eng, ac, hist, Config{ModelsEndpointEnabled: modelsEnabled})
	return srv, keys
}

func TestHandleHealthReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHandleChatMissingAPIKeyReturns401(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	body, _ := json.Marshal(chatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hello"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleChatHappyPath(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "the answer"}, false)
	router := NewRouter(srv)

	body, _ := json.Marshal(chatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hello"}}, SessionID: "sess1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "the answer", resp.Content)
	assert.False(t, resp.Refused)
}

func TestHandleChatInvalidSessionReturns400(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	body, _ := json.Marshal(chatRequest{Messages: []domain.ChatMessage{{Role: "user", Content: "hello"}}, SessionID: "unknown"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatStopReturns404WhenNoActiveRequest(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	body, _ := json.Marshal(map[string]string{"session_id": "nonexistent"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stop", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAutocompleteReturnsSuggestions(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/autocomplete?q=where&limit=5", nil)
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	suggestions, ok := body["suggestions"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, suggestions)
}

func TestHandleHealthAdaptersListsRegisteredAdapter(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/health/adapters", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	adapters, ok := body["adapters"].([]any)
	require.True(t, ok)
	require.Len(t, adapters, 1)
}

func TestHandleHealthAdapterResetRequiresAdminToken(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/health/adapters/orders/reset", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/health/adapters/orders/reset", nil)
	req2.Header.Set("Authorization", "Bearer admintoken")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestHandleHealthAdapterResetUnknownAdapterReturns404(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodPost, "/health/adapters/nonexistent/reset", nil)
	req.Header.Set("Authorization", "Bearer admintoken")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleModelsDisabledReturns404(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, false)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleModelsEnabledListsBoundAdapter(t *testing.T) {
	srv, _ := newTestServer(t, &stubLLM{response: "hi"}, true)
	router := NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-API-Key", "k1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	models, ok := body["models"].([]any)
	require.True(t, ok)
	require.Len(t, models, 1)
}
