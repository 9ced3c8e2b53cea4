package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/orbit-rag/orbit/internal/breaker"
	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/executor"
	"github.com/orbit-rag/orbit/internal/history"
	"github.com/orbit-rag/orbit/internal/pool"
	"github.com/orbit-rag/orbit/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRetriever struct {
	docs []domain.ContextDocument
	err  error
}

func (s *stubRetriever) Initialize(ctx context.Context) error { return nil }
func (s *stubRetriever) Close(ctx context.Context) error      { return nil }
func (s *stubRetriever) SetCollection(name string) error      { return nil }
func (s *stubRetriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	if s.err != nil {
		return nil, domain.RetrievalMeta{}, s.err
	}
	return s.docs, domain.RetrievalMeta{ResultCount: len(s.docs)}, nil
}

type stubModerator struct {
	unsafePre, unsafePost bool
}

func (s *stubModerator) Moderate(ctx context.Context, text string) (domain.ModerationVerdict, error) {
	if text == "post" {
		return domain.ModerationVerdict{Unsafe: s.unsafePost}, nil
	}
	return domain.ModerationVerdict{Unsafe: s.unsafePre}, nil
}

type stubDetector struct{ lang string }

func (s *stubDetector) Detect(ctx context.Context, text string) (string, error) { return s.lang, nil }

type stubLLM struct {
	response string
	gotMsgs  []domain.ChatMessage
}

func (s *stubLLM) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.gotMsgs = messages
	return s.response, nil
}
func (s *stubLLM) Stream(ctx context.Context, messages []domain.ChatMessage) (<-chan domain.StreamChunk, error) {
	ch := make(chan domain.StreamChunk, 2)
	ch <- domain.StreamChunk{Delta: "post"}
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

func newTestEngine(t *testing.T, retr domain.Retriever, moderator domain.Moderator, detector domain.LanguageDetector, llm domain.LLMClient, disabled map[string]bool) *Engine {
	t.Helper()
	breakers := breaker.NewManager(breaker.DefaultSettings(), nil)
	reg := registry.New(func(ctx context.Context, desc domain.AdapterDescriptor) (domain.Retriever, error) {
		return retr, nil
	}, breakers)
	require.NoError(t, reg.Load([]domain.AdapterDescriptor{
		{Name: "docs", Type: domain.AdapterTypeRetriever, Capabilities: domain.Capabilities{RetrievalBehavior: domain.BehaviorVector}},
	}))
	exec := executor.New(breakers, nil, "", 4)
	hist := history.New(&fakeHistoryStore{}, nil, nil)
	pools := pool.NewManager(map[string]int{"inference": 4})

	return New(reg, exec, hist, moderator, detector, nil, llm, pools, Config{
		DisabledSteps:    disabled,
		HistoryTurnLimit: 10,
		HistoryMaxTokens: 1000,
		InferenceModel:   "gpt-4",
	})
}

func TestRunUnsafePreModerationShortCircuits(t *testing.T) {
	e := newTestEngine(t, &stubRetriever{}, &stubModerator{unsafePre: true}, nil, &stubLLM{response: "hi"}, nil)
	pc := &domain.ProcessingContext{RequestID: "r1", AdapterName: "docs", Message: "bad"}

	resp := e.Run(context.Background(), pc, nil)
	assert.True(t, resp.Refused)
	assert.Empty(t, pc.RetrievedDocs, "no retrieval should happen on refusal")
	assert.True(t, pc.HasErrorKind(domain.KindModerationUnsafe))
}

func TestRunDefaultsToEnglishWithoutDetector(t *testing.T) {
	e := newTestEngine(t, &stubRetriever{}, nil, nil, &stubLLM{response: "hi"}, nil)
	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "docs", Message: "hello"}
	e.Run(context.Background(), pc, nil)
	assert.Equal(t, "en", pc.DetectedLanguage)
}

func TestRunRetrievalPopulatesDocs(t *testing.T) {
	docs := []domain.ContextDocument{{Content: "chunk 1"}}
	e := newTestEngine(t, &stubRetriever{docs: docs}, nil, nil, &stubLLM{response: "hi"}, nil)
	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "docs", Message: "hello"}
	e.Run(context.Background(), pc, nil)
	require.Len(t, pc.RetrievedDocs, 1)
	assert.Equal(t, "chunk 1", pc.RetrievedDocs[0].Content)
}

func TestRunSkipsRetrievalForPassthroughWithoutFiles(t *testing.T) {
	breakers := breaker.NewManager(breaker.DefaultSettings(), nil)
	retr := &stubRetriever{docs: []domain.ContextDocument{{Content: "should not appear"}}}
	reg := registry.New(func(ctx context.Context, desc domain.AdapterDescriptor) (domain.Retriever, error) {
		return retr, nil
	}, breakers)
	require.NoError(t, reg.Load([]domain.AdapterDescriptor{
		{Name: "chat", Type: domain.AdapterTypePassthrough, Capabilities: domain.Capabilities{RetrievalBehavior: domain.BehaviorPassthrough}},
	}))
	exec := executor.New(breakers, nil, "", 4)
	hist := history.New(&fakeHistoryStore{}, nil, nil)
	pools := pool.NewManager(map[string]int{"inference": 4})
	e := New(reg, exec, hist, nil, nil, nil, &stubLLM{response: "hi"}, pools, Config{HistoryTurnLimit: 10})

	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "chat", Message: "hello"}
	e.Run(context.Background(), pc, nil)
	assert.Empty(t, pc.RetrievedDocs)
}

func TestRunInferenceAssemblesPromptAndCallsLLM(t *testing.T) {
	llm := &stubLLM{response: "the answer"}
	e := newTestEngine(t, &stubRetriever{}, nil, nil, llm, nil)
	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "docs", Message: "hello"}
	resp := e.Run(context.Background(), pc, nil)
	assert.Equal(t, "the answer", resp.Content)
	require.NotEmpty(t, llm.gotMsgs)
	assert.Equal(t, "user", llm.gotMsgs[len(llm.gotMsgs)-1].Role)
}

func TestRunPostValidationUnsafeReplacesResponse(t *testing.T) {
	e := newTestEngine(t, &stubRetriever{}, &stubModerator{unsafePost: true}, nil, &stubLLM{response: "post"}, nil)
	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "docs", Message: "hello"}
	resp := e.Run(context.Background(), pc, nil)
	assert.True(t, resp.Refused)
	assert.Equal(t, refusalResponse, resp.Content)
	assert.True(t, pc.HasErrorKind(domain.KindModerationUnsafe))
}

func TestRunDisabledStepSkipsRetrieval(t *testing.T) {
	docs := []domain.ContextDocument{{Content: "chunk"}}
	e := newTestEngine(t, &stubRetriever{docs: docs}, nil, nil, &stubLLM{response: "hi"}, map[string]bool{StepRetrieval: true})
	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "docs", Message: "hello"}
	e.Run(context.Background(), pc, nil)
	assert.Empty(t, pc.RetrievedDocs)
}

func TestRunLanguageAppendsInstructionWhenNonEnglishAndNoSystemPrompt(t *testing.T) {
	llm := &stubLLM{response: "hola"}
	e := newTestEngine(t, &stubRetriever{}, nil, &stubDetector{lang: "es"}, llm, nil)
	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "docs", Message: "hola"}
	e.Run(context.Background(), pc, nil)
	last := llm.gotMsgs[len(llm.gotMsgs)-1]
	assert.Contains(t, last.Content, "respond in es")
}

func TestRunStreamingModeInvokesOnChunkAndBuffersFinalResponse(t *testing.T) {
	llm := &stubLLM{}
	e := newTestEngine(t, &stubRetriever{}, &stubModerator{unsafePost: false}, nil, llm, nil)
	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "docs", Message: "hello"}

	var chunks []domain.StreamChunk
	resp := e.Run(context.Background(), pc, func(c domain.StreamChunk) { chunks = append(chunks, c) })
	require.NotEmpty(t, chunks)
	assert.Equal(t, "post", resp.Content)
}

func TestRunCancellationPropagatesToInference(t *testing.T) {
	e := newTestEngine(t, &stubRetriever{}, nil, nil, &stubLLM{response: "hi"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	pc := &domain.ProcessingContext{RequestID: "r1", SessionID: "s1", AdapterName: "docs", Message: "hello"}
	resp := e.Run(ctx, pc, nil)
	assert.NotEmpty(t, resp.Errors, "a cancelled context should surface as an error, not a panic")
}
