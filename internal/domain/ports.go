package domain

import "context"

// EmbeddingClient abstracts the embedding provider used by the vector and
// intent-template retrievers (spec §1 "orchestrates them" — ORBIT calls an
// embedding provider, it does not train or host one).
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatMessage is a single turn handed to the LLM client.
type ChatMessage struct {
	Role    string
	Content string
}

// StreamChunk is one piece of a streaming LLM completion.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// LLMClient abstracts the inference provider (spec §4.8 step 5).
type LLMClient interface {
	Complete(ctx context.Context, messages []ChatMessage) (string, error)
	Stream(ctx context.Context, messages []ChatMessage) (<-chan StreamChunk, error)
}

// ModerationVerdict is the result of a safety check (spec §4.8 steps 1/6).
type ModerationVerdict struct {
	Unsafe     bool
	Categories []string
}

// Moderator abstracts the content-moderation provider.
type Moderator interface {
	Moderate(ctx context.Context, text string) (ModerationVerdict, error)
}

// Reranker abstracts the reranking provider (spec §4.8 step 4).
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []ContextDocument) ([]ContextDocument, error)
}

// LanguageDetector abstracts language identification (spec §4.8 step 2).
type LanguageDetector interface {
	Detect(ctx context.Context, text string) (string, error)
}

// SessionStore is the C9-adjacent port for session validation/extension
// used by C4.
type SessionStore interface {
	Validate(ctx context.Context, sessionID string) (bool, error)
	Touch(ctx context.Context, sessionID string) error
}

// APIKeyRecord is what C4 resolves an API key to.
type APIKeyRecord struct {
	AdapterName string
	Active      bool
	Fingerprint string
}

// APIKeyStore resolves API keys to their bound adapter.
type APIKeyStore interface {
	Resolve(ctx context.Context, apiKey string) (APIKeyRecord, error)
}
