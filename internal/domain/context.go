package domain

import "time"

// ConversationTurn is a single (role, content) entry in a session's history,
// as owned by the chat history service (C9).
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
	FileIDs   []string  `json:"file_ids,omitempty"`
	Adapters  []string  `json:"adapters_used,omitempty"`
}

// RetrievalStageCounts records the K-values of the multi-stage retrieval
// filter pipeline (spec §4.7): raw → confidence-filter → domain-filter →
// truncate.
type RetrievalStageCounts struct {
	Vector     int `json:"vector"`
	Confidence int `json:"confidence"`
	Domain     int `json:"domain"`
}

// RetrievalMeta is the bookkeeping attached to every retrieval result.
type RetrievalMeta struct {
	ResultCount    int                  `json:"result_count"`
	TotalAvailable int                  `json:"total_available"`
	Truncated      bool                 `json:"truncated"`
	Stages         RetrievalStageCounts `json:"stages"`
}

// ContextDocument is a single retrieved chunk of context, immutable once
// returned by a retriever (spec §3, §4.7 invariants).
type ContextDocument struct {
	Content       string          `json:"content"`
	Metadata      ContextMetadata `json:"metadata"`
	Score         float64         `json:"score"`
	TruncatedFlag bool            `json:"truncated_flag"`
}

// ContextMetadata carries provenance for a ContextDocument.
type ContextMetadata struct {
	Adapter    string  `json:"adapter"`
	Source     string  `json:"source"`
	ChunkID    string  `json:"chunk_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ProcessingContext is the value threaded through the pipeline for the
// lifetime of a single request. C8 (the pipeline engine) exclusively owns
// it; every other component receives a read-only view plus a structured
// kwargs bag, and returns new values rather than mutating it directly.
//
// Invariant: fields written by step k are not mutated by later steps,
// except Errors (appended to by every step) and LLMResponse (replaced by
// post-validation in step 6 on a moderation verdict).
type ProcessingContext struct {
	RequestID         string
	SessionID         string
	UserID            string
	APIKeyFingerprint string
	TraceID           string
	CorrelationID     string

	AdapterName string
	Message     string
	History     []ConversationTurn
	FileIDs     []string

	DetectedLanguage string

	RetrievedDocs []ContextDocument
	RetrievalMeta RetrievalMeta

	LLMResponse string

	Errors []TaggedError
}

// AddError appends a tagged error without ever panicking the pipeline;
// called from every step's error path instead of returning early with a Go
// error (spec §7: the pipeline never throws).
func (pc *ProcessingContext) AddError(kind ErrorKind, detail string) {
	pc.Errors = append(pc.Errors, TaggedError{Kind: kind, Detail: detail})
}

// HasErrorKind reports whether an error of the given kind was recorded.
func (pc *ProcessingContext) HasErrorKind(kind ErrorKind) bool {
	for _, e := range pc.Errors {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// AdapterInvocation is the structured kwargs bag propagated to every
// adapter call (spec §4.6 "Context propagation").
type AdapterInvocation struct {
	RequestID         string
	SessionID         string
	UserID            string
	TraceID           string
	CorrelationID     string
	FileIDs           []string
	APIKeyFingerprint string
	Query             string
}

// InvocationFrom builds the structured kwargs bag from a ProcessingContext.
func InvocationFrom(pc *ProcessingContext, query string) AdapterInvocation {
	return AdapterInvocation{
		RequestID:         pc.RequestID,
		SessionID:         pc.SessionID,
		UserID:            pc.UserID,
		TraceID:           pc.TraceID,
		CorrelationID:     pc.CorrelationID,
		FileIDs:           pc.FileIDs,
		APIKeyFingerprint: pc.APIKeyFingerprint,
		Query:             query,
	}
}

// PipelineResponse is the pipeline's terminal, never-an-error envelope
// (spec §7 propagation policy: "the pipeline never throws — it returns a
// response envelope").
type PipelineResponse struct {
	RequestID     string
	Content       string
	Refused       bool
	RetrievalMeta RetrievalMeta
	Errors        []TaggedError
}
