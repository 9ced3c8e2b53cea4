package domain

import "context"

// AdapterType enumerates the two shapes an adapter can take (spec §3).
type AdapterType string

const (
	AdapterTypeRetriever   AdapterType = "retriever"
	AdapterTypePassthrough AdapterType = "passthrough"
)

// RetrievalBehavior distinguishes the retriever implementation an adapter
// delegates to.
type RetrievalBehavior string

const (
	BehaviorVector      RetrievalBehavior = "vector"
	BehaviorSQL         RetrievalBehavior = "sql"
	BehaviorIntent      RetrievalBehavior = "intent"
	BehaviorHTTP        RetrievalBehavior = "http"
	BehaviorPassthrough RetrievalBehavior = "passthrough"
	BehaviorComposite   RetrievalBehavior = "composite"
)

// Capabilities describes what an adapter supports, used by C10 (autocomplete
// eligibility) and C8 (passthrough retrieval opt-in).
type Capabilities struct {
	SupportsAutocomplete bool
	SupportsFiles        bool
	RetrievalBehavior    RetrievalBehavior
}

// AdapterDescriptor is immutable after load (spec §3).
type AdapterDescriptor struct {
	Name              string
	Type              AdapterType
	Datasource        string
	ImplementationRef string
	Capabilities      Capabilities
	Config            map[string]any
}

// Retriever is the hot-path interface every concrete retriever variant
// implements (spec §4.7). Capability-typed rather than one dynamic-dispatch
// base class, per the "tagged variants" redesign note in spec §9.
type Retriever interface {
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	SetCollection(name string) error
	GetRelevantContext(ctx context.Context, query string, inv AdapterInvocation) ([]ContextDocument, RetrievalMeta, error)
}

// NLExampleProvider is implemented by adapters that can supply example
// phrases for the autocomplete engine (C10).
type NLExampleProvider interface {
	NLExamples(ctx context.Context) ([]string, error)
}

// CompositeAdapter aggregates several sub-adapters' examples/results (spec
// glossary "Composite adapter").
type CompositeAdapter interface {
	SubAdapterNames() []string
}

// AdapterResult is the per-adapter record produced by the executor (C6).
type AdapterResult struct {
	AdapterName   string
	Success       bool
	Data          []ContextDocument
	ExecutionTime float64 // seconds
	Error         error
	ContextEcho   AdapterInvocation
}
