// Package pipeline implements the pipeline engine (C8): the ordered,
// cancellable, disable-able request path that turns a user message into a
// response envelope — safety, language detection, context retrieval,
// optional rerank, LLM inference, and post-validation.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/executor"
	"github.com/orbit-rag/orbit/internal/history"
	"github.com/orbit-rag/orbit/internal/observability"
	"github.com/orbit-rag/orbit/internal/pool"
	"github.com/orbit-rag/orbit/internal/registry"
)

// Step names, used both for the disabled_steps configuration set and for
// observability.RecordPipelineStep's label.
const (
	StepSafety            = "safety"
	StepLanguageDetection = "language_detection"
	StepRetrieval         = "retrieval"
	StepRerank            = "rerank"
	StepInference         = "inference"
	StepPostValidation    = "post_validation"
)

const refusalResponse = "I can't help with that request."

// Config holds the Engine's prompt-assembly and toggle settings, sourced
// from config.PipelineSection.
type Config struct {
	DisabledSteps       map[string]bool
	DefaultSystemPrompt string
	HistoryTurnLimit    int
	HistoryMaxTokens    int
	InferenceModel      string
	InferencePool       string
}

// Engine wires together every port C8 depends on: C5 (registry), C6
// (executor), C9 (history), plus the moderation/language/rerank/LLM
// providers and the pool manager the inference call runs through.
type Engine struct {
	registry  *registry.Registry
	executor  *executor.Executor
	history   *history.Service
	moderator domain.Moderator
	detector  domain.LanguageDetector
	reranker  domain.Reranker
	llm       domain.LLMClient
	pools     *pool.Manager
	cfg       Config
}

// New builds an Engine. moderator/detector/reranker may be nil, in which
// case their steps are treated as disabled.
func New(reg *registry.Registry, exec *executor.Executor, hist *history.Service, moderator domain.Moderator, detector domain.LanguageDetector, reranker domain.Reranker, llm domain.LLMClient, pools *pool.Manager, cfg Config) *Engine {
	return &Engine{
		registry:  reg,
		executor:  exec,
		history:   hist,
		moderator: moderator,
		detector:  detector,
		reranker:  reranker,
		llm:       llm,
		pools:     pools,
		cfg:       cfg,
	}
}

func (e *Engine) enabled(step string) bool {
	return !e.cfg.DisabledSteps[step]
}

// Run executes all six steps against pc and returns the terminal response
// envelope. onChunk, when non-nil, is invoked with each streamed delta as
// it arrives during step 5; the returned PipelineResponse always reflects
// the post-validated (possibly refused) content, even though onChunk may
// already have delivered the pre-validation text to the caller — callers
// using streaming mode must treat the final envelope as authoritative for
// what gets persisted to history and logged, not the raw stream.
func (e *Engine) Run(ctx context.Context, pc *domain.ProcessingContext, onChunk func(domain.StreamChunk)) domain.PipelineResponse {
	if e.enabled(StepSafety) {
		if refused, resp := e.runSafety(ctx, pc); refused {
			return resp
		}
	}

	if e.enabled(StepLanguageDetection) {
		e.runLanguageDetection(ctx, pc)
	} else {
		pc.DetectedLanguage = "en"
	}

	var descriptor domain.AdapterDescriptor
	if e.enabled(StepRetrieval) {
		descriptor = e.runRetrieval(ctx, pc)
	}

	if e.enabled(StepRerank) {
		e.runRerank(ctx, pc)
	}

	e.runInference(ctx, pc, descriptor, onChunk)

	if e.enabled(StepPostValidation) {
		if refused := e.runPostValidation(ctx, pc); refused {
			return domain.PipelineResponse{
				RequestID:     pc.RequestID,
				Content:       refusalResponse,
				Refused:       true,
				RetrievalMeta: pc.RetrievalMeta,
				Errors:        pc.Errors,
			}
		}
	}

	return domain.PipelineResponse{
		RequestID:     pc.RequestID,
		Content:       pc.LLMResponse,
		RetrievalMeta: pc.RetrievalMeta,
		Errors:        pc.Errors,
	}
}

func timeStep(step string, start time.Time) {
	observability.RecordPipelineStep(step, time.Since(start).Seconds())
}

// runSafety sends the user's message to the moderation provider. On an
// "unsafe" verdict the pipeline short-circuits to a fixed refusal: no
// retrieval, no LLM call.
func (e *Engine) runSafety(ctx context.Context, pc *domain.ProcessingContext) (bool, domain.PipelineResponse) {
	start := time.Now()
	defer timeStep(StepSafety, start)

	if e.moderator == nil {
		return false, domain.PipelineResponse{}
	}

	verdict, err := e.moderator.Moderate(ctx, pc.Message)
	if err != nil {
		pc.AddError(domain.KindUpstream, fmt.Sprintf("pre-moderation failed: %v", err))
		observability.RecordModerationVerdict("pre", false)
		return false, domain.PipelineResponse{}
	}
	observability.RecordModerationVerdict("pre", verdict.Unsafe)
	if !verdict.Unsafe {
		return false, domain.PipelineResponse{}
	}

	pc.AddError(domain.KindModerationUnsafe, strings.Join(verdict.Categories, ","))
	return true, domain.PipelineResponse{
		RequestID: pc.RequestID,
		Content:   refusalResponse,
		Refused:   true,
		Errors:    pc.Errors,
	}
}

// runLanguageDetection sets detected_language. A detector failure never
// fails the pipeline; the default is English.
func (e *Engine) runLanguageDetection(ctx context.Context, pc *domain.ProcessingContext) {
	start := time.Now()
	defer timeStep(StepLanguageDetection, start)

	pc.DetectedLanguage = "en"
	if e.detector == nil {
		return
	}
	lang, err := e.detector.Detect(ctx, pc.Message)
	if err != nil {
		pc.AddError(domain.KindUpstream, fmt.Sprintf("language detection failed: %v", err))
		return
	}
	if lang != "" {
		pc.DetectedLanguage = lang
	}
}

// runRetrieval resolves adapter_name via C5, and — unless the adapter is
// passthrough-typed without file support and the request carries no file
// ids — delegates to C6 to fetch
// context. It returns the resolved descriptor so runInference can read its
// system_prompt config entry.
func (e *Engine) runRetrieval(ctx context.Context, pc *domain.ProcessingContext) domain.AdapterDescriptor {
	start := time.Now()
	defer timeStep(StepRetrieval, start)

	descriptor, ok := e.registry.Descriptor(pc.AdapterName)
	if !ok {
		pc.AddError(domain.KindAdapterNotFound, pc.AdapterName)
		return domain.AdapterDescriptor{}
	}

	if descriptor.Type == domain.AdapterTypePassthrough && !descriptor.Capabilities.SupportsFiles && len(pc.FileIDs) == 0 {
		return descriptor
	}

	primary, err := e.registry.Get(ctx, descriptor.Name)
	if err != nil {
		pc.AddError(domain.KindAdapterFailure, fmt.Sprintf("adapter=%s: %v", descriptor.Name, err))
		return descriptor
	}

	names := []string{descriptor.Name}
	if composite, ok := primary.(domain.CompositeAdapter); ok {
		names = composite.SubAdapterNames()
	}

	reqs := make([]executor.Request, 0, len(names))
	if len(names) == 1 && names[0] == descriptor.Name {
		reqs = append(reqs, executor.Request{AdapterName: descriptor.Name, Retriever: primary})
	} else {
		for _, name := range names {
			r, err := e.registry.Get(ctx, name)
			if err != nil {
				pc.AddError(domain.KindAdapterFailure, fmt.Sprintf("adapter=%s: %v", name, err))
				continue
			}
			reqs = append(reqs, executor.Request{AdapterName: name, Retriever: r})
		}
	}
	if len(reqs) == 0 {
		return descriptor
	}

	strategy := executor.Strategy(configString(descriptor.Config, "retrieval_strategy", string(executor.StrategyAll)))
	timeout := configDuration(descriptor.Config, "retrieval_timeout_ms", 10*time.Second)

	inv := domain.InvocationFrom(pc, pc.Message)
	results := e.executor.Run(ctx, reqs, pc.Message, inv, strategy, timeout)

	var docs []domain.ContextDocument
	total, truncated := 0, false
	for _, res := range results {
		if !res.Success {
			if res.Error != nil {
				pc.AddError(domain.KindAdapterFailure, fmt.Sprintf("adapter=%s: %v", res.AdapterName, res.Error))
			}
			continue
		}
		docs = append(docs, res.Data...)
		total += len(res.Data)
	}
	pc.RetrievedDocs = docs
	pc.RetrievalMeta = domain.RetrievalMeta{
		ResultCount:    len(docs),
		TotalAvailable: total,
		Truncated:      truncated,
	}
	return descriptor
}

// runRerank re-scores retrieved_docs via the external reranker, preserving
// original order on any failure.
func (e *Engine) runRerank(ctx context.Context, pc *domain.ProcessingContext) {
	start := time.Now()
	defer timeStep(StepRerank, start)

	if e.reranker == nil || len(pc.RetrievedDocs) == 0 {
		return
	}
	reranked, err := e.reranker.Rerank(ctx, pc.Message, pc.RetrievedDocs)
	if err != nil {
		pc.AddError(domain.KindUpstream, fmt.Sprintf("rerank failed, preserving original order: %v", err))
		return
	}
	pc.RetrievedDocs = reranked
}

// runInference constructs the prompt [system_prompt, history_window,
// retrieval_block?, user_message] and calls the LLM through the inference
// pool, in streaming or non-streaming mode.
func (e *Engine) runInference(ctx context.Context, pc *domain.ProcessingContext, descriptor domain.AdapterDescriptor, onChunk func(domain.StreamChunk)) {
	start := time.Now()
	defer timeStep(StepInference, start)

	systemPrompt := configString(descriptor.Config, "system_prompt", e.cfg.DefaultSystemPrompt)

	model := e.cfg.InferenceModel
	if m := configString(descriptor.Config, "inference_model", ""); m != "" {
		model = m
	}

	historyWindow := pc.History
	if e.history != nil {
		window, err := e.history.GetConversationHistory(ctx, pc.SessionID, e.cfg.HistoryTurnLimit, model, e.cfg.HistoryMaxTokens)
		if err != nil {
			pc.AddError(domain.KindUpstream, fmt.Sprintf("history fetch failed: %v", err))
		} else {
			historyWindow = window
		}
	}
	pc.History = historyWindow

	userMessage := pc.Message
	if pc.DetectedLanguage != "" && pc.DetectedLanguage != "en" {
		instruction := fmt.Sprintf("respond in %s", pc.DetectedLanguage)
		if systemPrompt == "" {
			userMessage = userMessage + "\n\n" + instruction
		} else {
			systemPrompt = systemPrompt + "\n" + instruction
		}
	}

	messages := make([]domain.ChatMessage, 0, len(historyWindow)+3)
	if systemPrompt != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: systemPrompt})
	}
	for _, turn := range historyWindow {
		messages = append(messages, domain.ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	if block := retrievalBlock(pc.RetrievedDocs); block != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: block})
	}
	messages = append(messages, domain.ChatMessage{Role: "user", Content: userMessage})

	if e.llm == nil {
		pc.AddError(domain.KindInternal, "no inference provider configured")
		return
	}

	poolName := e.cfg.InferencePool
	if poolName == "" {
		poolName = "inference"
	}

	if onChunk == nil {
		complete := func(ctx context.Context) (any, error) { return e.llm.Complete(ctx, messages) }
		var result any
		var err error
		if e.pools != nil {
			result, err = e.pools.Submit(ctx, poolName, complete)
		} else {
			result, err = complete(ctx)
		}
		if err != nil {
			pc.AddError(domain.KindUpstream, fmt.Sprintf("inference failed: %v", err))
			return
		}
		pc.LLMResponse, _ = result.(string)
		return
	}

	stream := func(ctx context.Context) (any, error) { return e.llm.Stream(ctx, messages) }
	var chRaw any
	var err error
	if e.pools != nil {
		chRaw, err = e.pools.Submit(ctx, poolName, stream)
	} else {
		chRaw, err = stream(ctx)
	}
	if err != nil {
		pc.AddError(domain.KindUpstream, fmt.Sprintf("inference stream failed: %v", err))
		return
	}
	ch, _ := chRaw.(<-chan domain.StreamChunk)
	var buf strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			pc.AddError(domain.KindUpstream, fmt.Sprintf("inference stream error: %v", chunk.Err))
			break
		}
		buf.WriteString(chunk.Delta)
		onChunk(chunk)
	}
	pc.LLMResponse = buf.String()
}

func retrievalBlock(docs []domain.ContextDocument) string {
	if len(docs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant context:\n")
	for _, d := range docs {
		sb.WriteString("- ")
		sb.WriteString(d.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// runPostValidation moderates the final response; on "unsafe" it records a
// flag in errors and signals the caller to substitute the refusal.
func (e *Engine) runPostValidation(ctx context.Context, pc *domain.ProcessingContext) bool {
	start := time.Now()
	defer timeStep(StepPostValidation, start)

	if e.moderator == nil || pc.LLMResponse == "" {
		return false
	}
	verdict, err := e.moderator.Moderate(ctx, pc.LLMResponse)
	if err != nil {
		pc.AddError(domain.KindUpstream, fmt.Sprintf("post-moderation failed: %v", err))
		return false
	}
	observability.RecordModerationVerdict("post", verdict.Unsafe)
	if !verdict.Unsafe {
		return false
	}
	pc.AddError(domain.KindModerationUnsafe, strings.Join(verdict.Categories, ","))
	return true
}

func configString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func configDuration(cfg map[string]any, key string, def time.Duration) time.Duration {
	if v, ok := cfg[key]; ok {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Millisecond
		case float64:
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
