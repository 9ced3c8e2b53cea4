// Package intent implements ORBIT's intent-template (NL → query) retriever
// (C7's hardest sub-path, spec §4.7): embed, match against a per-adapter
// template collection, rerank with domain rules, extract parameters via an
// LLM, then delegate execution to a SQL or HTTP sub-retriever.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/pool"
	"github.com/samber/lo"
)

// ParamSpec is one parameter a template declares for LLM-driven extraction.
type ParamSpec struct {
	Name     string
	Type     string // "string" | "int" | "float" | "bool"
	Required bool
}

// Template is a single NL→query mapping bound to one sub-retriever.
type Template struct {
	Name           string
	SemanticTags   []string
	ParamSchema    []ParamSpec
	SubRetriever   domain.Retriever
	RenderTemplate string // e.g. "status:{{status}} since:{{since}}"
}

// TemplateMatch is a candidate template plus its vector-similarity score.
type TemplateMatch struct {
	Template Template
	Score    float64
}

// TemplateIndex abstracts the per-adapter template vector index (spec §4.7
// step 2: "collections are per-adapter to prevent cross-adapter leakage").
type TemplateIndex interface {
	Search(ctx context.Context, collectionName string, vector []float32, topM int) ([]TemplateMatch, error)
}

// Retriever implements domain.Retriever by resolving the NL query to a
// template, extracting its parameters via an LLM, and delegating execution.
type Retriever struct {
	adapterName         string
	embeddings          domain.EmbeddingClient
	index               TemplateIndex
	llm                 domain.LLMClient
	pools               *pool.Manager
	embeddingPool       string
	inferencePool       string
	templateCollection  string
	topM                int
	confidenceThreshold float64
	tagWeightings       map[string]float64
}

// Config bundles the construction knobs read from a descriptor's config map.
type Config struct {
	TemplateCollectionName string
	TopM                   int
	ConfidenceThreshold    float64
	TagWeightings          map[string]float64
}

// New builds an intent-template Retriever.
func New(adapterName string, embeddings domain.EmbeddingClient, index TemplateIndex, llm domain.LLMClient, pools *pool.Manager, embeddingPool, inferencePool string, cfg Config) *Retriever {
	if cfg.TopM <= 0 {
		cfg.TopM = 5
	}
	return &Retriever{
		adapterName:         adapterName,
		embeddings:          embeddings,
		index:               index,
		llm:                 llm,
		pools:               pools,
		embeddingPool:       embeddingPool,
		inferencePool:       inferencePool,
		templateCollection:  cfg.TemplateCollectionName,
		topM:                cfg.TopM,
		confidenceThreshold: cfg.ConfidenceThreshold,
		tagWeightings:       cfg.TagWeightings,
	}
}

func (r *Retriever) Initialize(ctx context.Context) error { return nil }
func (r *Retriever) Close(ctx context.Context) error      { return nil }
func (r *Retriever) SetCollection(name string) error {
	r.templateCollection = name
	return nil
}

func (r *Retriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	embed := func(c context.Context) (any, error) {
		vecs, err := r.embeddings.Embed(c, []string{query})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, fmt.Errorf("adapter=%s: empty embedding result", r.adapterName)
		}
		return vecs[0], nil
	}
	var rawVec any
	var err error
	if r.pools != nil {
		rawVec, err = r.pools.Submit(ctx, r.embeddingPool, embed)
	} else {
		rawVec, err = embed(ctx)
	}
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=intent.GetRelevantContext adapter=%s: %w: embed: %v", r.adapterName, domain.ErrUpstream, err)
	}

	matches, err := r.index.Search(ctx, r.templateCollection, rawVec.([]float32), r.topM)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=intent.GetRelevantContext adapter=%s: %w: template search: %v", r.adapterName, domain.ErrUpstream, err)
	}

	rerank(matches, query, r.tagWeightings)
	if len(matches) == 0 || matches[0].Score < r.confidenceThreshold {
		return []domain.ContextDocument{}, domain.RetrievalMeta{Stages: domain.RetrievalStageCounts{Vector: len(matches)}}, nil
	}
	winner := matches[0]

	params, err := r.extractParams(ctx, winner.Template, query)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=intent.GetRelevantContext adapter=%s template=%s: %w: param extraction: %v", r.adapterName, winner.Template.Name, domain.ErrUpstream, err)
	}

	rendered := render(winner.Template.RenderTemplate, params)
	docs, _, err := winner.Template.SubRetriever.GetRelevantContext(ctx, rendered, inv)
	if err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=intent.GetRelevantContext adapter=%s template=%s: %w: %v", r.adapterName, winner.Template.Name, domain.ErrUpstream, err)
	}

	for i := range docs {
		docs[i].Metadata.Adapter = r.adapterName
		docs[i].Metadata.Confidence = winner.Score
		docs[i].Score = winner.Score
	}
	meta := domain.RetrievalMeta{
		ResultCount:    len(docs),
		TotalAvailable: len(docs),
		Stages:         domain.RetrievalStageCounts{Vector: len(matches), Confidence: 1, Domain: len(docs)},
	}
	return docs, meta, nil
}

// rerank applies domain-rule weightings on semantic_tags present in query,
// in place, descending by adjusted score (spec §4.7 step 3).
func rerank(matches []TemplateMatch, query string, weightings map[string]float64) {
	lowered := strings.ToLower(query)
	for i, m := range matches {
		boost := lo.SumBy(m.Template.SemanticTags, func(tag string) float64 {
			if strings.Contains(lowered, strings.ToLower(tag)) {
				return weightings[tag]
			}
			return 0
		})
		matches[i].Score += boost
	}
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

// extractParams calls the LLM to pull the template's declared parameters
// out of the free-form query, validating type and required-ness (spec
// §4.7 step 5).
func (r *Retriever) extractParams(ctx context.Context, tmpl Template, query string) (map[string]string, error) {
	if len(tmpl.ParamSchema) == 0 {
		return map[string]string{}, nil
	}

	var schemaDesc strings.Builder
	for _, p := range tmpl.ParamSchema {
		fmt.Fprintf(&schemaDesc, "- %s (%s, required=%v)\n", p.Name, p.Type, p.Required)
	}
	prompt := fmt.Sprintf(
		"Extract the following parameters from the user query as a flat JSON object of string values. "+
			"Parameters:\n%s\nUser query: %q\nRespond with JSON only.", schemaDesc.String(), query)

	complete := func(c context.Context) (any, error) {
		return r.llm.Complete(c, []domain.ChatMessage{{Role: "user", Content: prompt}})
	}
	var raw any
	var err error
	if r.pools != nil {
		raw, err = r.pools.Submit(ctx, r.inferencePool, complete)
	} else {
		raw, err = complete(ctx)
	}
	if err != nil {
		return nil, err
	}

	var extracted map[string]any
	if jsonErr := json.Unmarshal([]byte(raw.(string)), &extracted); jsonErr != nil {
		return nil, fmt.Errorf("malformed parameter extraction response: %w", jsonErr)
	}

	out := make(map[string]string, len(tmpl.ParamSchema))
	for _, p := range tmpl.ParamSchema {
		v, present := extracted[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		str, typeErr := coerce(v, p.Type)
		if typeErr != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.Name, typeErr)
		}
		out[p.Name] = str
	}
	return out, nil
}

func coerce(v any, kind string) (string, error) {
	switch kind {
	case "int":
		switch n := v.(type) {
		case float64:
			return strconv.Itoa(int(n)), nil
		case string:
			if _, err := strconv.Atoi(n); err != nil {
				return "", fmt.Errorf("expected int, got %q", n)
			}
			return n, nil
		}
		return "", fmt.Errorf("expected int, got %v", v)
	case "float":
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		case string:
			if _, err := strconv.ParseFloat(n, 64); err != nil {
				return "", fmt.Errorf("expected float, got %q", n)
			}
			return n, nil
		}
		return "", fmt.Errorf("expected float, got %v", v)
	case "bool":
		switch b := v.(type) {
		case bool:
			return strconv.FormatBool(b), nil
		case string:
			if _, err := strconv.ParseBool(b); err != nil {
				return "", fmt.Errorf("expected bool, got %q", b)
			}
			return b, nil
		}
		return "", fmt.Errorf("expected bool, got %v", v)
	default:
		return fmt.Sprint(v), nil
	}
}

// render substitutes {{name}} placeholders in a template string with
// extracted parameter values.
func render(tmplText string, params map[string]string) string {
	out := tmplText
	for name, val := range params {
		out = strings.ReplaceAll(out, "{{"+name+"}}", val)
	}
	return out
}
