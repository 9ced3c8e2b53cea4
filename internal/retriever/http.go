package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/orbit-rag/orbit/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPAuthKind selects how HTTPRetriever authenticates outbound requests
// (spec §4.7 "Auth is pluggable").
type HTTPAuthKind string

const (
	HTTPAuthNone   HTTPAuthKind = ""
	HTTPAuthBearer HTTPAuthKind = "bearer"
	HTTPAuthAPIKey HTTPAuthKind = "api_key_header"
	HTTPAuthBasic  HTTPAuthKind = "basic"
)

// HTTPRetriever implements domain.Retriever over a remote HTTP endpoint,
// grounded on the teacher's Qdrant HTTP client conventions (otelhttp
// transport, context-scoped timeouts) generalized with bounded retries.
type HTTPRetriever struct {
	adapterName       string
	baseURL           string
	client            *http.Client
	authKind          HTTPAuthKind
	authValue         string // bearer token / API key / "user:pass"
	apiKeyHeader      string
	maxRetries        int
	perRequestTimeout time.Duration
}

// NewHTTPRetriever builds an HTTPRetriever from a descriptor's config.
func NewHTTPRetriever(adapterName string, cfg map[string]any) *HTTPRetriever {
	perReq := time.Duration(ConfigInt(cfg, "request_timeout_ms", 3000)) * time.Millisecond
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("HTTPRetriever %s %s", r.Method, r.URL.Path)
		}),
	)
	return &HTTPRetriever{
		adapterName:       adapterName,
		baseURL:           ConfigString(cfg, "base_url", ""),
		client:            &http.Client{Timeout: perReq, Transport: transport},
		authKind:          HTTPAuthKind(ConfigString(cfg, "auth_kind", "")),
		authValue:         ConfigString(cfg, "auth_value", ""),
		apiKeyHeader:      ConfigString(cfg, "api_key_header_name", "X-API-Key"),
		maxRetries:        ConfigInt(cfg, "max_retries", 3),
		perRequestTimeout: perReq,
	}
}

func (h *HTTPRetriever) Initialize(ctx context.Context) error {
	if h.baseURL == "" {
		return fmt.Errorf("adapter=%s: missing base_url", h.adapterName)
	}
	return nil
}

func (h *HTTPRetriever) Close(ctx context.Context) error { return nil }

func (h *HTTPRetriever) SetCollection(name string) error { return nil }

func (h *HTTPRetriever) GetRelevantContext(ctx context.Context, query string, inv domain.AdapterInvocation) ([]domain.ContextDocument, domain.RetrievalMeta, error) {
	var results []struct {
		Content    string  `json:"content"`
		Source     string  `json:"source"`
		Confidence float64 `json:"confidence"`
	}

	op := func() error {
		body, _ := json.Marshal(map[string]any{"query": query, "request_id": inv.RequestID})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		h.applyAuth(req)

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("http retriever status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("http retriever status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&results)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(h.maxRetries))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, domain.RetrievalMeta{}, fmt.Errorf("op=httpRetriever.GetRelevantContext adapter=%s: %w: %v", h.adapterName, domain.ErrUpstream, err)
	}

	docs := make([]domain.ContextDocument, 0, len(results))
	for _, r := range results {
		docs = append(docs, domain.ContextDocument{
			Content: r.Content,
			Metadata: domain.ContextMetadata{
				Adapter:    h.adapterName,
				Source:     r.Source,
				Confidence: r.Confidence,
			},
			Score: r.Confidence,
		})
	}
	meta := domain.RetrievalMeta{
		ResultCount:    len(docs),
		TotalAvailable: len(docs),
		Stages:         domain.RetrievalStageCounts{Vector: len(docs), Confidence: len(docs), Domain: len(docs)},
	}
	return docs, meta, nil
}

func (h *HTTPRetriever) applyAuth(req *http.Request) {
	switch h.authKind {
	case HTTPAuthBearer:
		req.Header.Set("Authorization", "Bearer "+h.authValue)
	case HTTPAuthAPIKey:
		req.Header.Set(h.apiKeyHeader, h.authValue)
	case HTTPAuthBasic:
		if u, p, ok := splitBasic(h.authValue); ok {
			req.SetBasicAuth(u, p)
		}
	}
}

func splitBasic(v string) (user, pass string, ok bool) {
	for i := 0; i < len(v); i++ {
		if v[i] == ':' {
			return v[:i], v[i+1:], true
		}
	}
	return "", "", false
}
