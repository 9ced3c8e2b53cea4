package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/orbit-rag/orbit/internal/domain"
)

// RerankConfig configures a Reranker against one rerank endpoint.
type RerankConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Reranker calls an external cross-encoder rerank endpoint, implementing
// domain.Reranker.
type Reranker struct {
	cfg  RerankConfig
	http *http.Client
}

// NewReranker builds a Reranker.
func NewReranker(cfg RerankConfig) *Reranker {
	return &Reranker{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

// Rerank reorders docs by the endpoint's relevance scores, descending. An
// unconfigured BaseURL passes docs through unchanged — reranking is an
// optional step (spec §4.8 step 4 runs only when a provider is wired).
func (r *Reranker) Rerank(ctx context.Context, query string, docs []domain.ContextDocument) ([]domain.ContextDocument, error) {
	if r.cfg.BaseURL == "" || len(docs) == 0 {
		return docs, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	var results []rerankResult
	op := func() error {
		body, _ := json.Marshal(rerankRequest{Model: r.cfg.Model, Query: query, Documents: texts})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/rerank", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if r.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		}

		resp, err := r.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("rerank status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("rerank status %d", resp.StatusCode))
		}

		var parsed rerankResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(err)
		}
		results = parsed.Results
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("op=llmclient.Rerank: %w: %v", domain.ErrUpstream, err)
	}

	reordered := make([]domain.ContextDocument, 0, len(docs))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(docs) {
			continue
		}
		reordered = append(reordered, docs[res.Index])
	}
	if len(reordered) != len(docs) {
		return docs, nil
	}
	return reordered, nil
}
