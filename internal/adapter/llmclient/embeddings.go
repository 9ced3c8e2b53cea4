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

// EmbeddingsConfig configures an EmbeddingsClient against one OpenAI-
// compatible embeddings endpoint.
type EmbeddingsConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// EmbeddingsClient implements domain.EmbeddingClient against an
// OpenAI-compatible /embeddings endpoint, sharing Client's retry shape.
type EmbeddingsClient struct {
	cfg  EmbeddingsConfig
	http *http.Client
}

// NewEmbeddingsClient builds an EmbeddingsClient.
func NewEmbeddingsClient(cfg EmbeddingsConfig) *EmbeddingsClient {
	return &EmbeddingsClient{cfg: cfg, http: &http.Client{Timeout: 30 * time.Second}}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per entry in texts, in the same order, retrying
// transient upstream failures with bounded exponential backoff.
func (c *EmbeddingsClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("op=llmclient.Embed: %w: no base_url configured", domain.ErrUpstream)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	var parsed embeddingsResponse
	op := func() error {
		body, _ := json.Marshal(embeddingsRequest{Model: c.cfg.Model, Input: texts})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("embeddings status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("embeddings status %d", resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 15 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("op=llmclient.Embed: %w: %v", domain.ErrUpstream, err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}
