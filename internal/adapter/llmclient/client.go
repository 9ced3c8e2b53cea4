// Package llmclient implements the external chat-completion, moderation,
// and rerank HTTP adapters the pipeline engine orchestrates (spec §1
// Non-goals: the core "does not implement an LLM"; it calls one). The
// retry/backoff/tracing shape is generalized from the teacher's
// internal/adapter/ai/real client, which hits OpenRouter/Groq the same way.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/orbit-rag/orbit/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config configures a Client against one OpenAI-compatible chat endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Client is an OpenAI-compatible chat-completion client implementing
// domain.LLMClient.
type Client struct {
	cfg     Config
	http    *http.Client
	backoff func() *backoff.ExponentialBackOff
}

// New builds a Client. An empty BaseURL makes every call fail fast with
// domain.ErrUpstream rather than attempting a request to "".
func New(cfg Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "llmclient." + r.Method
		}))
	return &Client{
		cfg:  cfg,
		http: &http.Client{Transport: transport, Timeout: 60 * time.Second},
		backoff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 20 * time.Second
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

type chatCompletionRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message domain.ChatMessage `json:"message"`
		Delta   domain.ChatMessage `json:"delta"`
	} `json:"choices"`
}

// Complete sends messages and returns the first choice's content, retrying
// transient failures (connection reset, 5xx) with bounded exponential
// backoff and jitter (spec §7 propagation policy).
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("op=llmclient.Complete: %w: no base_url configured", domain.ErrUpstream)
	}

	var content string
	op := func() error {
		body, _ := json.Marshal(chatCompletionRequest{Model: c.cfg.Model, Messages: messages})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuthHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
		}

		var parsed chatCompletionResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(err)
		}
		if len(parsed.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("empty choices"))
		}
		content = parsed.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return "", fmt.Errorf("op=llmclient.Complete: %w: %v", domain.ErrUpstream, err)
	}
	return content, nil
}

// Stream sends messages and relays each SSE "data:" line's delta content
// on the returned channel, closing it when the upstream sends "[DONE]" or
// the response body ends.
func (c *Client) Stream(ctx context.Context, messages []domain.ChatMessage) (<-chan domain.StreamChunk, error) {
	if c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("op=llmclient.Stream: %w: no base_url configured", domain.ErrUpstream)
	}

	body, _ := json.Marshal(chatCompletionRequest{Model: c.cfg.Model, Messages: messages, Stream: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=llmclient.Stream: %w: %v", domain.ErrUpstream, err)
	}
	c.setAuthHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=llmclient.Stream: %w: %v", domain.ErrUpstream, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("op=llmclient.Stream: %w: upstream status %d", domain.ErrUpstream, resp.StatusCode)
	}

	ch := make(chan domain.StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}
			var parsed chatCompletionResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				continue
			}
			if len(parsed.Choices) == 0 {
				continue
			}
			select {
			case ch <- domain.StreamChunk{Delta: parsed.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			select {
			case ch <- domain.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}
