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

// ModerationConfig configures a Moderator against one moderation endpoint.
type ModerationConfig struct {
	BaseURL string
	APIKey  string
}

// Moderator calls an external moderation endpoint, implementing
// domain.Moderator.
type Moderator struct {
	cfg  ModerationConfig
	http *http.Client
}

// NewModerator builds a Moderator.
func NewModerator(cfg ModerationConfig) *Moderator {
	return &Moderator{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}
}

type moderationRequest struct {
	Input string `json:"input"`
}

type moderationResponse struct {
	Unsafe     bool     `json:"unsafe"`
	Categories []string `json:"categories"`
}

// Moderate posts text to the configured endpoint and returns its verdict.
// An unconfigured BaseURL always reports safe — moderation is an optional,
// independently pluggable step (spec §4.8 steps 1/6 run it only when a
// provider is wired).
func (m *Moderator) Moderate(ctx context.Context, text string) (domain.ModerationVerdict, error) {
	if m.cfg.BaseURL == "" {
		return domain.ModerationVerdict{}, nil
	}

	var verdict domain.ModerationVerdict
	op := func() error {
		body, _ := json.Marshal(moderationRequest{Input: text})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/moderations", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if m.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
		}

		resp, err := m.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("moderation status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("moderation status %d", resp.StatusCode))
		}

		var parsed moderationResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(err)
		}
		verdict = domain.ModerationVerdict{Unsafe: parsed.Unsafe, Categories: parsed.Categories}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return domain.ModerationVerdict{}, fmt.Errorf("op=llmclient.Moderate: %w: %v", domain.ErrUpstream, err)
	}
	return verdict, nil
}
