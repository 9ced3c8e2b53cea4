// Package autocomplete implements the autocomplete engine (C10): prefix
// suggestions over an adapter's nl_examples corpus, cached per adapter and
// scored by a pluggable fuzzy-matching algorithm.
package autocomplete

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orbit-rag/orbit/internal/config"
	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/registry"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
	"github.com/xrash/smetrics"
)

// Algorithm selects the fuzzy-matching mode (spec §4.10).
type Algorithm string

const (
	AlgorithmSubstring   Algorithm = "substring"
	AlgorithmLevenshtein Algorithm = "levenshtein"
	AlgorithmJaroWinkler Algorithm = "jaro_winkler"
)

// Suggestion is one scored autocomplete candidate.
type Suggestion struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// cache is the example-corpus cache port: Redis-backed when available,
// in-process otherwise — same "fail open to local" shape as C3's limiter
// falling back to allow-all when rdb is nil.
type cache interface {
	Get(ctx context.Context, key string) ([]string, bool)
	Set(ctx context.Context, key string, examples []string, ttl time.Duration)
}

// redisCache stores the corpus as JSON under a TTL key.
type redisCache struct{ rdb *redis.Client }

func (c *redisCache) Get(ctx context.Context, key string) ([]string, bool) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}
	var examples []string
	if err := json.Unmarshal([]byte(raw), &examples); err != nil {
		return nil, false
	}
	return examples, true
}

func (c *redisCache) Set(ctx context.Context, key string, examples []string, ttl time.Duration) {
	raw, err := json.Marshal(examples)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "autocomplete cache write failed", slog.Any("error", err))
	}
}

// localCache is the in-process fallback used when no Redis client is
// configured.
type localCache struct {
	mu      sync.Mutex
	entries map[string]localEntry
}

type localEntry struct {
	examples []string
	expires  time.Time
}

func newLocalCache() *localCache { return &localCache{entries: make(map[string]localEntry)} }

func (c *localCache) Get(ctx context.Context, key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.examples, true
}

func (c *localCache) Set(ctx context.Context, key string, examples []string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = localEntry{examples: examples, expires: time.Now().Add(ttl)}
}

// Engine is the autocomplete service (C10).
type Engine struct {
	registry  *registry.Registry
	cache     cache
	ttl       time.Duration
	algorithm Algorithm
	threshold float64
}

// New builds an Engine from the autocomplete configuration section. A nil
// rdb falls back to an in-process cache.
func New(reg *registry.Registry, rdb *redis.Client, cfg config.AutocompleteSection) *Engine {
	var c cache
	if rdb != nil {
		c = &redisCache{rdb: rdb}
	} else {
		c = newLocalCache()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	threshold := cfg.Threshold
	algo := Algorithm(cfg.Algorithm)
	switch algo {
	case AlgorithmSubstring, AlgorithmLevenshtein, AlgorithmJaroWinkler:
	default:
		algo = AlgorithmJaroWinkler
	}
	return &Engine{registry: reg, cache: c, ttl: ttl, algorithm: algo, threshold: threshold}
}

// Suggest returns up to limit ranked suggestions for prefix against
// adapterName's nl_examples corpus.
func (e *Engine) Suggest(ctx context.Context, adapterName, prefix string, limit int) ([]Suggestion, error) {
	examples, err := e.examplesFor(ctx, adapterName)
	if err != nil {
		return nil, err
	}

	scored := lo.FilterMap(examples, func(ex string, _ int) (Suggestion, bool) {
		score := e.score(prefix, ex)
		return Suggestion{Text: ex, Score: score}, score >= e.threshold
	})

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func cacheKey(adapterName string) string { return "autocomplete:examples:" + adapterName }

// examplesFor fetches (with caching) the merged nl_examples corpus for an
// adapter, expanding composite adapters into the union of their
// sub-adapters' examples per spec §4.10.
func (e *Engine) examplesFor(ctx context.Context, adapterName string) ([]string, error) {
	key := cacheKey(adapterName)
	if examples, ok := e.cache.Get(ctx, key); ok {
		return examples, nil
	}

	retr, err := e.registry.Get(ctx, adapterName)
	if err != nil {
		return nil, err
	}

	var examples []string
	if composite, ok := retr.(domain.CompositeAdapter); ok {
		for _, subName := range composite.SubAdapterNames() {
			subRetr, err := e.registry.Get(ctx, subName)
			if err != nil {
				slog.WarnContext(ctx, "autocomplete sub-adapter unavailable, skipping",
					slog.String("adapter", adapterName), slog.String("sub_adapter", subName), slog.Any("error", err))
				continue
			}
			if provider, ok := subRetr.(domain.NLExampleProvider); ok {
				subExamples, err := provider.NLExamples(ctx)
				if err != nil {
					slog.WarnContext(ctx, "nl_examples fetch failed, skipping sub-adapter",
						slog.String("sub_adapter", subName), slog.Any("error", err))
					continue
				}
				examples = append(examples, subExamples...)
			}
		}
	} else if provider, ok := retr.(domain.NLExampleProvider); ok {
		examples, err = provider.NLExamples(ctx)
		if err != nil {
			return nil, err
		}
	}

	e.cache.Set(ctx, key, examples, e.ttl)
	return examples, nil
}

// score computes algorithmic_similarity×100 − 0.05×length_penalty, the
// length penalty being the example's length: longer suggestions lose a
// little ground against equally-similar shorter ones, matching the
// spirit of a length-normalized fuzzy rank without the spec naming an
// exact formula for the penalty term.
func (e *Engine) score(prefix, example string) float64 {
	sim := similarity(e.algorithm, prefix, example)
	return sim*100 - 0.05*float64(len(example))
}

func similarity(algo Algorithm, prefix, example string) float64 {
	switch algo {
	case AlgorithmSubstring:
		return substringSimilarity(prefix, example)
	case AlgorithmLevenshtein:
		return levenshteinSimilarity(prefix, example)
	default:
		return smetrics.JaroWinkler(strings.ToLower(prefix), strings.ToLower(example), 0.7, 4)
	}
}

func substringSimilarity(prefix, example string) float64 {
	lowerPrefix, lowerExample := strings.ToLower(prefix), strings.ToLower(example)
	if lowerPrefix == "" {
		return 0
	}
	if strings.HasPrefix(lowerExample, lowerPrefix) {
		return 1.0
	}
	if strings.Contains(lowerExample, lowerPrefix) {
		return 0.6
	}
	return 0
}

func levenshteinSimilarity(prefix, example string) float64 {
	dist := smetrics.WagnerFischer(strings.ToLower(prefix), strings.ToLower(example), 1, 1, 1)
	maxLen := len(prefix)
	if len(example) > maxLen {
		maxLen = len(example)
	}
	if maxLen == 0 {
		return 1
	}
	sim := 1 - float64(dist)/float64(maxLen)
	if sim < 0 {
		return 0
	}
	return sim
}
