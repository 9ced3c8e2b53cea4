// Package ragseed ingests YAML text corpora into a vector adapter's Qdrant
// collection: parse file, embed each text, upsert deterministically-keyed
// points so re-running a seed file never creates duplicates.
package ragseed

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orbit-rag/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-rag/orbit/internal/domain"
)

type ragYAML struct {
	Items []string      `yaml:"items"`
	Texts []string      `yaml:"texts"`
	Data  []ragYAMLItem `yaml:"data"`
}

type ragYAMLItem struct {
	Text    string  `yaml:"text"`
	Type    string  `yaml:"type"`
	Section string  `yaml:"section"`
	Weight  float64 `yaml:"weight"`
}

// Source names one seed file and the collection it populates.
type Source struct {
	Path       string
	Collection string
}

// SeedFile ingests a single YAML seed file into the given collection.
func SeedFile(ctx context.Context, q *qdrant.Client, embeddings domain.EmbeddingClient, path, collection string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	wd = filepath.Clean(wd)
	if os.Getenv("RAGSEED_ALLOW_ABSPATHS") != "1" {
		if !strings.HasPrefix(abs, wd+string(os.PathSeparator)) && abs != wd {
			return fmt.Errorf("disallowed path: %s", abs)
		}
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("seed file not found: %s", path)
		}
		return err
	}

	var doc ragYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		var ls []string
		if err2 := yaml.Unmarshal(b, &ls); err2 != nil {
			return fmt.Errorf("yaml parse: %w", err)
		}
		if len(ls) == 0 {
			return fmt.Errorf("no texts to seed in %s", path)
		}
		return upsertAll(ctx, q, embeddings, collection, ls, nil)
	}

	meta := make(map[string]ragYAMLItem)
	for _, it := range doc.Data {
		if s := strings.TrimSpace(it.Text); s != "" {
			meta[s] = it
		}
	}

	seen := make(map[string]struct{})
	texts := make([]string, 0, len(doc.Items)+len(doc.Texts)+len(doc.Data))
	addUnique := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		texts = append(texts, s)
		seen[s] = struct{}{}
	}
	for _, it := range doc.Data {
		addUnique(it.Text)
	}
	for _, s := range doc.Items {
		addUnique(s)
	}
	for _, s := range doc.Texts {
		addUnique(s)
	}
	if len(texts) == 0 {
		return fmt.Errorf("no texts to seed in %s", path)
	}

	return upsertAll(ctx, q, embeddings, collection, texts, meta)
}

// SeedAll ingests every source in order, stopping at the first error so a
// misconfigured seed file doesn't leave half the sources silently unseeded.
func SeedAll(ctx context.Context, q *qdrant.Client, embeddings domain.EmbeddingClient, sources []Source) error {
	for _, src := range sources {
		if err := SeedFile(ctx, q, embeddings, src.Path, src.Collection); err != nil {
			return fmt.Errorf("source=%s collection=%s: %w", src.Path, src.Collection, err)
		}
	}
	return nil
}

// upsertAll embeds and upserts texts with optional per-text metadata in
// fixed-size batches, so a single oversized seed file doesn't blow past the
// embeddings provider's per-request token limit.
func upsertAll(ctx context.Context, q *qdrant.Client, embeddings domain.EmbeddingClient, collection string, texts []string, meta map[string]ragYAMLItem) error {
	const batch = 16
	for i := 0; i < len(texts); i += batch {
		end := i + batch
		if end > len(texts) {
			end = len(texts)
		}
		chunk := texts[i:end]
		vecs, err := embeddings.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		payloads := make([]map[string]any, len(chunk))
		ids := make([]any, len(chunk))
		for j := range chunk {
			p := map[string]any{"text": chunk[j], "source": collection}
			if meta != nil {
				if it, ok := meta[strings.TrimSpace(chunk[j])]; ok {
					if it.Type != "" {
						p["type"] = it.Type
					}
					if it.Section != "" {
						p["section"] = it.Section
					}
					if it.Weight > 0 {
						p["weight"] = it.Weight
					}
				}
			}
			payloads[j] = p
			sum := sha256.Sum256([]byte(collection + ":" + strings.TrimSpace(chunk[j])))
			ids[j] = fmt.Sprintf("%x", sum[:])
		}
		if err := q.UpsertPoints(ctx, collection, vecs, payloads, ids); err != nil {
			return fmt.Errorf("qdrant upsert: %w", err)
		}
	}
	return nil
}
