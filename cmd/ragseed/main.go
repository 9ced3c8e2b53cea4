// Command ragseed ingests YAML text corpora into a vector adapter's Qdrant
// collection ahead of time, so a freshly deployed gateway already has
// retrievable context instead of starting from an empty collection.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/orbit-rag/orbit/internal/adapter/llmclient"
	"github.com/orbit-rag/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-rag/orbit/internal/config"
	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/ragseed"
	"github.com/orbit-rag/orbit/internal/retriever"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	ragCfg, err := config.LoadRAGConfig(cfg.ConfigPath)
	if err != nil {
		slog.Error("domain config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	embeddings := llmclient.NewEmbeddingsClient(llmclient.EmbeddingsConfig{
		BaseURL: ragCfg.Embeddings.BaseURL,
		APIKey:  ragCfg.Embeddings.APIKey,
		Model:   ragCfg.Embeddings.Model,
	})

	ctx := context.Background()
	seeded := 0
	for _, adapter := range ragCfg.Adapters {
		if adapter.RetrievalBehavior != string(domain.BehaviorVector) {
			continue
		}
		sources := seedSources(adapter)
		if len(sources) == 0 {
			continue
		}
		client := qdrant.New(
			retriever.ConfigString(adapter.Config, "qdrant_url", ""),
			retriever.ConfigString(adapter.Config, "qdrant_api_key", ""),
		)
		if err := ragseed.SeedAll(ctx, client, embeddings, sources); err != nil {
			slog.Error("seed failed", slog.String("adapter", adapter.Name), slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("adapter seeded", slog.String("adapter", adapter.Name), slog.Int("sources", len(sources)))
		seeded++
	}

	if seeded == 0 {
		slog.Warn("no vector adapters had seed_sources configured, nothing to do")
		return
	}
	slog.Info("rag seeding complete", slog.Int("adapters_seeded", seeded))
}

// seedSources reads adapter.Config["seed_sources"], a list of
// {path, collection} maps, into ragseed.Source values.
func seedSources(adapter config.AdapterEntry) []ragseed.Source {
	raw, _ := adapter.Config["seed_sources"].([]any)
	out := make([]ragseed.Source, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		path, _ := m["path"].(string)
		collection, _ := m["collection"].(string)
		if path == "" || collection == "" {
			continue
		}
		out = append(out, ragseed.Source{Path: path, Collection: collection})
	}
	return out
}
