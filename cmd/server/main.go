// Command server starts the ORBIT retrieval-augmented inference gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/orbit-rag/orbit/internal/adapter/filechunks"
	"github.com/orbit-rag/orbit/internal/adapter/langdetect"
	"github.com/orbit-rag/orbit/internal/adapter/llmclient"
	"github.com/orbit-rag/orbit/internal/adapter/repo/postgres"
	"github.com/orbit-rag/orbit/internal/adapter/templateindex"
	"github.com/orbit-rag/orbit/internal/adapter/vector/qdrant"
	"github.com/orbit-rag/orbit/internal/authn"
	"github.com/orbit-rag/orbit/internal/autocomplete"
	"github.com/orbit-rag/orbit/internal/breaker"
	"github.com/orbit-rag/orbit/internal/config"
	"github.com/orbit-rag/orbit/internal/domain"
	"github.com/orbit-rag/orbit/internal/executor"
	"github.com/orbit-rag/orbit/internal/history"
	"github.com/orbit-rag/orbit/internal/httpserver"
	"github.com/orbit-rag/orbit/internal/observability"
	"github.com/orbit-rag/orbit/internal/pipeline"
	"github.com/orbit-rag/orbit/internal/pool"
	"github.com/orbit-rag/orbit/internal/ratelimit"
	"github.com/orbit-rag/orbit/internal/registry"
	"github.com/orbit-rag/orbit/internal/retriever"
	"github.com/orbit-rag/orbit/internal/retriever/intent"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ragCfg, err := config.LoadRAGConfig(cfg.ConfigPath)
	if err != nil {
		slog.Error("failed to load domain config", slog.String("path", cfg.ConfigPath), slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()

	dbPool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbPool.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis ping failed at startup, continuing (fail-open)", slog.Any("error", err))
		}
		defer func() { _ = rdb.Close() }()
	}

	templates := templateindex.New()
	embeddings := llmclient.NewEmbeddingsClient(llmclient.EmbeddingsConfig{
		BaseURL: ragCfg.Embeddings.BaseURL,
		APIKey:  ragCfg.Embeddings.APIKey,
		Model:   ragCfg.Embeddings.Model,
	})
	llm := llmclient.New(llmclient.Config{
		BaseURL: ragCfg.Inference.BaseURL,
		APIKey:  ragCfg.Inference.APIKey,
		Model:   ragCfg.Inference.Model,
	})
	var moderator domain.Moderator
	if len(ragCfg.Moderators) > 0 {
		m := ragCfg.Moderators[0]
		moderator = llmclient.NewModerator(llmclient.ModerationConfig{BaseURL: m.BaseURL, APIKey: m.APIKey})
	}
	var reranker domain.Reranker
	if len(ragCfg.Rerankers) > 0 {
		r := ragCfg.Rerankers[0]
		reranker = llmclient.NewReranker(llmclient.RerankConfig{BaseURL: r.BaseURL, APIKey: r.APIKey})
	}
	detector := langdetect.New("en")
	fileBackend := filechunks.New(dbPool)

	poolCapacities := ragCfg.Performance.ThreadPools
	if len(poolCapacities) == 0 {
		poolCapacities = map[string]int{"io": 50, "cpu": 30, "inference": 20, "embedding": 15, "db": 25}
	}
	pools := pool.NewManager(poolCapacities)

	breakerDefaults := breaker.DefaultSettings()
	if ragCfg.FaultTolerance.Default.FailureThreshold > 0 {
		breakerDefaults = breaker.Settings{
			FailureThreshold: ragCfg.FaultTolerance.Default.FailureThreshold,
			SuccessThreshold: ragCfg.FaultTolerance.Default.SuccessThreshold,
			RecoveryTimeout:  ragCfg.FaultTolerance.Default.RecoveryTimeout,
			OpTimeout:        ragCfg.FaultTolerance.Default.OpTimeout,
		}
	}
	breakerOverrides := make(map[string]breaker.Settings, len(ragCfg.FaultTolerance.Adapters))
	for name, s := range ragCfg.FaultTolerance.Adapters {
		breakerOverrides[name] = breaker.Settings{
			FailureThreshold: s.FailureThreshold,
			SuccessThreshold: s.SuccessThreshold,
			RecoveryTimeout:  s.RecoveryTimeout,
			OpTimeout:        s.OpTimeout,
		}
	}
	breakers := breaker.NewManager(breakerDefaults, breakerOverrides)

	var reg *registry.Registry
	reg = registry.New(buildFactory(dbPool, rdb, templates, embeddings, llm, fileBackend, pools, &reg), breakers)

	descriptors, err := registry.FromConfigEntries(ragCfg.Adapters)
	if err != nil {
		slog.Error("failed to parse adapter descriptors", slog.Any("error", err))
		os.Exit(1)
	}
	if err := reg.Load(descriptors); err != nil {
		slog.Error("failed to load adapter registry", slog.Any("error", err))
		os.Exit(1)
	}

	exec := executor.New(breakers, pools, "io", 16)

	historySvc := history.New(history.NewPostgresStore(dbPool), nil, logger)

	pipelineCfg := pipeline.Config{
		DisabledSteps:       toSet(ragCfg.Pipeline.DisabledSteps),
		DefaultSystemPrompt: ragCfg.Pipeline.DefaultSystemPrompt,
		HistoryTurnLimit:    ragCfg.Pipeline.HistoryTurnLimit,
		HistoryMaxTokens:    ragCfg.Pipeline.HistoryMaxTokens,
		InferenceModel:      ragCfg.Pipeline.InferenceModel,
		InferencePool:       "inference",
	}
	if pipelineCfg.HistoryTurnLimit <= 0 {
		pipelineCfg.HistoryTurnLimit = 20
	}
	if pipelineCfg.HistoryMaxTokens <= 0 {
		pipelineCfg.HistoryMaxTokens = 4000
	}
	engine := pipeline.New(reg, exec, historySvc, moderator, detector, reranker, llm, pools, pipelineCfg)

	acEngine := autocomplete.New(reg, rdb, ragCfg.Autocomplete)

	apiKeyStore := authn.NewConfigAPIKeyStore(ragCfg.APIKeys)
	sessionStore := authn.NewRedisSessionStore(rdb, 24*time.Hour)
	authenticator := authn.New(apiKeyStore, sessionStore, cfg.AdminBearerToken)

	ipRules := ratelimit.ScopeRules{
		Minute: ratelimit.Rule{RequestsPerWindow: ragCfg.Security.RateLimiting.IPLimits.RequestsPerMinute, Window: time.Minute},
		Hour:   ratelimit.Rule{RequestsPerWindow: ragCfg.Security.RateLimiting.IPLimits.RequestsPerHour, Window: time.Hour},
	}
	apiKeyRules := ratelimit.ScopeRules{
		Minute: ratelimit.Rule{RequestsPerWindow: ragCfg.Security.RateLimiting.APIKeyLimits.RequestsPerMinute, Window: time.Minute},
		Hour:   ratelimit.Rule{RequestsPerWindow: ragCfg.Security.RateLimiting.APIKeyLimits.RequestsPerHour, Window: time.Hour},
	}
	limiter := ratelimit.New(rdb, ipRules, apiKeyRules, ragCfg.Security.RateLimiting.ExcludePaths)

	serverCfg := httpserver.Config{
		ModelsEndpointEnabled: ragCfg.General.ModelsEndpointEnabled,
		ChatTimeout:           ragCfg.Pipeline.PipelineTimeout,
	}
	if serverCfg.ChatTimeout <= 0 {
		serverCfg.ChatTimeout = 60 * time.Second
	}
	srv := httpserver.New(authenticator, limiter, reg, breakers, engine, acEngine, historySvc, serverCfg)
	handler := httpserver.NewRouter(srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	cleanupSvc := postgres.NewCleanupService(dbPool, cfg.HistoryRetentionDays)
	go cleanupSvc.RunPeriodic(cleanupCtx, 24*time.Hour)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancelCleanup()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = pools.Shutdown(cfg.ServerShutdownTimeout)
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func toSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}

// buildFactory returns the registry.Factory closure that turns an
// AdapterDescriptor into a concrete domain.Retriever, switching on
// Capabilities.RetrievalBehavior. regRef lets composite/intent adapters
// resolve sibling adapters back through the registry without an import
// cycle between internal/retriever and internal/registry.
func buildFactory(
	dbPool *pgxpool.Pool,
	rdb *redis.Client,
	templates *templateindex.Index,
	embeddings *llmclient.EmbeddingsClient,
	llm *llmclient.Client,
	fileBackend *filechunks.Backend,
	pools *pool.Manager,
	regRef **registry.Registry,
) registry.Factory {
	return func(ctx context.Context, desc domain.AdapterDescriptor) (domain.Retriever, error) {
		switch desc.Capabilities.RetrievalBehavior {
		case domain.BehaviorVector:
			backend := qdrant.NewBackend(qdrant.New(retriever.ConfigString(desc.Config, "qdrant_url", ""), retriever.ConfigString(desc.Config, "qdrant_api_key", "")))
			return retriever.NewVectorRetriever(desc.Name, embeddings, backend, pools, "embedding", desc.Config), nil

		case domain.BehaviorSQL:
			tmpl := retriever.SQLTemplate{
				Name:            retriever.ConfigString(desc.Config, "template_name", desc.Name),
				Query:           retriever.ConfigString(desc.Config, "query", ""),
				ApprovedByAdmin: desc.Config["approved_by_admin"] == true,
			}
			return retriever.NewSQLRetriever(desc.Name, dbPool, tmpl, desc.Config), nil

		case domain.BehaviorHTTP:
			return retriever.NewHTTPRetriever(desc.Name, desc.Config), nil

		case domain.BehaviorPassthrough:
			return retriever.NewPassthroughRetriever(desc.Name, fileBackend, desc.Config), nil

		case domain.BehaviorIntent:
			return buildIntentRetriever(desc, templates, embeddings, llm, pools, *regRef)

		case domain.BehaviorComposite:
			subNames := configStrings(desc.Config, "sub_adapters")
			resolve := func(ctx context.Context, name string) (domain.Retriever, error) {
				return (*regRef).Get(ctx, name)
			}
			return retriever.NewCompositeRetriever(desc.Name, subNames, resolve), nil

		default:
			return nil, fmt.Errorf("adapter=%s: unknown retrieval_behavior %q", desc.Name, desc.Capabilities.RetrievalBehavior)
		}
	}
}

// buildIntentRetriever reads config["templates"] (a list of maps: name,
// semantic_tags, examples, render_template, sub_adapter, params) and loads
// them into a per-adapter template collection before wiring the retriever.
func buildIntentRetriever(desc domain.AdapterDescriptor, templates *templateindex.Index, embeddings *llmclient.EmbeddingsClient, llm *llmclient.Client, pools *pool.Manager, reg *registry.Registry) (domain.Retriever, error) {
	collection := retriever.ConfigString(desc.Config, "template_collection", desc.Name)

	raw, _ := desc.Config["templates"].([]any)
	sources := make([]templateindex.TemplateSource, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		subName, _ := m["sub_adapter"].(string)
		sub, err := reg.Get(context.Background(), subName)
		if err != nil {
			return nil, fmt.Errorf("adapter=%s: intent template sub_adapter=%s: %w", desc.Name, subName, err)
		}
		sources = append(sources, templateindex.TemplateSource{
			Name:           stringField(m, "name"),
			SemanticTags:   stringsField(m, "semantic_tags"),
			Examples:       stringsField(m, "examples"),
			ParamSchema:    paramSchemaField(m, "params"),
			RenderTemplate: stringField(m, "render_template"),
			SubRetriever:   sub,
		})
	}
	if err := templates.Load(context.Background(), collection, embeddings, sources); err != nil {
		return nil, fmt.Errorf("adapter=%s: %w", desc.Name, err)
	}

	cfg := intent.Config{
		TemplateCollectionName: collection,
		TopM:                   retriever.ConfigInt(desc.Config, "top_m", 5),
		ConfidenceThreshold:    retriever.ConfigFloat(desc.Config, "confidence_threshold", 0),
		TagWeightings:          tagWeightingsField(desc.Config),
	}
	return intent.New(desc.Name, embeddings, templates, llm, pools, "embedding", "inference", cfg), nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringsField(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func configStrings(cfg map[string]any, key string) []string {
	raw, _ := cfg[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func paramSchemaField(m map[string]any, key string) []intent.ParamSpec {
	raw, _ := m[key].([]any)
	out := make([]intent.ParamSpec, 0, len(raw))
	for _, v := range raw {
		pm, ok := v.(map[string]any)
		if !ok {
			continue
		}
		required, _ := pm["required"].(bool)
		out = append(out, intent.ParamSpec{
			Name:     stringField(pm, "name"),
			Type:     stringField(pm, "type"),
			Required: required,
		})
	}
	return out
}

func tagWeightingsField(cfg map[string]any) map[string]float64 {
	raw, _ := cfg["tag_weightings"].(map[string]any)
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}
