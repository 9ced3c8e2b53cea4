package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// RAGConfig is the hierarchical domain configuration loaded from the YAML
// file referenced by Config.ConfigPath (spec §6 "Configuration format").
// Unlike Config (env-only, process bootstrap), this carries everything an
// operator tunes per deployment: datasources, adapters, fault tolerance,
// thread pools, rate limits.
type RAGConfig struct {
	General        GeneralSection        `yaml:"general"`
	APIKeys        []APIKeyEntry         `yaml:"api_keys"`
	Logging        LoggingSection        `yaml:"logging"`
	Internal       InternalServices      `yaml:"internal_services"`
	Datasources    []DatasourceEntry     `yaml:"datasources"`
	Embeddings     EmbeddingsSection     `yaml:"embeddings"`
	Inference      InferenceSection      `yaml:"inference"`
	Rerankers      []RerankerEntry       `yaml:"rerankers"`
	Moderators     []ModeratorEntry      `yaml:"moderators"`
	Adapters       []AdapterEntry        `yaml:"adapters"`
	FaultTolerance FaultToleranceSection `yaml:"fault_tolerance"`
	Autocomplete   AutocompleteSection   `yaml:"autocomplete"`
	Performance    PerformanceSection    `yaml:"performance"`
	Security       SecuritySection       `yaml:"security"`
	Pipeline       PipelineSection       `yaml:"pipeline"`
}

// GeneralSection holds deployment-wide identity settings.
type GeneralSection struct {
	Name                  string `yaml:"name"`
	Environment           string `yaml:"environment"`
	ModelsEndpointEnabled bool   `yaml:"models_endpoint_enabled"`
}

// APIKeyEntry binds one API key to one adapter (spec §3 "API key record").
type APIKeyEntry struct {
	Fingerprint string `yaml:"fingerprint"`
	Secret      string `yaml:"secret"`
	Adapter     string `yaml:"adapter"`
	Active      bool   `yaml:"active"`
}

// LoggingSection configures the structured logger.
type LoggingSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// InternalServices groups connection settings for stateful backends.
type InternalServices struct {
	Redis   RedisSection   `yaml:"redis"`
	Mongodb MongodbSection `yaml:"mongodb"`
}

// RedisSection configures the C3/C10 Redis connection.
type RedisSection struct {
	URL      string `yaml:"url"`
	Database int    `yaml:"database"`
}

// MongodbSection holds the mongodb block of the YAML config. Nothing in the
// module reads it; C9 persists chat history to postgres only.
type MongodbSection struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// DatasourceEntry is a named backing store a retriever adapter binds to.
type DatasourceEntry struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // vector | sql | http
	DSN        string `yaml:"dsn"`
	Collection string `yaml:"collection"`
}

// EmbeddingsSection configures the embedding provider used by vector and
// intent-template retrievers.
type EmbeddingsSection struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// InferenceSection configures the chat-completion provider used by the
// pipeline's inference step.
type InferenceSection struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// RerankerEntry configures an optional result reranker.
type RerankerEntry struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ModeratorEntry configures a moderation provider used for pre/post checks.
type ModeratorEntry struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// AdapterEntry is the on-disk shape of an AdapterDescriptor (spec §3),
// loaded by C5's registry.
type AdapterEntry struct {
	Name                 string         `yaml:"name" validate:"required"`
	Type                 string         `yaml:"type" validate:"required"` // retriever | passthrough
	Datasource           string         `yaml:"datasource"`
	ImplementationRef    string         `yaml:"implementation_ref" validate:"required"`
	SupportsAutocomplete bool           `yaml:"supports_autocomplete"`
	SupportsFiles        bool           `yaml:"supports_files"`
	RetrievalBehavior    string         `yaml:"retrieval_behavior" validate:"required"`
	Config               map[string]any `yaml:"config"`
}

// FaultToleranceSection configures C2's defaults and per-adapter overrides.
type FaultToleranceSection struct {
	Default  BreakerSettings            `yaml:"default"`
	Adapters map[string]BreakerSettings `yaml:"adapters"`
}

// BreakerSettings mirrors spec §4.2's per-adapter circuit breaker knobs.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	OpTimeout        time.Duration `yaml:"op_timeout"`
}

// AutocompleteSection configures C10.
type AutocompleteSection struct {
	Algorithm   string        `yaml:"algorithm"` // substring | levenshtein | jaro_winkler
	Threshold   float64       `yaml:"threshold"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	MaxExamples int           `yaml:"max_examples"`
}

// PerformanceSection groups pool sizing.
type PerformanceSection struct {
	ThreadPools map[string]int `yaml:"thread_pools"`
}

// SecuritySection groups rate-limiting configuration.
type SecuritySection struct {
	RateLimiting RateLimitingSection `yaml:"rate_limiting"`
}

// RateLimitingSection configures C3.
type RateLimitingSection struct {
	IPLimits     RateLimitRule `yaml:"ip_limits"`
	APIKeyLimits RateLimitRule `yaml:"api_key_limits"`
	ExcludePaths []string      `yaml:"exclude_paths"`
}

// RateLimitRule is a pair of requests-per-window limits: both the minute
// and hour windows are checked and incremented per request (spec §4.3),
// so a client can be caught by the hour ceiling even while staying under
// the per-minute limit.
type RateLimitRule struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`
}

// PipelineSection configures C8 (step toggles and prompt-assembly defaults).
type PipelineSection struct {
	DisabledSteps       []string      `yaml:"disabled_steps"` // safety | language_detection | retrieval | rerank | post_validation
	DefaultSystemPrompt string        `yaml:"default_system_prompt"`
	HistoryTurnLimit    int           `yaml:"history_turn_limit"`
	HistoryMaxTokens    int           `yaml:"history_max_tokens"`
	InferenceModel      string        `yaml:"inference_model"`
	PipelineTimeout     time.Duration `yaml:"pipeline_timeout"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:default} references in raw YAML
// bytes before unmarshalling, per spec §6's configuration format. No pack
// library performs this specific substitution syntax, so it is implemented
// directly against os.LookupEnv and regexp (stdlib; see DESIGN.md).
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		name := string(groups[1])
		def := string(groups[3])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return []byte(def)
	})
}

// LoadRAGConfig reads and parses the YAML domain config at path, applying
// ${VAR}/${VAR:default} substitution before unmarshalling.
func LoadRAGConfig(path string) (*RAGConfig, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRAGConfig: read %s: %w", path, err)
	}

	expanded := expandEnv(raw)

	var cfg RAGConfig
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("op=config.LoadRAGConfig: parse %s: %w", path, err)
	}
	return &cfg, nil
}
