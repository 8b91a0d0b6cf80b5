// Package config provides the configuration schema and loader for the
// convoke gateway.
package config

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CacheBackend selects the response-cache storage.
type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
)

// IsValid reports whether b is a recognised cache backend.
func (b CacheBackend) IsValid() bool {
	return b == CacheMemory || b == CacheRedis
}

// Config is the root configuration structure for the gateway. It is
// typically loaded from a YAML file using [Load] or [LoadFromReader], after
// which [ApplyEnv] layers environment overrides on top.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Streaming StreamingConfig         `yaml:"streaming"`
	Providers map[string]ProviderConf `yaml:"providers"`
	Routing   RoutingConfig           `yaml:"routing"`
	Cache     CacheConfig             `yaml:"cache"`
	Memory    MemoryConfig            `yaml:"memory"`
	Search    SearchConfig            `yaml:"search"`

	// EncryptionKey protects provider credentials at rest. Hex or base64,
	// 32 bytes decoded. Normally supplied via ENCRYPTION_KEY rather than
	// the YAML file.
	EncryptionKey string `yaml:"encryption_key"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Environment is the deployment environment reported in telemetry
	// (e.g., "staging"). Optional.
	Environment string `yaml:"environment"`

	// TraceSampleRatio head-samples traces. 0 (the default) and 1 both
	// keep every trace; values in between drop the rest.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// StreamingConfig holds the streaming-pipeline rollout flags and timeouts.
type StreamingConfig struct {
	// SSEV2 enables the streaming pipeline. Overridden by DAC_SSE_V2.
	SSEV2 bool `yaml:"sse_v2"`

	// CoalesceEnabled turns the in-flight coalescer on.
	CoalesceEnabled bool `yaml:"coalesce_enabled"`

	// StreamFanoutEnabled lets coalesce followers share the leader's live
	// stream. When off, followers still deduplicate but receive the
	// buffered replay only after the leader finishes.
	StreamFanoutEnabled bool `yaml:"stream_fanout_enabled"`

	// AttemptTimeoutSeconds bounds a single upstream attempt. Default 15.
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`

	// TotalTimeoutSeconds bounds the whole request across the fallback
	// chain. Default 45.
	TotalTimeoutSeconds int `yaml:"total_timeout_seconds"`
}

// ProviderConf configures one upstream provider, keyed by provider name in
// [Config.Providers].
type ProviderConf struct {
	// Adapter selects the implementation: "openai" or "anyllm".
	Adapter string `yaml:"adapter"`

	// Backend is the any-llm backend name when Adapter is "anyllm"
	// (e.g., "anthropic", "gemini", "ollama").
	Backend string `yaml:"backend"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey is a process-wide fallback credential. Per-organisation keys
	// from the credential store take precedence.
	APIKey string `yaml:"api_key"`

	// Pacer governs the per-provider token bucket. Zero values fall back
	// to pacer defaults; <PROVIDER>_RPS, _BURST, and _CONCURRENCY
	// environment variables override.
	Pacer PacerConf `yaml:"pacer"`
}

// PacerConf holds per-provider pacing parameters.
type PacerConf struct {
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
	Concurrency int     `yaml:"concurrency"`
}

// RoutingConfig configures the router.
type RoutingConfig struct {
	// ConfidenceThreshold is the classifier confidence below which
	// ambiguous utterances start on the smallest capable model.
	// Default 0.5.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// Ladders maps an intent tag to its ordered fallback chain. Entries
	// are "provider/model" strings. Intents without a ladder use the
	// built-in defaults.
	Ladders map[string][]string `yaml:"ladders"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Backend selects "memory" or "redis". Default memory.
	Backend CacheBackend `yaml:"backend"`

	// RedisURL is the redis connection URL when Backend is "redis".
	// Overridden by REDIS_URL.
	RedisURL string `yaml:"redis_url"`

	// DefaultTTLSeconds overrides the default entry lifetime.
	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
}

// MemoryConfig holds conversation-memory settings.
type MemoryConfig struct {
	// PostgresDSN is the connection string for the durable store.
	// Overridden by DATABASE_URL. Empty means memory-only operation.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension of the fragments
	// column. Must match the configured embedding model. Default 1536.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// EmbeddingProvider selects the embeddings implementation:
	// "openai" or "ollama". Empty disables cross-thread fragments.
	EmbeddingProvider string `yaml:"embedding_provider"`

	// EmbeddingModel is the embedding model identifier.
	EmbeddingModel string `yaml:"embedding_model"`

	// MaxTurns bounds the in-memory rolling buffer of non-system turns.
	// Default 20.
	MaxTurns int `yaml:"max_turns"`

	// Persona is the system-prompt persona prepended to every request.
	Persona string `yaml:"persona"`
}

// SearchConfig configures the web-search provider used by the
// multisearch pipeline.
type SearchConfig struct {
	// Provider selects the implementation. Currently "brave".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the search API.
	APIKey string `yaml:"api_key"`
}
