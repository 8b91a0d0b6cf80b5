package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidAdapters lists the known provider adapter implementations.
var ValidAdapters = []string{"openai", "anyllm"}

// ValidBackends lists the any-llm backend names accepted for
// [ProviderConf.Backend].
var ValidBackends = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"}

// Load reads the YAML configuration file at path, validates it, and applies
// environment overrides.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
// Environment overrides are not applied; callers wanting them use
// [ApplyEnv].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Streaming.AttemptTimeoutSeconds <= 0 {
		cfg.Streaming.AttemptTimeoutSeconds = 15
	}
	if cfg.Streaming.TotalTimeoutSeconds <= 0 {
		cfg.Streaming.TotalTimeoutSeconds = 45
	}
	if cfg.Routing.ConfidenceThreshold <= 0 {
		cfg.Routing.ConfidenceThreshold = 0.5
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Memory.EmbeddingDimensions <= 0 {
		cfg.Memory.EmbeddingDimensions = 1536
	}
	if cfg.Memory.MaxTurns <= 0 {
		cfg.Memory.MaxTurns = 20
	}
	if cfg.Memory.Persona == "" {
		cfg.Memory.Persona = "You are a helpful, concise assistant."
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}
	if !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CacheRedis && cfg.Cache.RedisURL == "" && os.Getenv("REDIS_URL") == "" {
		errs = append(errs, errors.New("cache.backend is redis but cache.redis_url is not set"))
	}

	for name, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers.%s", name)
		if p.Adapter == "" {
			errs = append(errs, fmt.Errorf("%s.adapter is required", prefix))
		} else if !slices.Contains(ValidAdapters, p.Adapter) {
			errs = append(errs, fmt.Errorf("%s.adapter %q is invalid; valid values: %s", prefix, p.Adapter, strings.Join(ValidAdapters, ", ")))
		}
		if p.Adapter == "anyllm" {
			if p.Backend == "" {
				errs = append(errs, fmt.Errorf("%s.backend is required when adapter is anyllm", prefix))
			} else if !slices.Contains(ValidBackends, p.Backend) {
				slog.Warn("unknown any-llm backend — may be a typo or a newer backend",
					"provider", name,
					"backend", p.Backend,
					"known", ValidBackends,
				)
			}
		}
		if p.Pacer.RPS < 0 || p.Pacer.Burst < 0 || p.Pacer.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("%s.pacer values must not be negative", prefix))
		}
	}

	for intent, ladder := range cfg.Routing.Ladders {
		for i, entry := range ladder {
			if !strings.Contains(entry, "/") {
				errs = append(errs, fmt.Errorf("routing.ladders.%s[%d] %q must be provider/model", intent, i, entry))
			}
		}
	}

	if cfg.Memory.EmbeddingProvider != "" && cfg.Memory.PostgresDSN == "" && os.Getenv("DATABASE_URL") == "" {
		slog.Warn("memory.embedding_provider is set but no database is configured; cross-thread fragments stay in process memory")
	}

	return errors.Join(errs...)
}

// ApplyEnv layers environment overrides onto cfg. Recognised variables:
//
//	DAC_SSE_V2, COALESCE_ENABLED, STREAM_FANOUT_ENABLED
//	<PROVIDER>_RPS, <PROVIDER>_BURST, <PROVIDER>_CONCURRENCY
//	ENCRYPTION_KEY, DATABASE_URL, REDIS_URL
func ApplyEnv(cfg *Config) {
	if v, ok := boolEnv("DAC_SSE_V2"); ok {
		cfg.Streaming.SSEV2 = v
	}
	if v, ok := boolEnv("COALESCE_ENABLED"); ok {
		cfg.Streaming.CoalesceEnabled = v
	}
	if v, ok := boolEnv("STREAM_FANOUT_ENABLED"); ok {
		cfg.Streaming.StreamFanoutEnabled = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Memory.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}

	for name, p := range cfg.Providers {
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v, ok := floatEnv(envName + "_RPS"); ok {
			p.Pacer.RPS = v
		}
		if v, ok := intEnv(envName + "_BURST"); ok {
			p.Pacer.Burst = v
		}
		if v, ok := intEnv(envName + "_CONCURRENCY"); ok {
			p.Pacer.Concurrency = v
		}
		cfg.Providers[name] = p
	}
}

func boolEnv(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring non-boolean environment override", "name", name, "value", v)
		return false, false
	}
	return b, true
}

func floatEnv(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric environment override", "name", name, "value", v)
		return 0, false
	}
	return f, true
}

func intEnv(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment override", "name", name, "value", v)
		return 0, false
	}
	return n, true
}
