// Command convoke is the multi-tenant LLM gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/convoke/internal/audit"
	"github.com/MrWong99/convoke/internal/coalesce"
	"github.com/MrWong99/convoke/internal/config"
	"github.com/MrWong99/convoke/internal/dispatch"
	"github.com/MrWong99/convoke/internal/fragment"
	"github.com/MrWong99/convoke/internal/health"
	"github.com/MrWong99/convoke/internal/httpapi"
	"github.com/MrWong99/convoke/internal/intent"
	"github.com/MrWong99/convoke/internal/keys"
	"github.com/MrWong99/convoke/internal/observe"
	"github.com/MrWong99/convoke/internal/pace"
	"github.com/MrWong99/convoke/internal/resilience"
	"github.com/MrWong99/convoke/internal/respcache"
	"github.com/MrWong99/convoke/internal/route"
	"github.com/MrWong99/convoke/internal/store/postgres"
	"github.com/MrWong99/convoke/internal/thread"
	"github.com/MrWong99/convoke/pkg/embeddings"
	ollamaembed "github.com/MrWong99/convoke/pkg/embeddings/ollama"
	oaembed "github.com/MrWong99/convoke/pkg/embeddings/openai"
	"github.com/MrWong99/convoke/pkg/llm"
	"github.com/MrWong99/convoke/pkg/llm/anyllm"
	openaillm "github.com/MrWong99/convoke/pkg/llm/openai"
	"github.com/MrWong99/convoke/pkg/websearch"
	"github.com/MrWong99/convoke/pkg/websearch/brave"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "convoke: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "convoke: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("convoke starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"providers", len(cfg.Providers),
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Durable store ─────────────────────────────────────────────────────────
	var (
		pg          *postgres.Store
		persist     thread.Persistence
		keyBackend  keys.Backend
		auditSink   audit.Sink
		fragBackend fragment.Store
	)
	if dsn := cfg.Memory.PostgresDSN; dsn != "" {
		pg, err = postgres.NewStore(ctx, dsn, cfg.Memory.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pg.Close()
		persist = pg
		keyBackend = pg
		auditSink = pg
		fragBackend = fragment.NewPostgresStore(pg.Pool())
		slog.Info("durable store ready", "backend", "postgres")
	} else {
		keyBackend = keys.NewMemoryBackend()
		auditSink = audit.NewMemorySink()
		fragBackend = fragment.NewMemoryStore()
		slog.Warn("no database configured; threads, keys, audit, and fragments stay in process memory")
	}

	// ── Credential store ──────────────────────────────────────────────────────
	if cfg.EncryptionKey == "" {
		slog.Error("encryption_key is required (or set ENCRYPTION_KEY)")
		return 1
	}
	encKey, err := keys.ParseKey(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid encryption key", "err", err)
		return 1
	}
	keyStore, err := keys.NewStore(encKey, keyBackend)
	if err != nil {
		slog.Error("failed to initialise credential store", "err", err)
		return 1
	}

	// ── Upstream providers ────────────────────────────────────────────────────
	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	if len(providers) == 0 {
		slog.Warn("no upstream providers configured; every request will be apologised")
	}

	// ── Pacers and breakers ───────────────────────────────────────────────────
	paceConfigs := make(map[string]pace.Config, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		paceConfigs[name] = pace.Config{
			Rate:        pc.Pacer.RPS,
			Burst:       float64(pc.Pacer.Burst),
			Concurrency: pc.Pacer.Concurrency,
		}
	}
	pacers := pace.NewSet(pace.Config{}, paceConfigs)
	breakers := resilience.NewRegistry(resilience.Config{})

	// ── Router ────────────────────────────────────────────────────────────────
	ladders, err := parseLadders(cfg.Routing.Ladders)
	if err != nil {
		slog.Error("invalid routing ladders", "err", err)
		return 1
	}
	creds := &credentialChecker{store: keyStore, configured: configuredKeySet(cfg)}
	router := route.New(route.Config{
		Ladders:             ladders,
		EscalationThreshold: cfg.Routing.ConfidenceThreshold,
	}, creds, breakers)

	// ── Conversation memory ───────────────────────────────────────────────────
	threadOpts := []thread.Option{
		thread.WithMaxTurns(cfg.Memory.MaxTurns),
		thread.WithLogger(logger),
	}
	if p, model, ok := summaryTarget(cfg, providers, ladders); ok {
		threadOpts = append(threadOpts, thread.WithSummariser(thread.NewLLMSummariser(p, model)))
	}
	threads := thread.NewStore(persist, threadOpts...)

	// ── Cross-thread fragments ────────────────────────────────────────────────
	var fragments *fragment.Service
	if embedder, err := buildEmbedder(cfg); err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	} else if embedder != nil {
		fragments = fragment.NewService(fragBackend, embedder, logger)
		slog.Info("cross-thread memory enabled",
			"embedding_model", embedder.ModelID(),
			"dimensions", embedder.Dimensions(),
		)
	}

	// ── Response cache ────────────────────────────────────────────────────────
	var cacheBackend respcache.Backend
	if cfg.Cache.Backend == config.CacheRedis {
		cacheBackend, err = respcache.NewRedisBackend(ctx, cfg.Cache.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "err", err)
			return 1
		}
	} else {
		cacheBackend = respcache.NewMemoryBackend()
	}
	cache := respcache.New(cacheBackend)

	// ── Web search ────────────────────────────────────────────────────────────
	var search websearch.Provider
	if cfg.Search.Provider == "brave" && cfg.Search.APIKey != "" {
		search, err = brave.New(cfg.Search.APIKey, "")
		if err != nil {
			slog.Error("failed to build search provider", "err", err)
			return 1
		}
	}

	// ── Dispatch core ─────────────────────────────────────────────────────────
	core := dispatch.New(dispatch.Config{
		Threads:             threads,
		Cache:               cache,
		Coalescer:           coalesce.New(),
		Pacers:              pacers,
		Router:              router,
		Breakers:            breakers,
		Keys:                keyStore,
		Providers:           providers,
		Search:              search,
		Fragments:           fragments,
		Audit:               auditSink,
		Metrics:             metrics,
		Logger:              logger,
		Persona:             cfg.Memory.Persona,
		CoalesceEnabled:     cfg.Streaming.CoalesceEnabled,
		StreamFanoutEnabled: cfg.Streaming.StreamFanoutEnabled,
		AttemptTimeout:      time.Duration(cfg.Streaming.AttemptTimeoutSeconds) * time.Second,
		TotalTimeout:        time.Duration(cfg.Streaming.TotalTimeoutSeconds) * time.Second,
	})

	// ── Connection warm-up ────────────────────────────────────────────────────
	warmUp(ctx, providers)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	httpapi.New(core, logger, httpapi.WithStreamingEnabled(cfg.Streaming.SSEV2)).Register(mux)
	healthHandler(pg, providers).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr, "sse_v2", cfg.Streaming.SSEV2)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, draining streams…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// version is stamped by the build via -ldflags "-X main.version=…".
var version = "dev"

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates one adapter per configured provider.
func buildProviders(cfg *config.Config) (map[string]llm.Provider, error) {
	providers := make(map[string]llm.Provider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		var (
			p   llm.Provider
			err error
		)
		switch pc.Adapter {
		case "openai":
			var opts []openaillm.Option
			if pc.BaseURL != "" {
				opts = append(opts, openaillm.WithBaseURL(pc.BaseURL))
			}
			p, err = openaillm.New(pc.APIKey, opts...)
		case "anyllm":
			var opts []anyllmlib.Option
			if pc.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(pc.APIKey))
			}
			if pc.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(pc.BaseURL))
			}
			p, err = anyllm.New(pc.Backend, opts...)
		default:
			err = fmt.Errorf("unknown adapter %q", pc.Adapter)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		providers[name] = p
	}
	return providers, nil
}

// buildEmbedder constructs the embeddings provider, or nil when
// cross-thread memory is disabled.
func buildEmbedder(cfg *config.Config) (embeddings.Provider, error) {
	switch cfg.Memory.EmbeddingProvider {
	case "":
		return nil, nil
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if pc, ok := cfg.Providers["openai"]; ok && pc.APIKey != "" {
			apiKey = pc.APIKey
		}
		return oaembed.New(apiKey, cfg.Memory.EmbeddingModel,
			oaembed.WithDimensions(cfg.Memory.EmbeddingDimensions))
	case "ollama":
		return ollamaembed.New("", cfg.Memory.EmbeddingModel, cfg.Memory.EmbeddingDimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Memory.EmbeddingProvider)
	}
}

// parseLadders converts config "provider/model" strings into routing targets.
func parseLadders(raw map[string][]string) (map[string][]route.Target, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	ladders := make(map[string][]route.Target, len(raw))
	for tag, entries := range raw {
		chain := make([]route.Target, 0, len(entries))
		for _, entry := range entries {
			provider, model, ok := strings.Cut(entry, "/")
			if !ok || provider == "" || model == "" {
				return nil, fmt.Errorf("ladder %s: entry %q must be provider/model", tag, entry)
			}
			chain = append(chain, route.Target{Provider: provider, Model: model})
		}
		ladders[tag] = chain
	}
	return ladders, nil
}

// summaryTarget picks the provider and model used for rolling-buffer
// summarisation: the head of the social_chat ladder when that provider is
// configured, otherwise any configured provider.
func summaryTarget(cfg *config.Config, providers map[string]llm.Provider, ladders map[string][]route.Target) (llm.Provider, string, bool) {
	merged := route.DefaultLadders()
	for tag, chain := range ladders {
		merged[tag] = chain
	}
	for _, t := range merged[string(intent.SocialChat)] {
		if p, ok := providers[t.Provider]; ok {
			return p, t.Model, true
		}
	}
	for name, p := range providers {
		if pc, ok := cfg.Providers[name]; ok && pc.Adapter == "openai" {
			return p, "gpt-4o-mini", true
		}
	}
	return nil, "", false
}

// configuredKeySet records which providers carry a process-wide credential
// in config, so routing works before any org uploads its own key.
func configuredKeySet(cfg *config.Config) map[string]bool {
	set := make(map[string]bool, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.APIKey != "" {
			set[name] = true
		}
	}
	return set
}

var _ route.CredentialChecker = (*credentialChecker)(nil)

// credentialChecker consults the per-org credential store first, then the
// process-wide config credentials.
type credentialChecker struct {
	store      *keys.Store
	configured map[string]bool
}

func (c *credentialChecker) HasCredential(orgID, provider string) bool {
	if c.store.HasCredential(orgID, provider) {
		return true
	}
	return c.configured[provider]
}

// warmUp pings each provider once so the first real request reuses an
// established connection. Failures are logged, not fatal.
func warmUp(ctx context.Context, providers map[string]llm.Provider) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	g, pingCtx := errgroup.WithContext(pingCtx)
	for name, p := range providers {
		g.Go(func() error {
			if err := p.Ping(pingCtx); err != nil {
				slog.Warn("provider warm-up ping failed", "provider", name, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// healthHandler assembles the liveness and readiness checks.
func healthHandler(pg *postgres.Store, providers map[string]llm.Provider) *health.Handler {
	var checkers []health.Checker
	if pg != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: pg.Ping,
		})
	}
	checkers = append(checkers, health.Checker{
		Name: "providers",
		Check: func(context.Context) error {
			if len(providers) == 0 {
				return errors.New("no upstream providers configured")
			}
			return nil
		},
	})
	return health.New(checkers...)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
