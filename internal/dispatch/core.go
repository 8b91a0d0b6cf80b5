// Package dispatch composes the gateway core for one incoming streaming
// request: sanitise, bootstrap, classify, cache, memory, route, pace,
// coalesce, relay, persist, and the asynchronous post-turn writes.
//
// All shared state lives in [Core], constructed once at startup and passed
// explicitly. There are no package-level singletons.
package dispatch

import (
	"log/slog"
	"time"

	"github.com/MrWong99/convoke/internal/audit"
	"github.com/MrWong99/convoke/internal/coalesce"
	"github.com/MrWong99/convoke/internal/fragment"
	"github.com/MrWong99/convoke/internal/keys"
	"github.com/MrWong99/convoke/internal/observe"
	"github.com/MrWong99/convoke/internal/pace"
	"github.com/MrWong99/convoke/internal/resilience"
	"github.com/MrWong99/convoke/internal/respcache"
	"github.com/MrWong99/convoke/internal/route"
	"github.com/MrWong99/convoke/internal/thread"
	"github.com/MrWong99/convoke/pkg/llm"
	"github.com/MrWong99/convoke/pkg/websearch"
)

// Request scopes. Scope participates in coalesce keying and memory-tier
// eligibility.
const (
	ScopePrivate = "private"
	ScopeShared  = "shared"
)

// Default timeouts for one upstream attempt and for the whole request.
const (
	DefaultAttemptTimeout = 15 * time.Second
	DefaultTotalTimeout   = 45 * time.Second
)

// Config wires a [Core]. Threads, Router, Pacers, Breakers, Keys,
// Providers, and Metrics are required; the rest degrade gracefully when
// nil.
type Config struct {
	Threads   *thread.Store
	Cache     *respcache.Cache
	Coalescer *coalesce.Coalescer
	Pacers    *pace.Set
	Router    *route.Router
	Breakers  *resilience.Registry
	Keys      *keys.Store
	Providers map[string]llm.Provider
	Search    websearch.Provider
	Fragments *fragment.Service
	Audit     audit.Sink
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// Persona is the system-prompt persona for every request.
	Persona string

	// CoalesceEnabled and StreamFanoutEnabled gate the coalescer. Both
	// must be on for requests to share an in-flight upstream stream.
	CoalesceEnabled     bool
	StreamFanoutEnabled bool

	AttemptTimeout time.Duration
	TotalTimeout   time.Duration
}

// Core is the per-process dispatch context.
type Core struct {
	threads   *thread.Store
	cache     *respcache.Cache
	coalescer *coalesce.Coalescer
	pacers    *pace.Set
	router    *route.Router
	breakers  *resilience.Registry
	keys      *keys.Store
	providers map[string]llm.Provider
	search    websearch.Provider
	fragments *fragment.Service
	audits    audit.Sink
	metrics   *observe.Metrics
	logger    *slog.Logger

	persona        string
	coalesceOn     bool
	attemptTimeout time.Duration
	totalTimeout   time.Duration

	handles *handleTable
}

// New constructs a Core from cfg.
func New(cfg Config) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempt := cfg.AttemptTimeout
	if attempt <= 0 {
		attempt = DefaultAttemptTimeout
	}
	total := cfg.TotalTimeout
	if total <= 0 {
		total = DefaultTotalTimeout
	}
	return &Core{
		threads:        cfg.Threads,
		cache:          cfg.Cache,
		coalescer:      cfg.Coalescer,
		pacers:         cfg.Pacers,
		router:         cfg.Router,
		breakers:       cfg.Breakers,
		keys:           cfg.Keys,
		providers:      cfg.Providers,
		search:         cfg.Search,
		fragments:      cfg.Fragments,
		audits:         cfg.Audit,
		metrics:        cfg.Metrics,
		logger:         logger,
		persona:        cfg.Persona,
		coalesceOn:     cfg.CoalesceEnabled && cfg.StreamFanoutEnabled && cfg.Coalescer != nil,
		attemptTimeout: attempt,
		totalTimeout:   total,
		handles:        newHandleTable(),
	}
}

// Cancel fires the cancel signal of an in-flight request. It reports
// whether a live request with that id was found on this process.
func (c *Core) Cancel(requestID string) bool {
	return c.handles.cancel(requestID)
}

// Threads exposes the thread store to the HTTP surface.
func (c *Core) Threads() *thread.Store { return c.threads }

// Keys exposes the credential store to the HTTP surface.
func (c *Core) Keys() *keys.Store { return c.keys }

// Audit exposes the audit sink to the HTTP surface.
func (c *Core) Audit() audit.Sink { return c.audits }
