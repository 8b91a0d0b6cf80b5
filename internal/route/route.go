// Package route turns a classified intent into a concrete routing decision:
// a pipeline shape plus an ordered fallback chain of (provider, model) pairs.
//
// A chain is a ladder: the dispatch pipeline walks it top to bottom, falling
// through on transient upstream conditions while keeping a single outward SSE
// stream. The router never returns an empty decision — when filtering empties
// a chain the designated apology pipeline is returned instead.
package route

import (
	"log/slog"

	"github.com/MrWong99/convoke/internal/intent"
	"github.com/MrWong99/convoke/internal/resilience"
)

// Pipeline is the shape of the upstream work for a routing decision.
type Pipeline string

const (
	// PipelineDirectLLM is a single LLM call.
	PipelineDirectLLM Pipeline = "direct_llm"

	// PipelineWebMultisearch is the multi-source search-then-synthesise
	// composition used for time-sensitive queries.
	PipelineWebMultisearch Pipeline = "web_multisearch"

	// PipelineDirectApology is the synthetic response generator used when a
	// chain is exhausted or filtering leaves no viable option.
	PipelineDirectApology Pipeline = "direct_apology"
)

// Target is one (provider, model) rung of a fallback ladder.
type Target struct {
	Provider string
	Model    string
}

// Decision is the router's output. Chain is non-empty except when Pipeline is
// PipelineDirectApology.
type Decision struct {
	Pipeline Pipeline
	Chain    []Target
}

// RequestState tracks a routed request through its lifecycle. Terminal states
// are StateDone, StateCancelled, and StateFailed.
type RequestState int

const (
	StateRouted RequestState = iota
	StatePaced
	StateCalling
	StateStreaming
	StateFallingBack
	StateDone
	StateCancelled
	StateFailed
)

// String returns the human-readable name of the state.
func (s RequestState) String() string {
	switch s {
	case StateRouted:
		return "routed"
	case StatePaced:
		return "paced"
	case StateCalling:
		return "calling"
	case StateStreaming:
		return "streaming"
	case StateFallingBack:
		return "falling_back"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CredentialChecker reports whether an org holds a usable credential for a
// provider. Implemented by the key store.
type CredentialChecker interface {
	HasCredential(org, provider string) bool
}

// Config configures a [Router].
type Config struct {
	// Ladders maps a full intent tag (including sub-tag, e.g.
	// "qa_retrieval:web_multisearch") to its default fallback chain. Tags
	// absent from the map use [DefaultLadders].
	Ladders map[string][]Target

	// EscalationThreshold is the classifier confidence below which an
	// ambiguous request starts on the smallest capable model. Default 0.5.
	EscalationThreshold float64
}

// Router selects pipelines and fallback chains. Safe for concurrent use; all
// fields are fixed at construction.
type Router struct {
	ladders   map[string][]Target
	threshold float64
	creds     CredentialChecker
	breakers  *resilience.Registry
}

// DefaultLadders returns the built-in per-intent fallback ladders. Social
// chit-chat climbs small → medium → large; retrieval and reasoning start on
// stronger models; ambiguous input starts on the smallest capable model and
// escalates within the fallback flow.
func DefaultLadders() map[string][]Target {
	return map[string][]Target{
		string(intent.SocialChat): {
			{Provider: "openai", Model: "gpt-4o-mini"},
			{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
			{Provider: "openai", Model: "gpt-4o"},
		},
		string(intent.QARetrieval): {
			{Provider: "openai", Model: "gpt-4o"},
			{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
		string(intent.QARetrieval) + ":" + intent.SubWebMultisearch: {
			{Provider: "openai", Model: "gpt-4o"},
			{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		},
		string(intent.CodingHelp): {
			{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			{Provider: "openai", Model: "gpt-4o"},
			{Provider: "openai", Model: "gpt-4o-mini"},
		},
		string(intent.EditingWriting): {
			{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
			{Provider: "openai", Model: "gpt-4o-mini"},
			{Provider: "openai", Model: "gpt-4o"},
		},
		string(intent.ReasoningMath): {
			{Provider: "openai", Model: "o3-mini"},
			{Provider: "anthropic", Model: "claude-sonnet-4-5"},
			{Provider: "openai", Model: "gpt-4o"},
		},
		string(intent.AmbiguousOther): {
			{Provider: "openai", Model: "gpt-4o-mini"},
			{Provider: "openai", Model: "gpt-4o"},
			{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		},
	}
}

// New constructs a Router. creds and breakers must not be nil.
func New(cfg Config, creds CredentialChecker, breakers *resilience.Registry) *Router {
	ladders := DefaultLadders()
	for tag, chain := range cfg.Ladders {
		ladders[tag] = chain
	}
	threshold := cfg.EscalationThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Router{
		ladders:   ladders,
		threshold: threshold,
		creds:     creds,
		breakers:  breakers,
	}
}

// Route returns the pipeline and fallback chain for one request.
//
// hint, when non-nil, is a client preference for the first rung; it is
// prepended if credentialed and not circuit-broken, never replacing the
// ladder. Filtering removes rungs the org has no credential for and rungs
// whose breaker is open. A fully filtered chain degrades to the apology
// pipeline.
func (r *Router) Route(org string, res intent.Result, hint *Target) Decision {
	pipeline := PipelineDirectLLM
	if res.Sub == intent.SubWebMultisearch {
		pipeline = PipelineWebMultisearch
	}

	ladder := r.ladders[res.String()]
	if ladder == nil {
		ladder = r.ladders[string(res.Tag)]
	}
	if ladder == nil {
		ladder = r.ladders[string(intent.AmbiguousOther)]
	}

	// Low-confidence classifications start on the smallest capable model
	// and escalate through the fallback flow instead of burning a large
	// model on a guess. Search-backed retrieval keeps its ladder: the
	// synthesis step needs the stronger model regardless of confidence.
	if res.Confidence < r.threshold && pipeline == PipelineDirectLLM {
		ladder = r.ladders[string(intent.AmbiguousOther)]
	}

	chain := make([]Target, 0, len(ladder)+1)
	if hint != nil && hint.Provider != "" && r.viable(org, *hint) {
		chain = append(chain, *hint)
	}
	for _, t := range ladder {
		if hint != nil && t == *hint {
			continue
		}
		if r.viable(org, t) {
			chain = append(chain, t)
		}
	}

	if len(chain) == 0 {
		slog.Warn("routing chain empty after filtering, serving apology",
			"org", org, "intent", res.String())
		return Decision{Pipeline: PipelineDirectApology}
	}

	return Decision{Pipeline: pipeline, Chain: chain}
}

// viable reports whether a target is credentialed for the org and not
// circuit-broken.
func (r *Router) viable(org string, t Target) bool {
	if !r.creds.HasCredential(org, t.Provider) {
		return false
	}
	return r.breakers.For(t.Provider, t.Model).State() != resilience.StateOpen
}
