// Package llm defines the provider adapter abstraction used by the Convoke
// gateway to talk to Large Language Model backends.
//
// An adapter wraps a remote model API (e.g., OpenAI, Anthropic via any-llm, or
// a local Ollama instance) and exposes a uniform call/stream interface so the
// dispatch pipeline never couples to any specific SDK or wire protocol.
//
// Adapters must not retry internally — retries are a routing concern — but
// they must categorise failures precisely via [Error] so the fallback loop can
// decide whether the next chain element should be attempted.
//
// Implementors must be safe for concurrent use. Channels returned by Stream
// must be closed by the implementation when the stream ends or when the
// supplied context is cancelled.
package llm

import (
	"context"
	"net/http"
	"time"
)

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// InputTokens is the number of tokens consumed by the prompt.
	InputTokens int

	// OutputTokens is the number of tokens generated in the response.
	OutputTokens int
}

// Total returns InputTokens + OutputTokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Citation is a source reference attached to a web-grounded answer.
type Citation struct {
	Title string
	URL   string
}

// Request carries everything an adapter needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Model and
// Messages must be non-empty.
type Request struct {
	// Model is the provider-specific model identifier (e.g., "gpt-4o-mini").
	Model string

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history. Adapters whose backend has no dedicated
	// system slot must prepend it as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is from
	// the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int
}

// Response is returned by the non-streaming Call method.
type Response struct {
	// Text is the full assistant reply.
	Text string

	// Usage contains token accounting for this request/response pair.
	Usage Usage

	// Citations lists source references for web-grounded answers. Nil for
	// plain completions.
	Citations []Citation

	// ProviderMessageID is the backend's identifier for this completion, when
	// exposed. Used for audit correlation only.
	ProviderMessageID string
}

// ChunkKind discriminates the variants of a streamed [Chunk].
type ChunkKind int

const (
	// ChunkDelta carries an incremental text fragment.
	ChunkDelta ChunkKind = iota

	// ChunkMeta carries provider-side metadata (message id, model echo).
	ChunkMeta

	// ChunkUsage carries final token accounting. At most one per stream,
	// always last when present.
	ChunkUsage

	// ChunkError carries a categorised mid-stream failure. Terminal: the
	// channel is closed immediately after.
	ChunkError
)

// Chunk is a single tagged element of a streamed completion. Exactly the
// fields implied by Kind are meaningful; the rest are zero.
type Chunk struct {
	Kind ChunkKind

	// Text is set for ChunkDelta.
	Text string

	// Meta is set for ChunkMeta.
	Meta map[string]string

	// Usage is set for ChunkUsage.
	Usage Usage

	// Err is set for ChunkError. Always a categorised [*Error].
	Err error
}

// Capabilities describes static limits of a model. The result is assumed
// constant for the lifetime of the adapter instance.
type Capabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens one completion may generate.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: when ctx is cancelled every method must return (or
// close its channel) as quickly as possible.
type Provider interface {
	// Name returns the stable provider identifier (e.g., "openai").
	Name() string

	// Call sends req to the model and waits for the full response.
	// Failures are returned as a categorised [*Error].
	Call(ctx context.Context, req Request) (*Response, error)

	// Stream sends req to the model and returns a read-only channel emitting
	// [Chunk] values as they arrive. The channel is closed by the
	// implementation when generation finishes, an error chunk is emitted, or
	// ctx is cancelled. Callers must drain the channel to avoid goroutine
	// leaks.
	//
	// The initial error return is non-nil only for failures that prevent the
	// stream from starting; it is then a categorised [*Error].
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)

	// Capabilities returns static metadata for the given model name.
	Capabilities(model string) Capabilities

	// Ping performs a cheap reachability check. Used once at process startup
	// to establish a warm connection and by readiness probes.
	Ping(ctx context.Context) error
}

// CollectText drains a chunk channel and concatenates all delta text.
// It returns the first error chunk encountered, if any. Intended for callers
// that do not need incremental output (summarisation, synthesis).
func CollectText(ch <-chan Chunk) (string, Usage, error) {
	var (
		text  []byte
		usage Usage
	)
	for c := range ch {
		switch c.Kind {
		case ChunkDelta:
			text = append(text, c.Text...)
		case ChunkUsage:
			usage = c.Usage
		case ChunkError:
			return string(text), usage, c.Err
		}
	}
	return string(text), usage, nil
}

// SharedHTTPClient is the single pooled HTTP client all adapters use.
// Keep-alive connections and HTTP/2 (negotiated by the default transport)
// keep time-to-first-token low across requests. Never recreate per request.
var SharedHTTPClient = &http.Client{
	Timeout: 90 * time.Second,
}
