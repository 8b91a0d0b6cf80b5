package dispatch

import "context"

// Done reasons carried on the terminal event of a stream.
const (
	DoneOK                = "ok"
	DoneCancelled         = "cancelled"
	DoneFallbackExhausted = "fallback_exhausted"
	DoneInternal          = "internal"
)

// Meta is the payload of the meta event, emitted once at first upstream
// byte or on a cache hit.
type Meta struct {
	RequestID string `json:"request_id"`
	Intent    string `json:"intent"`
	Pipeline  string `json:"pipeline"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	TTFTMS    int64  `json:"ttft_ms"`
	CacheHit  bool   `json:"cache_hit"`
}

// Emitter is the outward event sink for one request. The HTTP layer
// implements it over SSE; tests implement it with a recorder.
//
// Calls for a single request are strictly ordered and never concurrent.
// Implementations must guarantee at most one Done is written even if the
// pipeline calls it twice.
type Emitter interface {
	// Ping writes the immediate keep-alive event.
	Ping() error

	// Meta writes the stream metadata event.
	Meta(m Meta) error

	// Delta writes one incremental text fragment.
	Delta(text string) error

	// Error writes a terminal error event. Only valid before any delta.
	Error(code, message string) error

	// Done closes the stream with a reason.
	Done(reason string) error
}

// Handle is the cancellation surface of one in-flight request. Registered
// at request entry so the cancel endpoint can signal it.
type Handle struct {
	RequestID string
	ThreadID  string
	cancel    context.CancelFunc
}
