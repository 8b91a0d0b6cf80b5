// Package thread holds the per-thread conversation memory: rolling turn
// buffers, summaries, profile facts, bootstrap from durable storage, and
// prompt construction.
//
// A thread is mutated by at most one dispatch turn at a time; callers take
// the per-thread lock via [Store.Lock] before reading or writing.
package thread

import (
	"time"

	"github.com/MrWong99/convoke/pkg/llm"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one immutable conversation record. Sequence numbers are monotone
// within a thread and assigned by the store on append.
type Turn struct {
	Seq       int64          `json:"seq"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	RequestID string         `json:"request_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Usage     llm.Usage      `json:"usage,omitempty"`
	Citations []llm.Citation `json:"citations,omitempty"`
	LatencyMS int64          `json:"latency_ms,omitempty"`
}

// Snapshot is a copy of a thread's memory taken under the thread lock.
// It is safe to use after the lock is released.
type Snapshot struct {
	ThreadID     string
	OrgID        string
	Turns        []Turn
	Summary      string
	ProfileFacts map[string]string
	LastIntent   string
	LastProvider string
	LastModel    string
}

// Hints carries the routing-continuity fields updated after each completed
// turn.
type Hints struct {
	Intent   string
	Provider string
	Model    string
}
