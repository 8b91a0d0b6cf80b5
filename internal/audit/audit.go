// Package audit defines the append-only audit record written after each
// completed turn, and the sink interface its writers use.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Record is one append-only audit entry. Prompt and response are stored as
// hashes only; content never enters the audit log.
type Record struct {
	RequestID string `json:"request_id"`
	OrgID     string `json:"org_id"`
	ThreadID  string `json:"thread_id"`
	Scope     string `json:"scope"`
	Intent    string `json:"intent"`
	Pipeline  string `json:"pipeline"`
	// Providers lists every provider that contributed to the turn, in
	// order. A web multisearch turn records both the search provider and
	// the synthesiser.
	Providers    []string  `json:"providers"`
	Model        string    `json:"model"`
	PromptHash   string    `json:"prompt_hash"`
	ResponseHash string    `json:"response_hash"`
	QueueWaitMS  int64     `json:"queue_wait_ms"`
	TTFTMS       int64     `json:"ttft_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sink persists audit records.
type Sink interface {
	Append(ctx context.Context, r Record) error
	ListByThread(ctx context.Context, threadID string, limit int) ([]Record, error)
}

// Hash returns the hex SHA-256 of content, the form prompts and responses
// take inside audit records.
func Hash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// MemorySink is an in-process Sink used when no database is configured and
// throughout the test suite.
type MemorySink struct {
	mu   sync.RWMutex
	rows []Record
}

// NewMemorySink returns an empty in-process sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

var _ Sink = (*MemorySink)(nil)

func (m *MemorySink) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	m.rows = append(m.rows, r)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) ListByThread(_ context.Context, threadID string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].ThreadID == threadID {
			out = append(out, m.rows[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
