// Package respcache implements the response cache consulted before routing
// and populated after clean completed turns.
//
// Keys are derived from (thread id, normalised user text, intent tag) —
// deliberately not from provider identity, so a routing policy change does
// not invalidate prior entries. Values are immutable for their TTL.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/MrWong99/convoke/pkg/llm"
)

// Entry is one cached assistant response.
type Entry struct {
	// Text is the complete assistant reply.
	Text string `json:"text"`

	// Intent is the full intent tag the reply was produced under.
	Intent string `json:"intent"`

	// Provider and Model identify who produced the reply (informational;
	// not part of the key).
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// Pipeline is the route pipeline that produced the reply, echoed in
	// the meta event on a cache hit.
	Pipeline string `json:"pipeline,omitempty"`

	// Usage is the token accounting recorded at production time.
	Usage llm.Usage `json:"usage"`

	// Citations carries source references for web-grounded replies.
	Citations []llm.Citation `json:"citations,omitempty"`

	// CreatedAt is when the entry was written.
	CreatedAt time.Time `json:"created_at"`
}

// Backend is the storage contract. Implementations must be safe for
// concurrent use. Get returns ok=false on miss or expiry.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
}

// Normalise canonicalises user text for keying: lowercase, collapsed
// whitespace, trailing punctuation stripped. Deterministic and pure.
func Normalise(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = strings.Join(strings.Fields(text), " ")
	text = strings.TrimRight(text, ".!?,;: ")
	return text
}

// Key derives the cache key from thread id, raw user text, and intent tag.
func Key(threadID, userText, intentTag string) string {
	h := sha256.New()
	h.Write([]byte(threadID))
	h.Write([]byte{'\n'})
	h.Write([]byte(Normalise(userText)))
	h.Write([]byte{'\n'})
	h.Write([]byte(intentTag))
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultTTL is the fallback entry lifetime.
const DefaultTTL = time.Hour

// intentTTLs maps intent tags to lifetimes: answers about code age slowly,
// answers about the world age fast.
var intentTTLs = map[string]time.Duration{
	"coding_help":                  4 * time.Hour,
	"editing_writing":              4 * time.Hour,
	"reasoning_math":               24 * time.Hour,
	"social_chat":                  time.Hour,
	"qa_retrieval":                 30 * time.Minute,
	"qa_retrieval:web_multisearch": 5 * time.Minute,
}

// TTLFor returns the lifetime for an intent tag.
func TTLFor(intentTag string) time.Duration {
	if ttl, ok := intentTTLs[intentTag]; ok {
		return ttl
	}
	return DefaultTTL
}

// Cache binds a Backend with the keying and TTL policy.
type Cache struct {
	backend Backend
}

// New creates a Cache over the given backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// Lookup fetches the entry for (threadID, userText, intentTag), if any.
func (c *Cache) Lookup(ctx context.Context, threadID, userText, intentTag string) (Entry, bool, error) {
	return c.backend.Get(ctx, Key(threadID, userText, intentTag))
}

// Store writes an entry under the derived key with the intent's TTL.
// Callers are responsible for eligibility: only fully successful,
// non-cancelled, non-refused, safety-clean turns may be stored.
func (c *Cache) Store(ctx context.Context, threadID, userText string, e Entry) error {
	e.CreatedAt = time.Now()
	return c.backend.Set(ctx, Key(threadID, userText, e.Intent), e, TTLFor(e.Intent))
}
