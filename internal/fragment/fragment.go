// Package fragment implements cross-thread memory fragments: small,
// self-contained factoids extracted after a completed turn, embedded, and
// retrieved by vector similarity when building later prompts.
package fragment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/MrWong99/convoke/internal/guard"
)

// Memory tiers. Shared-tier fragments must be PII-clean; promotion from
// private to shared is an explicit curated action, never implicit.
const (
	TierPrivate = "private"
	TierShared  = "shared"
)

// ErrPIIInShared is returned when a shared-tier upsert carries text that
// failed PII screening.
var ErrPIIInShared = errors.New("fragment: shared tier requires PII-clean text")

// Fragment is one cross-thread memory item. Provenance identifies where it
// came from; fragments never back-reference turns.
type Fragment struct {
	ID          string
	OrgID       string
	UserID      string
	ThreadID    string
	Text        string
	Tier        string
	Provider    string
	Model       string
	ContentHash string
	Embedding   []float32
	CreatedAt   time.Time
}

// Result is a retrieved fragment with its cosine distance to the query.
type Result struct {
	Fragment Fragment
	Distance float64
}

// Filter restricts a similarity search. OrgID is required; Tiers defaults
// to private-only when empty. ExcludeThreadID drops fragments whose
// provenance thread is the current one.
type Filter struct {
	OrgID           string
	UserID          string
	Tiers           []string
	ExcludeThreadID string
}

// Store persists fragments and answers top-K similarity queries.
type Store interface {
	// Upsert inserts or replaces a fragment keyed by its content hash.
	Upsert(ctx context.Context, f Fragment) error
	// Search returns the topK nearest fragments by cosine distance,
	// most similar first, restricted by filter.
	Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Result, error)
}

// HashContent returns the stable content hash used as the upsert key, so
// re-extracting the same factoid replaces rather than duplicates.
func HashContent(orgID, userID, text string) string {
	h := sha256.Sum256([]byte(orgID + "\n" + userID + "\n" + text))
	return hex.EncodeToString(h[:])
}

// validate enforces the tier invariant before a fragment reaches storage.
func validate(f Fragment) error {
	if f.Tier == TierShared && guard.HasPII(f.Text) {
		return ErrPIIInShared
	}
	return nil
}
