package fragment

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is a brute-force in-process Store used when no vector
// database is configured and throughout the test suite.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Fragment // content hash -> fragment
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Fragment)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Upsert(_ context.Context, f Fragment) error {
	if err := validate(f); err != nil {
		return err
	}
	m.mu.Lock()
	m.rows[f.ContentHash] = f
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Search(_ context.Context, embedding []float32, topK int, filter Filter) ([]Result, error) {
	tiers := filter.Tiers
	if len(tiers) == 0 {
		tiers = []string{TierPrivate}
	}
	allowed := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		allowed[t] = true
	}

	m.mu.RLock()
	var results []Result
	for _, f := range m.rows {
		if f.OrgID != filter.OrgID || !allowed[f.Tier] {
			continue
		}
		if f.Tier == TierPrivate && filter.UserID != "" && f.UserID != filter.UserID {
			continue
		}
		if filter.ExcludeThreadID != "" && f.ThreadID == filter.ExcludeThreadID {
			continue
		}
		results = append(results, Result{Fragment: f, Distance: cosineDistance(embedding, f.Embedding)})
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Len reports the number of stored fragments.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
