package keys

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend used when no database is configured
// and throughout the test suite.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[string]memoryRow
}

type memoryRow struct {
	rec Record
	ct  []byte
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[string]memoryRow)}
}

var _ Backend = (*MemoryBackend)(nil)

func (m *MemoryBackend) PutCredential(_ context.Context, orgID, provider, label string, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	k := cacheKey(orgID, provider)
	rec := Record{OrgID: orgID, Provider: provider, Label: label, CreatedAt: now, UpdatedAt: now}
	if prev, ok := m.rows[k]; ok {
		rec.CreatedAt = prev.rec.CreatedAt
	}
	m.rows[k] = memoryRow{rec: rec, ct: append([]byte(nil), ciphertext...)}
	return nil
}

func (m *MemoryBackend) GetCredential(_ context.Context, orgID, provider string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[cacheKey(orgID, provider)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), row.ct...), nil
}

func (m *MemoryBackend) DeleteCredential(_ context.Context, orgID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cacheKey(orgID, provider)
	if _, ok := m.rows[k]; !ok {
		return ErrNotFound
	}
	delete(m.rows, k)
	return nil
}

func (m *MemoryBackend) ListCredentials(_ context.Context, orgID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, row := range m.rows {
		if row.rec.OrgID == orgID {
			out = append(out, row.rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}
