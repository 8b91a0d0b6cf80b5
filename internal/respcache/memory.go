package respcache

import (
	"context"
	"sync"
	"time"
)

// janitorInterval is how often expired in-process entries are swept.
const janitorInterval = time.Minute

// MemoryBackend is the default in-process cache backend: a map with
// per-entry deadlines and a background sweep. Safe for concurrent use.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stop    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	entry    Entry
	deadline time.Time
}

// NewMemoryBackend creates a MemoryBackend and starts its sweeper.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go b.sweep()
	return b
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	b.mu.RLock()
	me, ok := b.entries[key]
	b.mu.RUnlock()

	if !ok || time.Now().After(me.deadline) {
		return Entry{}, false, nil
	}
	return me.entry, true, nil
}

// Set implements Backend.
func (b *MemoryBackend) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	b.mu.Lock()
	b.entries[key] = memoryEntry{entry: e, deadline: time.Now().Add(ttl)}
	b.mu.Unlock()
	return nil
}

// Close stops the sweeper.
func (b *MemoryBackend) Close() {
	b.once.Do(func() { close(b.stop) })
}

// sweep drops expired entries periodically so the map does not grow without
// bound between lookups.
func (b *MemoryBackend) sweep() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for k, me := range b.entries {
				if now.After(me.deadline) {
					delete(b.entries, k)
				}
			}
			b.mu.Unlock()
		}
	}
}
