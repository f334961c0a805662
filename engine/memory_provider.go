package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// MemoryProvider implements StorageProvider over a core.Memory key/value
// store, giving ProviderStateStore a non-Redis backend. Records expire
// through the Memory TTL; the score indexes live in-process because the
// Memory contract has no ordered sets.
type MemoryProvider struct {
	mem core.Memory

	mu      sync.Mutex
	indexes map[string]map[string]float64
}

// NewMemoryProvider wraps a Memory store. A nil mem gets a fresh MemoryStore.
func NewMemoryProvider(mem core.Memory) *MemoryProvider {
	if mem == nil {
		mem = core.NewMemoryStore()
	}
	return &MemoryProvider{
		mem:     mem,
		indexes: make(map[string]map[string]float64),
	}
}

func (m *MemoryProvider) Get(ctx context.Context, key string) (string, error) {
	return m.mem.Get(ctx, key)
}

func (m *MemoryProvider) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return m.mem.Set(ctx, key, value, ttl)
}

func (m *MemoryProvider) Del(ctx context.Context, key string) error {
	return m.mem.Delete(ctx, key)
}

func (m *MemoryProvider) IndexAdd(ctx context.Context, index, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexes[index] == nil {
		m.indexes[index] = make(map[string]float64)
	}
	m.indexes[index][member] = score
	return nil
}

func (m *MemoryProvider) IndexList(ctx context.Context, index string, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(m.indexes[index]))
	for member, score := range m.indexes[index] {
		entries = append(entries, entry{member, score})
	}
	// Score descending, member ascending on ties, matching the Redis listing
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].member < entries[j].member
	})
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}

	members := make([]string, len(entries))
	for i, e := range entries {
		members[i] = e.member
	}
	return members, nil
}

func (m *MemoryProvider) IndexRemove(ctx context.Context, index, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indexes[index], member)
	return nil
}

func (m *MemoryProvider) Close() error { return nil }
