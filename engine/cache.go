package engine

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// Fingerprint computes the deterministic cache key for a query. The context
// subset entering the key is normalized_query + user_id + session_id +
// language: the fields that change the answer. Thread and request ids are
// deliberately excluded so repeat questions hit across runs.
func Fingerprint(query, userID, sessionID, language string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0x1f})
	h.Write([]byte(userID))
	h.Write([]byte{0x1f})
	h.Write([]byte(sessionID))
	h.Write([]byte{0x1f})
	h.Write([]byte(language))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats reports cache effectiveness counters.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memory_bytes"`
	HitRate     float64 `json:"hit_rate"`
}

type cacheEntry struct {
	key      string
	value    *Result
	size     int64
	storedAt time.Time
	freq     int64
	elem     *list.Element
}

// Cache is the fingerprint-keyed final-result cache. Eviction strategy is
// selected at construction: lru (default), lfu, fifo, or ttl-only. All
// strategies honor the TTL on read; expired entries are never returned.
type Cache struct {
	cfg    core.CacheConfig
	logger core.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	// order tracks recency under lru and insertion under fifo/ttl
	order  *list.List
	memory int64

	hits      int64
	misses    int64
	evictions int64
}

// NewCache creates a result cache
func NewCache(cfg core.CacheConfig, logger core.Logger) *Cache {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "lru"
	}
	return &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
	}
}

// Get returns a cached result. Expired entries count as misses and are
// removed on access.
func (c *Cache) Get(key string) (*Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expired(entry) {
		c.remove(entry)
		c.misses++
		return nil, false
	}

	entry.freq++
	if c.cfg.Strategy == "lru" {
		c.order.MoveToFront(entry.elem)
	}
	c.hits++
	return entry.value, true
}

// Put stores a result, evicting per the configured strategy until both the
// entry count and memory ceiling hold.
func (c *Cache) Put(key string, value *Result) {
	size := resultSize(value)
	if c.cfg.MaxMemoryBytes > 0 && size > c.cfg.MaxMemoryBytes {
		// Single oversized entry can never fit
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.remove(existing)
	}

	entry := &cacheEntry{
		key:      key,
		value:    value,
		size:     size,
		storedAt: time.Now(),
		freq:     1,
	}
	entry.elem = c.order.PushFront(entry)
	c.entries[key] = entry
	c.memory += size

	for c.overCapacity() {
		if !c.evictOne() {
			break
		}
	}
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Entries:     len(c.entries),
		MemoryBytes: c.memory,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Purge removes all entries. Counters survive.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = list.New()
	c.memory = 0
}

func (c *Cache) expired(entry *cacheEntry) bool {
	return c.cfg.TTL > 0 && time.Since(entry.storedAt) > c.cfg.TTL
}

func (c *Cache) overCapacity() bool {
	if c.cfg.MaxEntries > 0 && len(c.entries) > c.cfg.MaxEntries {
		return true
	}
	if c.cfg.MaxMemoryBytes > 0 && c.memory > c.cfg.MaxMemoryBytes {
		return true
	}
	return false
}

// evictOne removes one entry per strategy. Expired entries go first under
// every strategy.
func (c *Cache) evictOne() bool {
	if len(c.entries) == 0 {
		return false
	}

	for _, entry := range c.entries {
		if c.expired(entry) {
			c.remove(entry)
			c.evictions++
			return true
		}
	}

	var victim *cacheEntry
	switch c.cfg.Strategy {
	case "lfu":
		for _, entry := range c.entries {
			if victim == nil || entry.freq < victim.freq ||
				(entry.freq == victim.freq && entry.storedAt.Before(victim.storedAt)) {
				victim = entry
			}
		}
	case "fifo", "ttl":
		// Oldest insertion is at the back
		if back := c.order.Back(); back != nil {
			victim = back.Value.(*cacheEntry)
		}
	default: // lru
		if back := c.order.Back(); back != nil {
			victim = back.Value.(*cacheEntry)
		}
	}

	if victim == nil {
		return false
	}
	c.remove(victim)
	c.evictions++
	return true
}

func (c *Cache) remove(entry *cacheEntry) {
	delete(c.entries, entry.key)
	c.order.Remove(entry.elem)
	c.memory -= entry.size
}

func resultSize(value *Result) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return 1024
	}
	return int64(len(data))
}
