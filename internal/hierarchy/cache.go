package hierarchy

import (
	"sync"
	"time"

	"overseer/internal/logging"
)

// CacheConfig tunes the shared context cache.
type CacheConfig struct {
	MaxMemoryBytes int64
	MaxEntries     int
	DefaultTTL     time.Duration
}

// CacheEntry is one cached context blob.
type CacheEntry struct {
	Key         string
	Content     string
	Size        int64
	ContextType string
	OwnerAgent  string
	Created     time.Time
	TTL         time.Duration
	AccessCount int64
	LastAccess  time.Time
	Shareable   bool
	Priority    int // 0..10, higher survives eviction longer
}

// SetOptions are the optional fields of Set.
type SetOptions struct {
	ContextType string
	OwnerAgent  string
	TTL         time.Duration
	Shareable   bool
	Priority    int
}

// ContextCache shares fetched context between agents in one hierarchy so
// siblings do not re-fetch what a parent already paid for. Bounded by entry
// count and total bytes; eviction favors low-priority, rarely-read entries.
type ContextCache struct {
	mu      sync.Mutex
	cfg     CacheConfig
	entries map[string]*CacheEntry
	memory  int64

	hits   int64
	misses int64
	evicts int64
}

// NewContextCache builds an empty cache.
func NewContextCache(cfg CacheConfig) *ContextCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = 50 << 20
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	return &ContextCache{cfg: cfg, entries: make(map[string]*CacheEntry)}
}

// Set stores content under key, evicting as needed to stay within bounds.
func (c *ContextCache) Set(key, content string, opts SetOptions) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	priority := opts.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.memory -= old.Size
		delete(c.entries, key)
	}

	entry := &CacheEntry{
		Key:         key,
		Content:     content,
		Size:        int64(len(content)),
		ContextType: opts.ContextType,
		OwnerAgent:  opts.OwnerAgent,
		Created:     time.Now(),
		TTL:         ttl,
		LastAccess:  time.Now(),
		Shareable:   opts.Shareable,
		Priority:    priority,
	}

	for len(c.entries)+1 > c.cfg.MaxEntries || c.memory+entry.Size > c.cfg.MaxMemoryBytes {
		if !c.evictOneLocked() {
			break
		}
	}
	c.entries[key] = entry
	c.memory += entry.Size
}

// evictOneLocked removes the entry with the lowest retention weight
// (priority*10 + accessCount), breaking ties toward the oldest last access.
func (c *ContextCache) evictOneLocked() bool {
	var victim *CacheEntry
	var victimWeight int64
	for _, e := range c.entries {
		weight := int64(e.Priority)*10 + e.AccessCount
		if victim == nil || weight < victimWeight ||
			(weight == victimWeight && e.LastAccess.Before(victim.LastAccess)) {
			victim = e
			victimWeight = weight
		}
	}
	if victim == nil {
		return false
	}
	delete(c.entries, victim.Key)
	c.memory -= victim.Size
	c.evicts++
	logging.HierarchyDebug("cache evicted %s (weight=%d, %d bytes)", victim.Key, victimWeight, victim.Size)
	return true
}

// Get returns content for key, counting a hit and refreshing access state.
// Expired entries read as misses and are dropped.
func (c *ContextCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expiredLocked(e) {
		c.misses++
		return "", false
	}
	e.AccessCount++
	e.LastAccess = time.Now()
	c.hits++
	return e.Content, true
}

func (c *ContextCache) expiredLocked(e *CacheEntry) bool {
	if time.Since(e.Created) > e.TTL {
		delete(c.entries, e.Key)
		c.memory -= e.Size
		return true
	}
	return false
}

// Has reports presence without touching access state.
func (c *ContextCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !c.expiredLocked(e)
}

// Delete removes one entry.
func (c *ContextCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	c.memory -= e.Size
	return true
}

// MarkShareable flips an entry to shareable so sibling agents can read it.
func (c *ContextCache) MarkShareable(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.expiredLocked(e) {
		return false
	}
	e.Shareable = true
	return true
}

// GetShareable returns content for key only when the entry is shareable and
// the requester is not the owner (owners use Get).
func (c *ContextCache) GetShareable(key, requester string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expiredLocked(e) || !e.Shareable || requester == e.OwnerAgent {
		c.misses++
		return "", false
	}
	e.AccessCount++
	e.LastAccess = time.Now()
	c.hits++
	return e.Content, true
}

// InvalidateFilter selects entries for Invalidate; empty fields match all.
type InvalidateFilter struct {
	ContextType string
	AgentID     string
}

// Invalidate drops entries matching the filter and returns how many.
func (c *ContextCache) Invalidate(f InvalidateFilter) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for key, e := range c.entries {
		if f.ContextType != "" && e.ContextType != f.ContextType {
			continue
		}
		if f.AgentID != "" && e.OwnerAgent != f.AgentID {
			continue
		}
		delete(c.entries, key)
		c.memory -= e.Size
		count++
	}
	if count > 0 {
		logging.HierarchyDebug("cache invalidated %d entries (type=%q agent=%q)", count, f.ContextType, f.AgentID)
	}
	return count
}

// GetOrSetContext returns the cached content for key, fetching and storing it
// on a miss.
func (c *ContextCache) GetOrSetContext(key string, opts SetOptions, fetch func() (string, error)) (string, error) {
	if content, ok := c.Get(key); ok {
		return content, nil
	}
	content, err := fetch()
	if err != nil {
		return "", err
	}
	c.Set(key, content, opts)
	return content, nil
}

// CacheStats is a point-in-time cache snapshot.
type CacheStats struct {
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memoryBytes"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	HitRate     float64 `json:"hitRate"`
}

// Stats snapshots the cache counters.
func (c *ContextCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{
		Entries:     len(c.entries),
		MemoryBytes: c.memory,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evicts,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}
