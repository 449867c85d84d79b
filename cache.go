package stackfs

import (
	"sync"
	"time"
)

// Cache remembers recent revalidation results so hot dentries are not
// re-checked against the lower filesystem on every walk.
type Cache struct {
	statCache     map[*Dentry]*statCacheEntry
	negativeCache map[*Dentry]*negativeCacheEntry
	mu            sync.RWMutex
	statTTL       time.Duration
	negativeTTL   time.Duration
	maxEntries    int
	enabled       bool
}

// statCacheEntry records that a positive dentry still matched its lower
// object.
type statCacheEntry struct {
	key     inodeKey
	expires time.Time
}

// negativeCacheEntry records that a negative dentry's name was still absent.
type negativeCacheEntry struct {
	expires time.Time
}

// newCache creates a new cache with the specified configuration
func newCache(enabled bool, statTTL, negativeTTL time.Duration, maxEntries int) *Cache {
	if !enabled {
		return &Cache{enabled: false}
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	return &Cache{
		statCache:     make(map[*Dentry]*statCacheEntry),
		negativeCache: make(map[*Dentry]*negativeCacheEntry),
		statTTL:       statTTL,
		negativeTTL:   negativeTTL,
		maxEntries:    maxEntries,
		enabled:       true,
	}
}

// getStat reports whether d was validated against key within the TTL.
func (c *Cache) getStat(d *Dentry, key inodeKey) bool {
	if !c.enabled {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.statCache[d]
	if !ok || entry.key != key {
		return false
	}
	return time.Now().Before(entry.expires)
}

// putStat records a successful revalidation of a positive dentry.
func (c *Cache) putStat(d *Dentry, key inodeKey) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.statCache) >= c.maxEntries {
		c.evictOldestStat()
	}

	c.statCache[d] = &statCacheEntry{
		key:     key,
		expires: time.Now().Add(c.statTTL),
	}
}

// isNegative reports whether d was validated as absent within the TTL.
func (c *Cache) isNegative(d *Dentry) bool {
	if !c.enabled {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.negativeCache[d]
	if !ok {
		return false
	}
	return time.Now().Before(entry.expires)
}

// putNegative records a successful revalidation of a negative dentry.
func (c *Cache) putNegative(d *Dentry) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.negativeCache) >= c.maxEntries {
		c.evictOldestNegative()
	}

	c.negativeCache[d] = &negativeCacheEntry{
		expires: time.Now().Add(c.negativeTTL),
	}
}

// invalidate forgets d.
func (c *Cache) invalidate(d *Dentry) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.statCache, d)
	delete(c.negativeCache, d)
}

// clear removes all cache entries
func (c *Cache) clear() {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.statCache = make(map[*Dentry]*statCacheEntry)
	c.negativeCache = make(map[*Dentry]*negativeCacheEntry)
}

func (c *Cache) evictOldestStat() {
	var oldest *Dentry
	var oldestTime time.Time

	for d, entry := range c.statCache {
		if oldest == nil || entry.expires.Before(oldestTime) {
			oldest = d
			oldestTime = entry.expires
		}
	}

	if oldest != nil {
		delete(c.statCache, oldest)
	}
}

func (c *Cache) evictOldestNegative() {
	var oldest *Dentry
	var oldestTime time.Time

	for d, entry := range c.negativeCache {
		if oldest == nil || entry.expires.Before(oldestTime) {
			oldest = d
			oldestTime = entry.expires
		}
	}

	if oldest != nil {
		delete(c.negativeCache, oldest)
	}
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	if !c.enabled {
		return CacheStats{Enabled: false}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Enabled:           true,
		StatCacheSize:     len(c.statCache),
		NegativeCacheSize: len(c.negativeCache),
		MaxEntries:        c.maxEntries,
		StatTTL:           c.statTTL,
		NegativeTTL:       c.negativeTTL,
	}
}

// CacheStats contains cache statistics
type CacheStats struct {
	Enabled           bool
	StatCacheSize     int
	NegativeCacheSize int
	MaxEntries        int
	StatTTL           time.Duration
	NegativeTTL       time.Duration
}
