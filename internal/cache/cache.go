// Package cache is a small TTL cache for sovereignty scores so remote backends
// are not queried on every trusted-tier request.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// Entry is a cached score.
type Entry struct {
	Key       string    `json:"key"`
	Score     float64   `json:"score"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Hits      int64     `json:"hits"`
}

// Config defines cache configuration
type Config struct {
	Enabled    bool          `json:"enabled"`
	DefaultTTL time.Duration `json:"default_ttl"`
	MaxSize    int           `json:"max_size"`
}

// DefaultConfig returns sensible defaults for caching
func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		DefaultTTL: 30 * time.Second,
		MaxSize:    10000,
	}
}

// Stats tracks cache performance
type Stats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	TotalEntries int64   `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
}

// Cache holds scores until they expire. Expired entries are dropped lazily on
// Get and in bulk by InvalidateExpired.
type Cache struct {
	config  *Config
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]*Entry
	stats   Stats
}

// New creates a cache. A nil clock uses wall time.
func New(config *Config, clk clock.Clock) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{
		config:  config,
		clock:   clk,
		entries: make(map[string]*Entry),
	}
}

// Get returns the cached score for key if present and unexpired.
func (c *Cache) Get(key string) (float64, bool) {
	if !c.config.Enabled {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		c.stats.Misses++
		return 0, false
	}
	if !c.clock.Now().Before(entry.ExpiresAt) {
		delete(c.entries, key)
		c.stats.Misses++
		return 0, false
	}

	entry.Hits++
	c.stats.Hits++
	return entry.Score, true
}

// Set stores a score. A zero ttl uses the configured default.
func (c *Cache) Set(key string, score float64, ttl time.Duration) {
	if !c.config.Enabled {
		return
	}
	if ttl == 0 {
		ttl = c.config.DefaultTTL
	}

	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.config.MaxSize > 0 && len(c.entries) >= c.config.MaxSize {
		c.evictOldest()
	}
	c.entries[key] = &Entry{
		Key:       key,
		Score:     score,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// InvalidateExpired removes every expired entry and returns how many went.
func (c *Cache) InvalidateExpired() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateByPattern removes all cache entries whose key has the given
// prefix. An empty prefix empties the cache.
func (c *Cache) InvalidateByPattern(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// GetStats returns current cache statistics
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.TotalEntries = int64(len(c.entries))
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// evictOldest removes the entry cached longest ago. Caller holds mu.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}
