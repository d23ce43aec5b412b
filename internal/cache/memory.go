package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type MemoryConfig struct {
	// CleanupInterval between sweeps of expired entries (default: 5m).
	CleanupInterval time.Duration
	// MaxEntries bounds the map; 0 means 10000. When full, expired entries
	// go first, then the entry closest to expiry.
	MaxEntries int
}

// MemoryExactCache is the in-process backend, for development and single
// instance deployments.
type MemoryExactCache struct {
	mu         sync.RWMutex
	items      map[string]memoryEntry
	maxEntries int

	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

func NewMemoryExactCache(cfg MemoryConfig) *MemoryExactCache {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}

	c := &MemoryExactCache{
		items:           make(map[string]memoryEntry),
		maxEntries:      cfg.MaxEntries,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cfg.CleanupInterval,
	}

	go c.cleanupLoop()

	return c
}

func (c *MemoryExactCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		if e, exists := c.items[key]; exists && now.After(e.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}

	return entry.value, true, nil
}

// Set stores a copy of value. A ttl <= 0 removes the key.
func (c *MemoryExactCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.items, key)
		return nil
	}

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictLocked(time.Now())
	}

	c.items[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// evictLocked makes room for one entry. Caller holds mu.
func (c *MemoryExactCache) evictLocked(now time.Time) {
	c.deleteExpiredLocked(now)
	if len(c.items) < c.maxEntries {
		return
	}

	var victim string
	var soonest time.Time
	for k, v := range c.items {
		if victim == "" || v.expiresAt.Before(soonest) {
			victim, soonest = k, v.expiresAt
		}
	}
	delete(c.items, victim)
}

func (c *MemoryExactCache) deleteExpiredLocked(now time.Time) {
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *MemoryExactCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.deleteExpiredLocked(time.Now())
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (c *MemoryExactCache) Close() error {
	c.cleanupOnce.Do(func() {
		close(c.stopCleanup)
	})
	return nil
}

// Len returns the number of items currently in the cache.
func (c *MemoryExactCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
