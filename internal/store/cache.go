package store

import (
	"sync"
	"time"

	"github.com/devrev/tenantplane/internal/model"
)

// TenantCache provides in-memory caching for directory rows
type TenantCache struct {
	entries map[int64]*cacheEntry
	mu      sync.RWMutex
	ttl     time.Duration
	maxSize int
	stop    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	tenant    *model.Tenant
	expiresAt time.Time
}

// NewTenantCache creates a cache and starts its cleanup loop. Close stops it.
func NewTenantCache(ttl time.Duration, maxSize int) *TenantCache {
	c := &TenantCache{
		entries: make(map[int64]*cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		stop:    make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a hospital from cache
func (c *TenantCache) Get(tenantID int64) (*model.Tenant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[tenantID]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil, false
	}

	return entry.tenant, true
}

// Set stores a hospital in cache
func (c *TenantCache) Set(tenant *model.Tenant) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, replacing := c.entries[tenant.ID]; !replacing {
			c.evictLocked()
		}
	}

	c.entries[tenant.ID] = &cacheEntry{
		tenant:    tenant,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// evictLocked drops expired entries, or an arbitrary one if none expired
func (c *TenantCache) evictLocked() {
	now := time.Now()
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}
	for id := range c.entries {
		delete(c.entries, id)
		return
	}
}

// Delete removes a hospital from cache
func (c *TenantCache) Delete(tenantID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, tenantID)
}

// Clear removes all entries from cache
func (c *TenantCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[int64]*cacheEntry)
}

// Size returns the number of entries in cache
func (c *TenantCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the cleanup loop
func (c *TenantCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

// cleanup periodically removes expired entries
func (c *TenantCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for id, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}
