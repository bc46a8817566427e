// Package assetcache keeps resolved stylesheet content for Direct mode
// renders. The whole map is replaced on invalidation, so readers never see a
// partially cleared cache.
package assetcache

import "sync"

// Cache is a process-wide keyed store of resolved asset content, keyed by
// the normalized "<namespace>/<path>" of the asset.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]string
	enabled bool
}

// New returns an empty cache.
func New(enabled bool) *Cache {
	return &Cache{entries: make(map[string]string), enabled: enabled}
}

// Get 在禁用时总是未命中。
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled {
		return "", false
	}
	content, ok := c.entries[key]
	return content, ok
}

// Put 在禁用时为 no-op。
func (c *Cache) Put(key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.entries[key] = content
}

// Clear drops every entry at once.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]string)
	c.mu.Unlock()
}

// SetEnabled toggles caching. Any toggle invalidates the cache.
func (c *Cache) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.entries = make(map[string]string)
	c.mu.Unlock()
}

func (c *Cache) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
