package cache

import (
	"strings"
	"sync"
)

// RequestCache holds responses fetched by the UI layers, keyed either by a
// bare entity name ("order") or an entity-instance pair ("order-42").
// The sync client only ever invalidates; population is the UI's business
type RequestCache struct {
	mu      sync.RWMutex
	entries map[string]any
}

func New() *RequestCache {
	return &RequestCache{entries: make(map[string]any)}
}

// Set stores a value under key
func (c *RequestCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

// Get returns the cached value for key, if any
func (c *RequestCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Invalidate drops the single entry exactly matching key
func (c *RequestCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// InvalidatePattern drops every entry whose key matches or starts with prefix
func (c *RequestCache) InvalidatePattern(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of live entries
func (c *RequestCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
