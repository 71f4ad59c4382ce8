package registry

import (
	"sync"
	"time"
)

// MemoCache is a small TTL cache for expensive registry reads (metric
// lookups, service/application records). It is constructed once per process
// and injected; invalidation is explicit via Delete on every mutation, so a
// stale entry can only survive for at most its TTL after a write raced past
// the delete.
type MemoCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoEntry
	now     func() time.Time
}

type memoEntry struct {
	value   any
	expires time.Time
}

func NewMemoCache(ttl time.Duration) *MemoCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoCache{
		ttl:     ttl,
		entries: make(map[string]memoEntry),
		now:     time.Now,
	}
}

func (c *MemoCache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (c *MemoCache) Set(key string, value any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = memoEntry{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MemoCache) Delete(keys ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Purge drops every entry. Used between test runs and by the cache-control
// toggle when caching is disabled process-wide.
func (c *MemoCache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]memoEntry)
	c.mu.Unlock()
}
