package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     *Value
	expiresAt time.Time
}

// MemoryCache is an in-process DecisionCache. Expired entries are treated
// as absent on read and reaped lazily; there is no background sweeper.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	hits    int64
	misses  int64

	now func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: map[string]memoryEntry{},
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (*Value, bool, error) {
	k := key.String()

	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()

	if ok && c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry.value, true, nil
	}

	c.mu.Lock()
	if ok {
		delete(c.entries, k)
	}
	c.misses++
	c.mu.Unlock()
	return nil, false, nil
}

func (c *MemoryCache) Set(_ context.Context, key Key, value *Value, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.entries[key.String()] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key Key) error {
	c.mu.Lock()
	delete(c.entries, key.String())
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Clear(_ context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope == "" {
		c.entries = map[string]memoryEntry{}
		return nil
	}
	for k := range c.entries {
		if strings.HasPrefix(k, scope) {
			delete(c.entries, k)
		}
	}
	return nil
}

func (c *MemoryCache) Stats(_ context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    int64(len(c.entries)),
		HitRate: hitRate(c.hits, c.misses),
	}, nil
}

// SetClock overrides the cache clock. Test hook.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}
