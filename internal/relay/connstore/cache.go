package connstore

import (
	"context"
	"sync"
	"time"
)

// CachedLookup wraps Store.Lookup with a short node-local TTL cache
// so that request bursts for the same hub do not hammer Redis. The
// cache stores negative results too (hub offline).
//
// Entries MUST be invalidated when a session starts or stops on this
// node, otherwise a just-connected hub would appear offline for up to
// one cache TTL.
type CachedLookup struct {
	store *Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	own     *Ownership // nil for a cached "offline"
	expires time.Time
}

// NewCachedLookup creates a lookup cache over store with the given
// entry TTL.
func NewCachedLookup(store *Store, ttl time.Duration) *CachedLookup {
	return &CachedLookup{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Lookup returns the ownership for hubID, consulting the cache first.
func (c *CachedLookup) Lookup(ctx context.Context, hubID string) (*Ownership, error) {
	c.mu.RLock()
	e, ok := c.entries[hubID]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expires) {
		return e.own, nil
	}

	own, err := c.store.Lookup(ctx, hubID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[hubID] = cacheEntry{own: own, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return own, nil
}

// Invalidate drops the cached entry for hubID. Called on local
// session start and stop.
func (c *CachedLookup) Invalidate(hubID string) {
	c.mu.Lock()
	delete(c.entries, hubID)
	c.mu.Unlock()
}

// Purge removes expired entries. Run periodically to bound memory on
// nodes serving many distinct hubs.
func (c *CachedLookup) Purge() {
	now := time.Now()
	c.mu.Lock()
	for hubID, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, hubID)
		}
	}
	c.mu.Unlock()
}
