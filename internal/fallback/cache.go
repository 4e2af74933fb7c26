// Package fallback implements cache-first intent resolution over an
// ordered list of sources.
package fallback

import (
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/settlement-experiment/offchain/internal/protocol"
)

// DefaultCacheEntries bounds the cache when no explicit limit is given.
const DefaultCacheEntries = 4096

// cacheEntry holds one cached query result with its absolute expiry.
// Recency for eviction is tracked by the backing LRU on access.
type cacheEntry struct {
	value     protocol.Arg
	expiresAt time.Time
}

// Cache is a bounded, time-expiring store for query results, keyed by the
// deterministic serialization of (resource, operation, args). Only the
// fallback chain writes to it; reads through the LRU are safe concurrently.
type Cache struct {
	ttl     time.Duration
	entries *lru.Cache[string, *cacheEntry]
	now     func() time.Time
}

// NewCache creates a cache with a fixed TTL and an optional entry limit
// (0 uses DefaultCacheEntries). On overflow the least recently accessed
// entry is evicted.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	entries, err := lru.New[string, *cacheEntry](maxEntries)
	if err != nil {
		// lru.New only fails on non-positive size, excluded above.
		panic(err)
	}
	return &Cache{
		ttl:     ttl,
		entries: entries,
		now:     time.Now,
	}
}

// cacheKey serializes (resource, operation, args) deterministically. If the
// arguments cannot be serialized the key degrades to the (resource,
// operation) prefix: per-argument invalidation then over-matches, which is
// preferred over failing the cache entirely.
func cacheKey(resource, operation string, args []protocol.Arg) string {
	prefix := resource + "|" + operation + "|"
	if len(args) == 0 {
		return prefix
	}
	data, err := json.Marshal(args)
	if err != nil {
		return prefix
	}
	return prefix + string(data)
}

// Get returns the cached value for a query, or false on miss. Expired
// entries are purged in place and never returned.
func (c *Cache) Get(resource, operation string, args []protocol.Arg) (protocol.Arg, bool) {
	key := cacheKey(resource, operation, args)
	entry, ok := c.entries.Get(key)
	if !ok {
		return protocol.Arg{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		return protocol.Arg{}, false
	}
	return entry.value.DeepCopy(), true
}

// Put stores a query result under the derived key.
func (c *Cache) Put(resource, operation string, args []protocol.Arg, value protocol.Arg) {
	c.entries.Add(cacheKey(resource, operation, args), &cacheEntry{
		value:     value.DeepCopy(),
		expiresAt: c.now().Add(c.ttl),
	})
}

// Invalidate removes entries matching the given scope and reports whether
// anything was removed:
//
//	operation == ""  every entry for the resource
//	args == nil      every entry for resource+operation
//	otherwise        exact (resource, operation, args) matches
//
// Matching is by containment on the serialized key. Over-invalidation is
// accepted; a stale entry surviving an invalidation it should match is not.
func (c *Cache) Invalidate(resource, operation string, args []protocol.Arg) bool {
	var needle string
	switch {
	case operation == "":
		needle = resource + "|"
	case args == nil:
		needle = resource + "|" + operation + "|"
	default:
		needle = cacheKey(resource, operation, args)
	}

	removed := false
	for _, key := range c.entries.Keys() {
		if strings.Contains(key, needle) {
			c.entries.Remove(key)
			removed = true
		}
	}
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries.Purge()
}

// Len returns the current entry count, counting entries that have expired
// but not yet been purged by lookup.
func (c *Cache) Len() int {
	return c.entries.Len()
}
