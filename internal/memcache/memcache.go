// Package memcache implements the Memory Cache (C4): a hot
// in-process map from module key to parsed symbol table. Unlike a
// generic LRU container, eviction is wholly driven by the Cache
// Manager's MRU list via the shared cache.Update operation — this
// type owns no eviction policy of its own.
package memcache

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/diskcache"
	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// Cache is the memory-backed cache tier (C4).
type Cache struct {
	mu      sync.RWMutex
	entries map[modkey.Key]*symfile.Table
	maxSize int
	logger  *zap.Logger
}

// New creates an empty memory cache bounded at maxSize entries.
// maxSize must be <= the disk cache's MaxSize; callers are expected to
// check this before calling New.
func New(maxSize int, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries: make(map[modkey.Key]*symfile.Table),
		maxSize: maxSize,
		logger:  logger,
	}
}

// MaxSize implements cache.Tier.
func (c *Cache) MaxSize() int { return c.maxSize }

// Get returns the cached table for key, if resident.
func (c *Cache) Get(key modkey.Key) (*symfile.Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[key]
	return t, ok
}

// Insert adds the given keys to the in-process map.
func (c *Cache) Insert(keys []modkey.Key, tables map[modkey.Key]*symfile.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if t := tables[k]; t != nil {
			c.entries[k] = t
		}
	}
}

// Evict removes the given keys from the in-process map, if present.
func (c *Cache) Evict(keys []modkey.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// LoadCacheEntries warm-loads the first MaxSize entries of mru from
// disk. Entries the disk cache cannot produce
// (deleted out-of-band) are silently skipped, not retried here — the
// Cache Manager's ordinary lookup path handles that case.
func (c *Cache) LoadCacheEntries(mru []modkey.Key, disk *diskcache.Cache) {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.maxSize
	if limit > len(mru) {
		limit = len(mru)
	}
	for _, key := range mru[:limit] {
		if table, ok := disk.Get(key); ok {
			c.entries[key] = table
		} else {
			c.logger.Debug("memcache: warm load miss", zap.String("lib", key.LibName), zap.String("id", key.BreakpadID))
		}
	}
}
