// Package cachemanager implements the Cache Manager (C5): the owner of
// the authoritative MRU list and the two cache tiers, resolving module
// lookups through memory, then disk, then the fetch pipeline, and
// reconciling tier contents against the MRU at request boundaries.
package cachemanager

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mozilla-services/breakpad-symbol-server/internal/cache"
	"github.com/mozilla-services/breakpad-symbol-server/internal/diskcache"
	"github.com/mozilla-services/breakpad-symbol-server/internal/fetch"
	"github.com/mozilla-services/breakpad-symbol-server/internal/memcache"
	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
	"github.com/mozilla-services/breakpad-symbol-server/internal/telemetry"
)

var errFetchMiss = errors.New("cachemanager: no fetcher located the symbol file")

var (
	memTierAttr  = metric.WithAttributes(attribute.String("tier", "memory"))
	diskTierAttr = metric.WithAttributes(attribute.String("tier", "disk"))
)

// Options carries the Cache Manager's optional knobs.
type Options struct {
	// MRUStateFile, when non-empty, is where the MRU prefix is
	// persisted (write-temp-then-rename) after each update, and read
	// back by PrefetchMRUState at startup.
	MRUStateFile string

	// MaxPersist bounds how many MRU entries are persisted and
	// prefetched. Zero disables persistence even when MRUStateFile is
	// set.
	MaxPersist int

	Telemetry *telemetry.Builder
	Logger    *zap.Logger
}

// Manager owns the tiered cache. All MRU and tier mutation is
// serialized by mu; the mutex is never held across fetcher I/O —
// instead a singleflight group coalesces concurrent fetches of the
// same cold key.
type Manager struct {
	mem     *memcache.Cache
	disk    *diskcache.Cache
	fetcher fetch.Fetcher

	mu  sync.Mutex
	mru []modkey.Key

	inflight singleflight.Group

	stateFile  string
	maxPersist int

	tb     *telemetry.Builder
	logger *zap.Logger
}

// New builds a Manager and runs the startup reconciliation: seed the
// MRU from the disk cache's directory scan, evict anything past the
// disk bound, and warm-load the memory tier. The memory tier's bound
// must not exceed the disk tier's.
func New(mem *memcache.Cache, disk *diskcache.Cache, fetcher fetch.Fetcher, opts Options) (*Manager, error) {
	if mem.MaxSize() > disk.MaxSize() {
		return nil, errors.New("cachemanager: maxMemCacheFiles exceeds maxDiskCacheFiles")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tb := opts.Telemetry
	if tb == nil {
		tb = telemetry.Nop()
	}

	m := &Manager{
		mem:        mem,
		disk:       disk,
		fetcher:    fetcher,
		stateFile:  opts.MRUStateFile,
		maxPersist: opts.MaxPersist,
		tb:         tb,
		logger:     logger,
	}

	m.mru = disk.GetCacheEntries()
	if len(m.mru) > disk.MaxSize() {
		disk.Evict(m.mru[disk.MaxSize():])
		m.mru = m.mru[:disk.MaxSize()]
	}
	mem.LoadCacheEntries(m.mru, disk)

	logger.Info("cachemanager: startup reconciliation complete",
		zap.Int("disk_entries", len(m.mru)),
		zap.Int("mem_max", mem.MaxSize()),
		zap.Int("disk_max", disk.MaxSize()))
	return m, nil
}

// GetLibSymbolMap resolves a single module: memory tier if the key
// sits in the MRU's memory prefix, disk tier if it sits deeper, fetch
// pipeline otherwise. A tier read-miss despite MRU membership (file
// deleted out-of-band) falls through to fetch. Lookups do not mutate
// the MRU — only GetLibSymbolMaps' batched reconciliation does.
func (m *Manager) GetLibSymbolMap(ctx context.Context, key modkey.Key) (*symfile.Table, bool) {
	// Empty lib name means the client couldn't associate the frame
	// with any lib.
	if key.LibName == "" {
		return nil, false
	}

	if table, ok := m.cachedLookup(ctx, key); ok {
		return table, true
	}
	if ctx.Err() != nil {
		return nil, false
	}
	return m.fetchCoalesced(ctx, key)
}

// cachedLookup consults the tier the key's MRU position selects. The
// lock covers the MRU scan and the memory-tier read; the disk read
// happens without it (the disk tier tolerates concurrent eviction —
// a lost race is just a miss that falls through to fetch).
func (m *Manager) cachedLookup(ctx context.Context, key modkey.Key) (*symfile.Table, bool) {
	m.mu.Lock()
	index := -1
	for i, k := range m.mru {
		if k == key {
			index = i
			break
		}
	}
	if index < 0 {
		m.mu.Unlock()
		return nil, false
	}

	if index < m.mem.MaxSize() {
		table, ok := m.mem.Get(key)
		m.mu.Unlock()
		if ok {
			m.tb.CacheHits.Add(ctx, 1, memTierAttr)
		}
		return table, ok
	}
	m.mu.Unlock()

	table, ok := m.disk.Get(key)
	if ok {
		m.tb.CacheHits.Add(ctx, 1, diskTierAttr)
	}
	return table, ok
}

// fetchCoalesced runs the fetch pipeline for key, collapsing
// concurrent fetches of the same key into a single pipeline
// invocation whose result every waiter shares.
func (m *Manager) fetchCoalesced(ctx context.Context, key modkey.Key) (*symfile.Table, bool) {
	flightKey := key.BreakpadID + "@" + key.LibName
	v, err, _ := m.inflight.Do(flightKey, func() (interface{}, error) {
		if table, ok := m.fetcher.Fetch(ctx, key); ok {
			return table, nil
		}
		return nil, errFetchMiss
	})
	if err != nil {
		m.tb.FetchMisses.Add(ctx, 1)
		m.logger.Debug("cachemanager: no matching sym file",
			zap.String("lib", key.LibName), zap.String("id", key.BreakpadID))
		return nil, false
	}
	return v.(*symfile.Table), true
}

// GetLibSymbolMaps resolves each module in modules (skipping empty lib
// names) and returns the map of hits. The request's hits are then
// folded into the MRU as one transaction: hit keys first, in the order
// they appear in modules, followed by the prior MRU with those keys
// removed, capped at the disk bound; both tiers are reconciled against
// the new list before it becomes authoritative.
func (m *Manager) GetLibSymbolMaps(ctx context.Context, modules []modkey.Key) map[modkey.Key]*symfile.Table {
	hits := make(map[modkey.Key]*symfile.Table)
	hitOrder := make([]modkey.Key, 0, len(modules))

	for _, key := range modules {
		if key.LibName == "" {
			continue
		}
		if _, done := hits[key]; done {
			continue
		}
		if table, ok := m.GetLibSymbolMap(ctx, key); ok {
			hits[key] = table
			hitOrder = append(hitOrder, key)
		}
	}

	m.reconcile(ctx, hitOrder, hits)
	return hits
}

// reconcile recomputes the MRU from this request's hits and applies
// the prefix-diff update to both tiers under the lock, then persists
// the new MRU prefix outside it.
func (m *Manager) reconcile(ctx context.Context, hitOrder []modkey.Key, hits map[modkey.Key]*symfile.Table) {
	if len(hitOrder) == 0 {
		return
	}

	m.mu.Lock()
	oldMRU := m.mru

	hitSet := make(map[modkey.Key]bool, len(hitOrder))
	newMRU := cache.Prefix(hitOrder, m.disk.MaxSize())
	for _, k := range newMRU {
		hitSet[k] = true
	}
	for _, k := range oldMRU {
		if !hitSet[k] {
			newMRU = append(newMRU, k)
		}
	}
	newMRU = cache.Prefix(newMRU, m.disk.MaxSize())

	cache.Update(m.disk, oldMRU, newMRU, hits, m.logger)
	cache.Update(m.mem, oldMRU, newMRU, hits, m.logger)
	m.mru = newMRU

	memResident := len(newMRU)
	if memResident > m.mem.MaxSize() {
		memResident = m.mem.MaxSize()
	}
	m.tb.MemCacheEntries.Record(ctx, int64(memResident))
	m.tb.DiskCacheEntries.Record(ctx, int64(len(newMRU)))

	snapshot := m.persistSnapshot()
	m.mu.Unlock()

	m.persistMRU(snapshot)
}

// MRU returns a copy of the current MRU list, newest first. Primarily
// for tests and diagnostics.
func (m *Manager) MRU() []modkey.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]modkey.Key, len(m.mru))
	copy(out, m.mru)
	return out
}
