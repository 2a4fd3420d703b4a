// Package cache defines the shared tier abstraction common to the
// disk cache (C3) and memory cache (C4): both are bounded key->Table
// stores reconciled against the Cache Manager's MRU list via an
// identical Update(oldMRU, newMRU, tables) operation.
package cache

import (
	"go.uber.org/zap"

	"github.com/mozilla-services/breakpad-symbol-server/internal/modkey"
	"github.com/mozilla-services/breakpad-symbol-server/internal/symfile"
)

// Tier is the storage surface a single cache tier (memory or disk)
// exposes to the Cache Manager. MaxSize defines which prefix of the
// MRU list is resident in this tier.
type Tier interface {
	// Get returns the cached table for key, or ok=false on a miss.
	// I/O errors are logged by the tier and reported as misses, never
	// propagated.
	Get(key modkey.Key) (table *symfile.Table, ok bool)

	// Insert adds the given keys to the tier. tables must contain an
	// entry for every key in keys.
	Insert(keys []modkey.Key, tables map[modkey.Key]*symfile.Table)

	// Evict best-effort removes the given keys from the tier. A
	// missing entry is not an error.
	Evict(keys []modkey.Key)

	// MaxSize is this tier's bound on resident entries.
	MaxSize() int
}

// Prefix returns the first n elements of mru, or the whole slice if
// n >= len(mru).
func Prefix(mru []modkey.Key, n int) []modkey.Key {
	if n < 0 {
		n = 0
	}
	if n > len(mru) {
		n = len(mru)
	}
	out := make([]modkey.Key, n)
	copy(out, mru[:n])
	return out
}

// Update computes the prefix-diff between oldMRU and newMRU (each
// truncated to tier.MaxSize()) and applies Evict then Insert so that
// the tier's resident set matches prefix(newMRU, MaxSize). tables must
// contain an entry for every key inserted.
//
// This is the single update path shared by both tiers; no tier evicts
// or inserts outside it.
func Update(tier Tier, oldMRU, newMRU []modkey.Key, tables map[modkey.Key]*symfile.Table, logger *zap.Logger) {
	max := tier.MaxSize()
	oldSet := toSet(Prefix(oldMRU, max))
	newSet := toSet(Prefix(newMRU, max))

	var inserted, evicted []modkey.Key
	for k := range newSet {
		if !oldSet[k] {
			inserted = append(inserted, k)
		}
	}
	for k := range oldSet {
		if !newSet[k] {
			evicted = append(evicted, k)
		}
	}

	if logger != nil {
		logger.Debug("cache: updating tier",
			zap.Int("evicting", len(evicted)),
			zap.Int("inserting", len(inserted)))
	}

	tier.Evict(evicted)
	tier.Insert(inserted, tables)
}

func toSet(keys []modkey.Key) map[modkey.Key]bool {
	s := make(map[modkey.Key]bool, len(keys))
	for _, k := range keys {
		s[k] = true
	}
	return s
}
