package fetch

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// negativeCache remembers keys a remote fetcher has recently confirmed
// absent, so that a cold key referenced by many concurrent requests
// doesn't generate a fresh network round trip per request.
type negativeCache struct {
	cache *lru.Cache[string, struct{}]
}

// newNegativeCache builds a bounded negative-result cache. size <= 0
// disables it (every lookup reports "not known absent").
func newNegativeCache(size int) *negativeCache {
	if size <= 0 {
		return &negativeCache{}
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		// Only returns an error for size <= 0, already guarded above.
		return &negativeCache{}
	}
	return &negativeCache{cache: c}
}

func (n *negativeCache) KnownAbsent(key string) bool {
	if n.cache == nil {
		return false
	}
	_, ok := n.cache.Get(key)
	return ok
}

func (n *negativeCache) MarkAbsent(key string) {
	if n.cache == nil {
		return
	}
	n.cache.Add(key, struct{}{})
}
