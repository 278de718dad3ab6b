package ratelimit

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of tracked keys when the caller passes
// maxKeys <= 0.
const DefaultMaxKeys = 4096

// KeyedLimiter applies an independent rate limit per key (for example per
// remote IP). Only the most recently used maxKeys limiters are retained; an
// evicted key starts over with a full burst.
type KeyedLimiter struct {
	limit rate.Limit
	burst int

	cache *lru.Cache[string, *rate.Limiter]
}

// NewKeyedLimiter returns a limiter allowing perSecond events per key with the
// given burst. perSecond <= 0 disables limiting. onEvict, when non-nil, runs
// once per evicted key.
func NewKeyedLimiter(perSecond float64, burst, maxKeys int, onEvict func(key string)) (*KeyedLimiter, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if burst <= 0 {
		burst = 1
	}
	var evict func(string, *rate.Limiter)
	if onEvict != nil {
		evict = func(key string, _ *rate.Limiter) { onEvict(key) }
	}
	cache, err := lru.NewWithEvict[string, *rate.Limiter](maxKeys, evict)
	if err != nil {
		return nil, err
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &KeyedLimiter{limit: limit, burst: burst, cache: cache}, nil
}

// Allow reports whether one more event for key is permitted now.
func (k *KeyedLimiter) Allow(key string) bool {
	if k == nil || k.limit == rate.Inf {
		return true
	}
	lim, ok := k.cache.Get(key)
	if !ok {
		lim = rate.NewLimiter(k.limit, k.burst)
		// Another goroutine may have inserted the key concurrently; keep the
		// first limiter so both callers share a budget.
		if prev, loaded, _ := k.cache.PeekOrAdd(key, lim); loaded {
			lim = prev
		}
	}
	return lim.Allow()
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	if k == nil {
		return 0
	}
	return k.cache.Len()
}
