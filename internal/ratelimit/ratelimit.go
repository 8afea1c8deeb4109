// Package ratelimit provides the token buckets used to bound signaling message
// rates and per-source UDP packet rates.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of per-key buckets when the caller does not
// pick a size.
const DefaultMaxKeys = 4096

// NewLimiter returns a limiter that allows perSecond events per second with a
// burst of the same size. perSecond <= 0 disables limiting.
func NewLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// KeyedLimiter keeps one token bucket per key.
//
// Keys are tracked in an LRU so a stream of spoofed or short-lived sources
// cannot grow memory without bound. An evicted key starts over with a full
// bucket the next time it is seen.
type KeyedLimiter[K comparable] struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[K, *rate.Limiter]
}

// NewKeyedLimiter returns a limiter allowing perSecond events per key.
// onEvict, when non-nil, runs once for every bucket dropped by the LRU.
func NewKeyedLimiter[K comparable](perSecond, maxKeys int, onEvict func()) (*KeyedLimiter[K], error) {
	if perSecond <= 0 {
		return nil, errors.New("ratelimit: perSecond must be > 0")
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	var evict func(K, *rate.Limiter)
	if onEvict != nil {
		evict = func(K, *rate.Limiter) { onEvict() }
	}
	buckets, err := lru.NewWithEvict[K, *rate.Limiter](maxKeys, evict)
	if err != nil {
		return nil, err
	}
	return &KeyedLimiter[K]{
		limit:   rate.Limit(perSecond),
		burst:   perSecond,
		buckets: buckets,
	}, nil
}

// Allow consumes one token from key's bucket at time now.
func (l *KeyedLimiter[K]) Allow(key K, now time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(key, b)
	}
	l.mu.Unlock()
	return b.AllowN(now, 1)
}

// Forget drops key's bucket.
func (l *KeyedLimiter[K]) Forget(key K) {
	l.buckets.Remove(key)
}

// Len reports how many keys are currently tracked.
func (l *KeyedLimiter[K]) Len() int {
	return l.buckets.Len()
}
