// Package ratelimit keeps one token bucket per key with idle eviction.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed manages a rate.Limiter per key (identity or client IP).
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter allowing r events per second per key with the given
// burst. r <= 0 disables limiting. Entries unused for idle are evicted on
// access.
func New(r float64, burst int, idle time.Duration) *Keyed {
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Keyed{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

// Disabled reports whether the limiter lets everything through.
func (k *Keyed) Disabled() bool {
	return k == nil || k.rate <= 0
}

// Allow reports whether an event for key may happen now.
func (k *Keyed) Allow(key string) bool {
	if k.Disabled() {
		return true
	}
	return k.get(key).Allow()
}

// Wait blocks until an event for key is allowed or ctx is done.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	if k.Disabled() {
		return nil
	}
	return k.get(key).Wait(ctx)
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *Keyed) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.evict(now)
	e, ok := k.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.rate, k.burst)}
		k.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (k *Keyed) evict(now time.Time) {
	threshold := now.Add(-k.idle)
	for key, e := range k.limiters {
		if e.lastSeen.Before(threshold) {
			delete(k.limiters, key)
		}
	}
}
