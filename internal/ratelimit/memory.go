package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryLimiter is the non-durable fallback backend (§4.3): the same
// token-bucket arithmetic as RedisLimiter's Lua script, applied in-process
// under a single mutex shared by all buckets. Suitable for single-instance deployments or tests;
// state does not survive a restart and is not shared across instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucketState

	now func() time.Time
}

// NewMemoryLimiter constructs an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucketState),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Check(_ context.Context, clientIP string, route RouteLimit) (Decision, error) {
	if !route.Configured() {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := route.Path + ":" + clientIP
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucketState{tokens: float64(route.Capacity), lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	newTokens := b.tokens + elapsed*float64(route.RefillRatePerSecond)
	if cap := float64(route.Capacity); newTokens > cap {
		newTokens = cap
	}

	allowed := false
	if newTokens >= 1.0 {
		allowed = true
		newTokens -= 1.0
	}

	b.tokens = newTokens
	b.lastRefill = now

	return Decision{Allowed: allowed, Remaining: int(newTokens)}, nil
}

// SetClock overrides the time source used for refill calculations. Tests
// use this to advance time deterministically instead of sleeping.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Occupancy returns the number of distinct (clientIp) buckets currently
// held for routePath. See RedisLimiter.Occupancy for the Redis-backed
// equivalent this mirrors.
func (l *MemoryLimiter) Occupancy(_ context.Context, routePath string) (int, error) {
	prefix := routePath + ":"
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for key := range l.buckets {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count, nil
}

func (l *MemoryLimiter) Close() error { return nil }
