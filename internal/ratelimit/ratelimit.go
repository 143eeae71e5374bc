// Package ratelimit implements the per-(clientIp, routePath) token-bucket
// Rate Limiter described in §4.3.
package ratelimit

import "context"

// Decision is the result of a Check call.
type Decision struct {
	Allowed   bool
	Remaining int // -1 when unconfigured or when the store could not report it
}

// Limiter enforces the per-(clientIp, routePath) token bucket. A nil-like
// "unconfigured" result is (true, -1); store failures are fail-open, also
// (true, -1).
type Limiter interface {
	// Check performs one atomic check-and-consume for (clientIP, route).
	// If route is not rate limited, it returns (true, -1) without
	// touching the store.
	Check(ctx context.Context, clientIP string, route RouteLimit) (Decision, error)
	Close() error
}

// OccupancyReporter is implemented by backends that can report live
// bucket counts for the admin surface's supplemental reporting (§9). Not
// part of Limiter since it is never called from the request path.
type OccupancyReporter interface {
	Occupancy(ctx context.Context, routePath string) (int, error)
}

// RouteLimit is the subset of a route needed to evaluate its bucket: the
// key path and the optional capacity/refill configuration.
type RouteLimit struct {
	Path                string
	Capacity            int // 0 means unconfigured
	RefillRatePerSecond int
}

// Configured reports whether this route has rate limiting enabled.
func (r RouteLimit) Configured() bool {
	return r.Capacity > 0 && r.RefillRatePerSecond > 0
}

// TTLSeconds is ceil(capacity / refillRatePerSecond) * 2, the bucket's
// inactivity eviction window from §3.
func (r RouteLimit) TTLSeconds() int64 {
	if r.RefillRatePerSecond <= 0 {
		return 0
	}
	secs := (r.Capacity + r.RefillRatePerSecond - 1) / r.RefillRatePerSecond // ceil division
	return int64(secs) * 2
}
