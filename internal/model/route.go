// Package model holds the plain value types shared across the gateway's
// data-plane packages: routes and access-log events.
package model

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// ErrInvalidRoute is wrapped by more specific validation errors returned
// from Route.Validate.
var ErrInvalidRoute = errors.New("invalid route")

// Route maps an inbound path prefix to a downstream base URL, with optional
// token-bucket rate-limit parameters.
type Route struct {
	ID                  int64     `json:"id"`
	Path                string    `json:"path"`
	TargetURL           string    `json:"targetUrl"`
	Capacity            *int      `json:"capacity,omitempty"`
	RefillRatePerSecond *int      `json:"refillRatePerSecond,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// RateLimited reports whether the route has rate limiting configured, and
// if so its capacity and refill rate.
func (r Route) RateLimited() (capacity, refill int, ok bool) {
	if r.Capacity == nil || r.RefillRatePerSecond == nil {
		return 0, 0, false
	}
	return *r.Capacity, *r.RefillRatePerSecond, true
}

// Validate enforces the invariants from the data model: a non-empty path,
// an absolute target URL, and capacity/refillRatePerSecond both set or both
// unset.
func (r Route) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidRoute)
	}
	if r.TargetURL == "" {
		return fmt.Errorf("%w: targetUrl must not be empty", ErrInvalidRoute)
	}
	if u, err := url.Parse(r.TargetURL); err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: targetUrl must be an absolute URL", ErrInvalidRoute)
	}
	if (r.Capacity == nil) != (r.RefillRatePerSecond == nil) {
		return fmt.Errorf("%w: capacity and refillRatePerSecond must both be set or both be null", ErrInvalidRoute)
	}
	if r.Capacity != nil && *r.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidRoute)
	}
	if r.RefillRatePerSecond != nil && *r.RefillRatePerSecond <= 0 {
		return fmt.Errorf("%w: refillRatePerSecond must be positive", ErrInvalidRoute)
	}
	return nil
}
