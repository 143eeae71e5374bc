// Package proxy implements the Proxy Engine (§4.4): the per-request
// pipeline match -> limit -> forward -> relay -> log.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/devkishan/fluxgate/internal/breaker"
	"github.com/devkishan/fluxgate/internal/model"
	"github.com/devkishan/fluxgate/internal/ratelimit"
)

// RouteMatcher is the subset of *routecache.Cache the engine depends on.
type RouteMatcher interface {
	FindMatch(path string) (model.Route, bool)
}

// Limiter is the subset of ratelimit.Limiter the engine depends on.
type Limiter interface {
	Check(ctx context.Context, clientIP string, route ratelimit.RouteLimit) (ratelimit.Decision, error)
}

// LogPublisher is the subset of *accesslog.Publisher the engine depends on.
type LogPublisher interface {
	Publish(event model.AccessLogEvent)
}

// DecisionRecorder is the subset of *mw.Metrics the engine depends on for
// rate-limit observability.
type DecisionRecorder interface {
	RecordRateLimitDecision(route string, allowed bool)
}

// Engine is the gateway's single HTTP handler: it owns no state of its own
// beyond its collaborators, all constructed once in cmd/gateway.
type Engine struct {
	Routes    RouteMatcher
	Limiter   Limiter
	Client    *http.Client
	Publisher LogPublisher
	Log       *slog.Logger

	// Breakers is optional; when set, each route's dispatch is guarded by
	// its own per-path circuit breaker.
	Breakers *breaker.Registry

	// Metrics is optional; when set, every rate-limit decision is counted.
	Metrics DecisionRecorder
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	method := r.Method
	path := r.URL.Path
	ip := clientIP(r)

	route, ok := e.Routes.FindMatch(path)
	if !ok {
		e.respondError(w, http.StatusNotFound, "No route found for path: "+path)
		e.log(start, ip, method, path, nil, http.StatusNotFound, false)
		return
	}

	capacity, refill, limited := route.RateLimited()
	if limited {
		decision, err := e.Limiter.Check(r.Context(), ip, ratelimit.RouteLimit{
			Path:                route.Path,
			Capacity:            capacity,
			RefillRatePerSecond: refill,
		})
		if err != nil && e.Log != nil {
			e.Log.Warn("rate_limit_check_failed", slog.String("error", err.Error()), slog.String("path", path))
		}
		if e.Metrics != nil {
			e.Metrics.RecordRateLimitDecision(route.Path, decision.Allowed)
		}
		if !decision.Allowed {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(capacity))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1")
			e.respondError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			e.log(start, ip, method, path, &route.TargetURL, http.StatusTooManyRequests, true)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(capacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}

	var cb *breaker.CircuitBreaker
	if e.Breakers != nil {
		cb = e.Breakers.For(route.Path)
		if allowed, retryAfter := cb.Allow(); !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+999*time.Millisecond)/time.Second)))
			e.respondError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable")
			e.log(start, ip, method, path, &route.TargetURL, http.StatusServiceUnavailable, false)
			return
		}
	}

	status := e.forward(w, r, route, method, path)
	if cb != nil {
		cb.Done(status < http.StatusInternalServerError)
	}
	e.log(start, ip, method, path, &route.TargetURL, status, false)
}

// forward builds and dispatches the outbound request, relays the
// downstream response, and returns the status code that was ultimately
// written to the client.
func (e *Engine) forward(w http.ResponseWriter, r *http.Request, route model.Route, method, path string) int {
	target, err := url.Parse(route.TargetURL)
	if err != nil {
		e.respondError(w, http.StatusBadGateway, "Bad gateway: invalid target url")
		return http.StatusBadGateway
	}
	target.Path = path
	target.RawQuery = r.URL.RawQuery

	outbound, err := http.NewRequestWithContext(r.Context(), method, target.String(), r.Body)
	if err != nil {
		e.respondError(w, http.StatusBadGateway, "Bad gateway: "+err.Error())
		return http.StatusBadGateway
	}
	copyHeaders(outbound.Header, r.Header, false)

	resp, err := e.Client.Do(outbound)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			e.respondError(w, http.StatusInternalServerError, "Proxy request interrupted")
			return http.StatusInternalServerError
		}
		if e.Log != nil {
			e.Log.Error("proxy_dispatch_failed", slog.String("error", err.Error()), slog.String("path", path))
		}
		e.respondError(w, http.StatusBadGateway, "Bad gateway: "+err.Error())
		return http.StatusBadGateway
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header, true)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return resp.StatusCode
}

func (e *Engine) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (e *Engine) log(start time.Time, clientIP, method, path string, targetURL *string, status int, rateLimited bool) {
	if e.Publisher == nil {
		return
	}
	e.Publisher.Publish(model.AccessLogEvent{
		Timestamp:   start,
		ClientIP:    clientIP,
		Method:      method,
		Path:        path,
		TargetURL:   targetURL,
		StatusCode:  status,
		LatencyMs:   time.Since(start).Milliseconds(),
		RateLimited: rateLimited,
	})
}
