package integration_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devkishan/fluxgate/internal/breaker"
	"github.com/devkishan/fluxgate/internal/model"
	"github.com/devkishan/fluxgate/internal/mw"
	"github.com/devkishan/fluxgate/internal/proxy"
	"github.com/devkishan/fluxgate/internal/ratelimit"
)

// fakeRoutes is an in-memory RouteMatcher standing in for routecache.Cache,
// so these tests exercise the Proxy Engine without a SQLite store.
type fakeRoutes struct {
	routes []model.Route
}

func (f *fakeRoutes) FindMatch(path string) (model.Route, bool) {
	var best model.Route
	found := false
	for _, r := range f.routes {
		if len(r.Path) <= len(path) && path[:len(r.Path)] == r.Path {
			if !found || len(r.Path) > len(best.Path) {
				best = r
				found = true
			}
		}
	}
	return best, found
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []model.AccessLogEvent
}

func (p *capturingPublisher) Publish(event model.AccessLogEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturingPublisher) last() model.AccessLogEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestScenario_EmptyStoreReturns404WithEvent(t *testing.T) {
	routes := &fakeRoutes{}
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	pub := &capturingPublisher{}

	engine := &proxy.Engine{Routes: routes, Limiter: limiter, Client: http.DefaultClient, Publisher: pub, Log: newTestLogger()}
	gw := httptest.NewServer(engine)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/x")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var payload map[string]string
	_ = json.Unmarshal(body, &payload)
	if payload["error"] != "No route found for path: /api/x" {
		t.Fatalf("unexpected error body: %s", body)
	}

	event := pub.last()
	if event.TargetURL != nil || event.StatusCode != http.StatusNotFound || event.RateLimited {
		t.Fatalf("unexpected access log event: %#v", event)
	}
}

func TestScenario_UnlimitedRouteForwardsAndRelays(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Connection", "keep-alive") // hop-by-hop, must not reach the client
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.RequestURI())
	}))
	defer up.Close()

	routes := &fakeRoutes{routes: []model.Route{{Path: "/a", TargetURL: up.URL}}}
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	pub := &capturingPublisher{}

	engine := &proxy.Engine{Routes: routes, Limiter: limiter, Client: http.DefaultClient, Publisher: pub, Log: newTestLogger()}
	gw := httptest.NewServer(engine)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/a/b?q=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "GET /a/b?q=1" {
		t.Fatalf("expected downstream to see full path and query, got %q", body)
	}
	if resp.Header.Get("X-Upstream") != "yes" {
		t.Fatal("expected upstream header relayed")
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatal("hop-by-hop header leaked to client")
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "" {
		t.Fatal("unconfigured route should not carry rate-limit headers")
	}
}

func TestScenario_LongestPrefixMatchWins(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "matched")
	}))
	defer up.Close()

	routes := &fakeRoutes{routes: []model.Route{
		{Path: "/a", TargetURL: "http://unused.invalid"},
		{Path: "/a/b", TargetURL: up.URL},
	}}
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	engine := &proxy.Engine{Routes: routes, Limiter: limiter, Client: http.DefaultClient, Log: newTestLogger()}
	gw := httptest.NewServer(engine)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the longer /a/b route to be dispatched, got status %d", resp.StatusCode)
	}
}

func TestScenario_RateLimitedRouteBlocksThirdRequest(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	routes := &fakeRoutes{routes: []model.Route{{Path: "/r", TargetURL: up.URL, Capacity: intPtr(2), RefillRatePerSecond: intPtr(1)}}}
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	engine := &proxy.Engine{Routes: routes, Limiter: limiter, Client: http.DefaultClient, Log: newTestLogger()}
	gw := httptest.NewServer(engine)
	defer gw.Close()

	client := &http.Client{}
	req := func() *http.Response {
		r, _ := http.NewRequest("GET", gw.URL+"/r/x", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.1")
		resp, err := client.Do(r)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	first := req()
	first.Body.Close()
	second := req()
	second.Body.Close()
	third := req()
	defer third.Body.Close()

	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusOK {
		t.Fatalf("expected first two requests allowed, got %d and %d", first.StatusCode, second.StatusCode)
	}
	if third.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected third request rate limited, got %d", third.StatusCode)
	}
	if third.Header.Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", third.Header.Get("Retry-After"))
	}
	if third.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected X-RateLimit-Remaining: 0, got %q", third.Header.Get("X-RateLimit-Remaining"))
	}
}

func TestScenario_TokensAccrueOverTime(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	fakeNow := time.Now()
	limiter := ratelimit.NewMemoryLimiter()
	limiter.SetClock(func() time.Time { return fakeNow })
	defer limiter.Close()

	routes := &fakeRoutes{routes: []model.Route{{Path: "/r", TargetURL: up.URL, Capacity: intPtr(2), RefillRatePerSecond: intPtr(1)}}}
	engine := &proxy.Engine{Routes: routes, Limiter: limiter, Client: http.DefaultClient, Log: newTestLogger()}
	gw := httptest.NewServer(engine)
	defer gw.Close()

	get := func() int {
		r, _ := http.NewRequest("GET", gw.URL+"/r/x", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.2")
		resp, err := http.DefaultClient.Do(r)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if get() != http.StatusOK || get() != http.StatusOK {
		t.Fatal("expected first two requests allowed")
	}
	fakeNow = fakeNow.Add(1500 * time.Millisecond)
	if got := get(); got != http.StatusOK {
		t.Fatalf("expected third request allowed after 1.5s of refill, got %d", got)
	}
}

func TestScenario_CircuitBreakerOpensOnRepeatedFailures(t *testing.T) {
	var calls int
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	routes := &fakeRoutes{routes: []model.Route{{Path: "/cb", TargetURL: up.URL}}}
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	breakers := breaker.NewRegistry(breaker.Config{Enabled: true, FailureThreshold: 2, OpenDuration: 100 * time.Millisecond})

	engine := &proxy.Engine{Routes: routes, Limiter: limiter, Client: http.DefaultClient, Log: newTestLogger(), Breakers: breakers}
	gw := httptest.NewServer(engine)
	defer gw.Close()

	get := func() int {
		resp, err := http.Get(gw.URL + "/cb/x")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if get() != http.StatusInternalServerError {
		t.Fatal("expected first call to surface upstream 500")
	}
	if get() != http.StatusInternalServerError {
		t.Fatal("expected second call to surface upstream 500 and open the breaker")
	}
	if got := get(); got != http.StatusServiceUnavailable {
		t.Fatalf("expected breaker to fast-fail the third call with 503, got %d", got)
	}

	time.Sleep(150 * time.Millisecond)
	if got := get(); got != http.StatusOK {
		t.Fatalf("expected half-open trial to succeed and close the breaker, got %d", got)
	}
}

func TestScenario_MetricsRecordRateLimitDecisions(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	defer up.Close()

	routes := &fakeRoutes{routes: []model.Route{{Path: "/m", TargetURL: up.URL, Capacity: intPtr(1), RefillRatePerSecond: intPtr(1)}}}
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()

	reg := prometheus.NewRegistry()
	metrics := mw.NewMetrics(reg)

	engine := &proxy.Engine{Routes: routes, Limiter: limiter, Client: http.DefaultClient, Log: newTestLogger(), Metrics: metrics}
	gw := httptest.NewServer(engine)
	defer gw.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(gw.URL + "/m/x")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	count := testutilCounterValue(t, metrics.RateLimitDecisions.WithLabelValues("/m", "true"))
	if count != 1 {
		t.Fatalf("expected exactly one allowed decision recorded, got %v", count)
	}
	blocked := testutilCounterValue(t, metrics.RateLimitDecisions.WithLabelValues("/m", "false"))
	if blocked != 1 {
		t.Fatalf("expected exactly one blocked decision recorded, got %v", blocked)
	}
}

func testutilCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func intPtr(n int) *int { return &n }
