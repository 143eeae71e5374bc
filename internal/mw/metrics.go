package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devkishan/fluxgate/internal/httpx"
)

// Metrics holds every Prometheus collector the gateway exposes on
// /metrics: request counts/latency, rate-limit decisions, route cache
// size, and connected SSE subscriber count.
type Metrics struct {
	Requests           *prometheus.CounterVec
	Latency            *prometheus.HistogramVec
	RateLimitDecisions *prometheus.CounterVec
	RouteCacheSize     prometheus.Gauge
	SSESubscribers     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxgate_http_requests_total",
			Help: "Total HTTP requests processed by the gateway",
		}, []string{"path", "method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fluxgate_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"path", "method"}),
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fluxgate_rate_limit_decisions_total",
			Help: "Rate limiter check outcomes",
		}, []string{"route", "allowed"}),
		RouteCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fluxgate_route_cache_size",
			Help: "Number of routes currently held in the route cache",
		}),
		SSESubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fluxgate_sse_subscribers",
			Help: "Number of connected dashboard SSE subscribers",
		}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.RateLimitDecisions, m.RouteCacheSize, m.SSESubscribers)
	return m
}

// RecordRateLimitDecision increments the rate-limit-decisions counter for
// one Check outcome.
func (m *Metrics) RecordRateLimitDecision(route string, allowed bool) {
	m.RateLimitDecisions.WithLabelValues(route, strconv.FormatBool(allowed)).Inc()
}

// Instrument wraps next with request-count and latency observation,
// labelled by request path and method.
func Instrument(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		code := sw.Status
		if code == 0 {
			code = http.StatusOK
		}
		m.Requests.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(code)).Inc()
		m.Latency.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}
