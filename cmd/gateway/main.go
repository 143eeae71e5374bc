package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/devkishan/fluxgate/internal/accesslog"
	"github.com/devkishan/fluxgate/internal/admin"
	"github.com/devkishan/fluxgate/internal/adminauth"
	"github.com/devkishan/fluxgate/internal/breaker"
	"github.com/devkishan/fluxgate/internal/config"
	"github.com/devkishan/fluxgate/internal/eventstream"
	"github.com/devkishan/fluxgate/internal/logging"
	"github.com/devkishan/fluxgate/internal/model"
	"github.com/devkishan/fluxgate/internal/mw"
	"github.com/devkishan/fluxgate/internal/netx"
	"github.com/devkishan/fluxgate/internal/proxy"
	"github.com/devkishan/fluxgate/internal/ratelimit"
	"github.com/devkishan/fluxgate/internal/routecache"
	"github.com/devkishan/fluxgate/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config/config.example.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level)

	if err := run(cfg, log); err != nil {
		log.Error("fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	db, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	routeStore := store.NewRouteStore(db)
	cache := routecache.New(routeStore, log)
	if err := cache.Refresh(context.Background()); err != nil {
		return fmt.Errorf("initial route cache load: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter, occupancy, redisClient, closeLimiter := buildLimiter(cfg, log)
	defer closeLimiter()

	transport := proxy.NewTransport(proxy.TransportConfig{
		DialTimeout:           time.Duration(cfg.Server.DialTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.Server.TLSHandshakeTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Server.ResponseHeaderTimeoutSeconds) * time.Second,
		IdleConnTimeout:       time.Duration(cfg.Server.IdleConnTimeoutSeconds) * time.Second,
		MaxIdleConns:          cfg.Server.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.Server.MaxIdleConnsPerHost,
	})
	client := &http.Client{Transport: transport}

	registry := prometheus.NewRegistry()
	metrics := mw.NewMetrics(registry)

	stream := eventstream.New()

	var publisher proxy.LogPublisher = noopPublisher{}
	if redisClient != nil {
		p := accesslog.NewPublisher(redisClient, cfg.AccessLog.Shards, cfg.AccessLog.BufferSize, log)
		defer p.Close()
		publisher = p

		hostname, _ := os.Hostname()
		consumerID := hostname + ":" + strconv.Itoa(os.Getpid())
		consumer := accesslog.NewConsumer(redisClient, cfg.AccessLog.Shards, consumerID, stream, log)
		consumer.Run(ctx)
	} else {
		log.Warn("access_log_fanout_disabled", slog.String("reason", "no redis client (memory backend or redis unreachable); dashboard stream requires redis"))
	}

	breakers := breaker.NewRegistry(breaker.Config{Enabled: true})

	engine := &proxy.Engine{
		Routes:    cache,
		Limiter:   limiter,
		Client:    client,
		Publisher: publisher,
		Log:       log,
		Breakers:  breakers,
		Metrics:   metrics,
	}

	go routecache.RunPeriodicRefresh(ctx, cache, time.Duration(cfg.Store.RefreshIntervalSeconds)*time.Second, log)
	go reportGaugesPeriodically(ctx, cache, stream, metrics)

	authn := adminauth.Authenticator{HMACSecret: []byte(cfg.Admin.HMACSecret)}
	adminHandler := &admin.Handler{Store: routeStore, Cache: cache, Occupancy: occupancy, Log: log}

	var trustedIPs *netx.CIDRSet
	if len(cfg.Admin.TrustedIPs) > 0 {
		trustedIPs, err = netx.ParseCIDRSet(cfg.Admin.TrustedIPs)
		if err != nil {
			return fmt.Errorf("parse admin.trusted_ips: %w", err)
		}
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })

	r.Group(func(gr chi.Router) {
		gr.Use(func(next http.Handler) http.Handler { return adminauth.RequireTrustedIP(trustedIPs, next) })
		gr.Use(authn.Middleware)
		adminHandler.Routes(gr)
		gr.Get("/dashboard/stream", admin.StreamHandler(stream))
	})

	var gatewayHandler http.Handler = engine
	gatewayHandler = mw.Recover(gatewayHandler)
	gatewayHandler = mw.MaxBodyBytes(cfg.Server.MaxBodyBytes, gatewayHandler)
	gatewayHandler = mw.AccessLog(log, gatewayHandler)
	gatewayHandler = mw.Instrument(metrics, gatewayHandler)
	gatewayHandler = mw.RequestID(gatewayHandler)
	r.NotFound(gatewayHandler.ServeHTTP)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("fluxgate listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// buildLimiter constructs the configured rate-limit backend. A redis
// backend that is unreachable at startup falls back to the in-process
// limiter rather than preventing the gateway from starting; in that case
// the returned *redis.Client is nil, which also disables access-log
// fan-out (it has no durable transport without redis).
func buildLimiter(cfg *config.Config, log *slog.Logger) (ratelimit.Limiter, ratelimit.OccupancyReporter, *redis.Client, func()) {
	if cfg.RateLimit.Backend != "redis" {
		l := ratelimit.NewMemoryLimiter()
		return l, l, nil, func() { l.Close() }
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.Redis.Addr,
		Password: cfg.RateLimit.Redis.Password,
		DB:       cfg.RateLimit.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis_unreachable_falling_back_to_memory_limiter", slog.String("error", err.Error()))
		rdb.Close()
		l := ratelimit.NewMemoryLimiter()
		return l, l, nil, func() { l.Close() }
	}

	l := ratelimit.NewRedisLimiter(rdb, log)
	return l, l, rdb, func() { l.Close() }
}

type noopPublisher struct{}

func (noopPublisher) Publish(_ model.AccessLogEvent) {}

func reportGaugesPeriodically(ctx context.Context, cache *routecache.Cache, stream *eventstream.Registry, metrics *mw.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RouteCacheSize.Set(float64(cache.Size()))
			metrics.SSESubscribers.Set(float64(stream.SubscriberCount()))
		}
	}
}
