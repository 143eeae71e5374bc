// Package routecache implements the hot in-memory Route Cache: a
// longest-prefix-match lookup over a snapshot that is swapped atomically on
// refresh, per §4.2.
package routecache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/devkishan/fluxgate/internal/model"
)

// Store is the subset of the Route Store the cache needs to rebuild its
// snapshot.
type Store interface {
	FindAll(ctx context.Context) ([]model.Route, error)
}

type snapshot struct {
	byPath  map[string]model.Route
	sorted  []string // paths sorted by length, longest first
}

func newSnapshot(routes []model.Route) *snapshot {
	byPath := make(map[string]model.Route, len(routes))
	sorted := make([]string, 0, len(routes))
	for _, r := range routes {
		byPath[r.Path] = r
		sorted = append(sorted, r.Path)
	}
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	return &snapshot{byPath: byPath, sorted: sorted}
}

// Cache is an atomically replaceable snapshot of the route table, safe for
// concurrent reads during a refresh.
type Cache struct {
	store Store
	log   *slog.Logger

	current atomic.Pointer[snapshot]
}

// New constructs a Cache backed by store. Call Refresh once before serving
// traffic; a failure there is fatal per §4.2.
func New(store Store, log *slog.Logger) *Cache {
	c := &Cache{store: store, log: log}
	c.current.Store(newSnapshot(nil))
	return c
}

// Refresh reads the full store and publishes a new snapshot atomically. On
// failure, the previous snapshot is left in place and the error is
// returned for the caller to log and decide fatal-vs-retry per §4.2.
func (c *Cache) Refresh(ctx context.Context) error {
	routes, err := c.store.FindAll(ctx)
	if err != nil {
		return err
	}
	snap := newSnapshot(routes)
	c.current.Store(snap)
	if c.log != nil {
		c.log.Debug("route_cache_refreshed", slog.Int("routes", len(snap.byPath)))
	}
	return nil
}

// FindMatch returns the route whose path is the longest prefix of
// requestPath, or (Route{}, false) if no configured path is a prefix.
func (c *Cache) FindMatch(requestPath string) (model.Route, bool) {
	snap := c.current.Load()
	if snap == nil {
		return model.Route{}, false
	}
	for _, p := range snap.sorted {
		if strings.HasPrefix(requestPath, p) {
			return snap.byPath[p], true
		}
	}
	return model.Route{}, false
}

// Size returns the number of routes in the current snapshot.
func (c *Cache) Size() int {
	snap := c.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.byPath)
}

// RunPeriodicRefresh refreshes on a fixed-delay schedule: the next run
// begins interval after the *previous run completed*, never
// overlapping, per §4.2 trigger (b). It runs until ctx is cancelled.
func RunPeriodicRefresh(ctx context.Context, c *Cache, interval time.Duration, log *slog.Logger) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := c.Refresh(ctx); err != nil && log != nil {
				log.Warn("route_cache_refresh_failed", slog.String("error", err.Error()))
			}
			timer.Reset(interval)
		}
	}
}
