// Package admin implements the Admin API: the minimal chi-routed CRUD
// surface over the Route Store referenced by §6, guarded by
// internal/adminauth and triggering a Route Cache refresh on every write.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/devkishan/fluxgate/internal/model"
	"github.com/devkishan/fluxgate/internal/ratelimit"
	"github.com/devkishan/fluxgate/internal/store"
)

// RouteStore is the subset of *store.RouteStore the admin handlers need.
type RouteStore interface {
	Insert(ctx context.Context, r model.Route) (model.Route, error)
	FindAll(ctx context.Context) ([]model.Route, error)
	FindByID(ctx context.Context, id int64) (model.Route, error)
	Update(ctx context.Context, id int64, fields store.RouteFields) (model.Route, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// CacheRefresher is the subset of *routecache.Cache the admin handlers
// need: every write triggers a refresh per §6.
type CacheRefresher interface {
	Refresh(ctx context.Context) error
}

// Handler holds the admin surface's collaborators.
type Handler struct {
	Store     RouteStore
	Cache     CacheRefresher
	Occupancy ratelimit.OccupancyReporter // optional; nil disables bucket-occupancy reporting
	Log       *slog.Logger
}

// Routes mounts the admin CRUD surface onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/routes", h.create)
	r.Get("/routes", h.list)
	r.Get("/routes/{id}", h.get)
	r.Put("/routes/{id}", h.update)
	r.Delete("/routes/{id}", h.delete)
}

type createRequest struct {
	Path                string `json:"path"`
	TargetURL           string `json:"targetUrl"`
	Capacity            *int   `json:"capacity"`
	RefillRatePerSecond *int   `json:"refillRatePerSecond"`
}

// routeResponse is a Route enriched with the supplemental, read-only
// bucket-occupancy count (§9); occupancy is omitted (nil) when the route
// is not rate limited or no OccupancyReporter is configured.
type routeResponse struct {
	model.Route
	BucketOccupancy *int `json:"bucketOccupancy,omitempty"`
}

func (h *Handler) enrich(ctx context.Context, route model.Route) routeResponse {
	resp := routeResponse{Route: route}
	if h.Occupancy == nil {
		return resp
	}
	if _, _, ok := route.RateLimited(); !ok {
		return resp
	}
	n, err := h.Occupancy.Occupancy(ctx, route.Path)
	if err != nil {
		if h.Log != nil {
			h.Log.Warn("admin_occupancy_lookup_failed", slog.String("path", route.Path), slog.String("error", err.Error()))
		}
		return resp
	}
	resp.BucketOccupancy = &n
	return resp
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	route := model.Route{
		Path:                req.Path,
		TargetURL:           req.TargetURL,
		Capacity:            req.Capacity,
		RefillRatePerSecond: req.RefillRatePerSecond,
	}
	created, err := h.Store.Insert(r.Context(), route)
	if err != nil {
		h.handleStoreError(w, err)
		return
	}
	h.refreshCache(r.Context())
	writeJSON(w, http.StatusCreated, h.enrich(r.Context(), created))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	routes, err := h.Store.FindAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list routes")
		return
	}
	out := make([]routeResponse, 0, len(routes))
	for _, route := range routes {
		out = append(out, h.enrich(r.Context(), route))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	route, err := h.Store.FindByID(r.Context(), id)
	if err != nil {
		h.handleStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.enrich(r.Context(), route))
}

type updateRequest struct {
	TargetURL           string `json:"targetUrl"`
	Capacity            *int   `json:"capacity"`
	RefillRatePerSecond *int   `json:"refillRatePerSecond"`
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req updateRequest
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.Store.Update(r.Context(), id, store.RouteFields{
		TargetURL:           req.TargetURL,
		Capacity:            req.Capacity,
		RefillRatePerSecond: req.RefillRatePerSecond,
	})
	if err != nil {
		h.handleStoreError(w, err)
		return
	}
	h.refreshCache(r.Context())
	writeJSON(w, http.StatusOK, h.enrich(r.Context(), updated))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	existed, err := h.Store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete route")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	h.refreshCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) refreshCache(ctx context.Context) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Refresh(ctx); err != nil && h.Log != nil {
		h.Log.Warn("admin_route_cache_refresh_failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) handleStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDuplicatePath):
		writeError(w, http.StatusConflict, "a route with this path already exists")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "route not found")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
