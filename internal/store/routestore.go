package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/devkishan/fluxgate/internal/model"
)

const routeColumns = `id, path, target_url, capacity, refill_rate_per_second, created_at, updated_at`

// RouteStore is the durable Route Store described in §4.1: unique-by-path
// records keyed by an opaque monotonic id.
type RouteStore struct {
	db *DB
}

// NewRouteStore wraps an opened, migrated DB.
func NewRouteStore(db *DB) *RouteStore {
	return &RouteStore{db: db}
}

// Insert creates a new route. createdAt and updatedAt are stamped to now.
// Returns ErrDuplicatePath if r.Path already exists.
func (s *RouteStore) Insert(ctx context.Context, r model.Route) (model.Route, error) {
	if err := r.Validate(); err != nil {
		return model.Route{}, err
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routes (path, target_url, capacity, refill_rate_per_second, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Path, r.TargetURL, r.Capacity, r.RefillRatePerSecond, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return model.Route{}, ErrDuplicatePath
		}
		return model.Route{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Route{}, err
	}
	r.ID = id
	return r, nil
}

// FindAll returns every route; ordering is unspecified.
func (s *RouteStore) FindAll(ctx context.Context) ([]model.Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+routeColumns+` FROM routes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindByID returns the route with the given id, or ErrNotFound.
func (s *RouteStore) FindByID(ctx context.Context, id int64) (model.Route, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	r, err := scanRoute(row)
	if err == sql.ErrNoRows {
		return model.Route{}, ErrNotFound
	}
	return r, err
}

// FindByPath returns the route with the given path, or ErrNotFound.
func (s *RouteStore) FindByPath(ctx context.Context, path string) (model.Route, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE path = ?`, path)
	r, err := scanRoute(row)
	if err == sql.ErrNoRows {
		return model.Route{}, ErrNotFound
	}
	return r, err
}

// RouteFields carries the mutable subset of a Route that Update may change.
// Path is intentionally immutable on update (§9 Open Question): changing it
// would orphan existing rate-limit bucket keys, so it is not one of these
// fields and Update never writes it. A path sent to the admin update
// endpoint is ignored, not reported as an error.
type RouteFields struct {
	TargetURL           string
	Capacity            *int
	RefillRatePerSecond *int
}

// Update applies fields to the route with the given id, bumping updatedAt,
// and returns the updated record. Returns ErrNotFound if no such route
// exists.
func (s *RouteStore) Update(ctx context.Context, id int64, fields RouteFields) (model.Route, error) {
	candidate := model.Route{
		Path:                "placeholder", // path is immutable; only validate the mutable fields here
		TargetURL:           fields.TargetURL,
		Capacity:            fields.Capacity,
		RefillRatePerSecond: fields.RefillRatePerSecond,
	}
	if err := candidate.Validate(); err != nil {
		return model.Route{}, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE routes
		SET target_url = ?, capacity = ?, refill_rate_per_second = ?, updated_at = ?
		WHERE id = ?
	`, fields.TargetURL, fields.Capacity, fields.RefillRatePerSecond, formatTime(now), id)
	if err != nil {
		return model.Route{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Route{}, err
	}
	if n == 0 {
		return model.Route{}, ErrNotFound
	}
	return s.FindByID(ctx, id)
}

// Delete removes the route with the given id, returning whether it existed.
func (s *RouteStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoute(row scanner) (model.Route, error) {
	var r model.Route
	var createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Path, &r.TargetURL, &r.Capacity, &r.RefillRatePerSecond, &createdAt, &updatedAt); err != nil {
		return model.Route{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Route{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
