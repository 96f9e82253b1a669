package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldroute/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Outlets

func (p *Postgres) CreateOutlet(ctx context.Context, tenantID string, in model.OutletInput) (model.Outlet, error) {
	o := model.Outlet{ID: uuid.New().String(), TenantID: tenantID, Name: in.Name, Address: in.Address, Location: in.Location, Status: in.Status}
	if o.Status == "" {
		o.Status = model.OutletActive
	}
	lat, lng := pointArgs(o.Location)
	err := p.db.QueryRowContext(ctx, `INSERT INTO outlets (id, tenant_id, name, address, lat, lng, status) VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING created_at`,
		o.ID, tenantID, o.Name, nullIfEmpty(o.Address), lat, lng, string(o.Status)).Scan(&o.CreatedAt)
	if err != nil {
		return model.Outlet{}, mapErr(err)
	}
	return o, nil
}

const outletCols = `id::text, tenant_id, name, address, lat, lng, status, created_at`

func scanOutlet(row interface{ Scan(...any) error }) (model.Outlet, error) {
	var o model.Outlet
	var addr sql.NullString
	var lat, lng sql.NullFloat64
	var status string
	if err := row.Scan(&o.ID, &o.TenantID, &o.Name, &addr, &lat, &lng, &status, &o.CreatedAt); err != nil {
		return o, err
	}
	o.Address = addr.String
	o.Status = model.OutletStatus(status)
	if lat.Valid && lng.Valid {
		o.Location = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	return o, nil
}

func (p *Postgres) GetOutlet(ctx context.Context, tenantID, id string) (model.Outlet, error) {
	if !isUUID(id) {
		return model.Outlet{}, ErrNotFound
	}
	o, err := scanOutlet(p.db.QueryRowContext(ctx, `SELECT `+outletCols+` FROM outlets WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return model.Outlet{}, mapErr(err)
	}
	return o, nil
}

func (p *Postgres) GetOutlets(ctx context.Context, tenantID string, ids []string) (map[string]model.Outlet, error) {
	out := make(map[string]model.Outlet, len(ids))
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if isUUID(id) {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+outletCols+` FROM outlets WHERE tenant_id=$1 AND id::text = ANY($2)`, tenantID, valid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanOutlet(rows)
		if err != nil {
			return nil, err
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

func (p *Postgres) ListOutlets(ctx context.Context, tenantID string, status model.OutletStatus, cursor string, limit int) ([]model.Outlet, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+outletCols+` FROM outlets
        WHERE tenant_id=$1 AND ($2='' OR status=$2) AND ($3='' OR id::text > $3)
        ORDER BY id LIMIT $4`, tenantID, string(status), cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Outlet{}
	var last string
	for rows.Next() {
		o, err := scanOutlet(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, o)
		last = o.ID
	}
	var next string
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteOutlet(ctx context.Context, tenantID, id string) error {
	if !isUUID(id) {
		return ErrNotFound
	}
	var refs int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM route_stops WHERE tenant_id=$1 AND outlet_id=$2`, tenantID, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return ErrInUse
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM outlets WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrInUse
		}
		return err
	}
	return affected(res)
}

// Routes

const routeCols = `id::text, tenant_id, name, description, status, optimization_type, route_date,
    start_location, end_location, total_estimated_duration, total_estimated_distance, total_stops,
    last_optimization, optimized_at, ordering_state, created_by, created_at, updated_at`

func scanRoute(row interface{ Scan(...any) error }) (model.Route, error) {
	var r model.Route
	var desc, createdBy sql.NullString
	var status, optType, ordering string
	var routeDate, optimizedAt sql.NullTime
	var start, end, snap []byte
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &desc, &status, &optType, &routeDate,
		&start, &end, &r.TotalEstimatedDuration, &r.TotalEstimatedDistance, &r.TotalStops,
		&snap, &optimizedAt, &ordering, &createdBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.Description = desc.String
	r.CreatedBy = createdBy.String
	r.Status = model.RouteStatus(status)
	r.OptimizationType = model.OptimizationType(optType)
	r.OrderingState = model.OrderingState(ordering)
	if routeDate.Valid {
		d := model.Date(routeDate.Time)
		r.RouteDate = &d
	}
	if optimizedAt.Valid {
		t := optimizedAt.Time
		r.OptimizedAt = &t
	}
	if len(start) > 0 {
		r.StartLocation = &model.RouteEndpoint{}
		if err := json.Unmarshal(start, r.StartLocation); err != nil {
			return r, fmt.Errorf("decode start_location: %w", err)
		}
	}
	if len(end) > 0 {
		r.EndLocation = &model.RouteEndpoint{}
		if err := json.Unmarshal(end, r.EndLocation); err != nil {
			return r, fmt.Errorf("decode end_location: %w", err)
		}
	}
	if len(snap) > 0 {
		r.LastOptimization = &model.OptimizedRoute{}
		if err := json.Unmarshal(snap, r.LastOptimization); err != nil {
			return r, fmt.Errorf("decode last_optimization: %w", err)
		}
	}
	return r, nil
}

func (p *Postgres) CreateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r.ID = uuid.New().String()
	r.TenantID = tenantID
	if r.OrderingState == "" {
		r.OrderingState = model.OrderingStable
	}
	start, end, snap, err := routeJSON(r)
	if err != nil {
		return model.Route{}, err
	}
	err = tx.QueryRowContext(ctx, `INSERT INTO routes (id, tenant_id, name, description, status, optimization_type, route_date,
        start_location, end_location, total_estimated_duration, total_estimated_distance, total_stops,
        last_optimization, optimized_at, ordering_state, created_by)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING created_at, updated_at`,
		r.ID, tenantID, r.Name, nullIfEmpty(r.Description), string(r.Status), string(r.OptimizationType), dateArg(r.RouteDate),
		start, end, r.TotalEstimatedDuration, r.TotalEstimatedDistance, r.TotalStops,
		snap, r.OptimizedAt, string(r.OrderingState), nullIfEmpty(r.CreatedBy)).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return model.Route{}, mapErr(err)
	}
	for i := range r.Stops {
		s := &r.Stops[i]
		s.ID = uuid.New().String()
		s.RouteID = r.ID
		if err := insertStop(ctx, tx, tenantID, *s); err != nil {
			return model.Route{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	sort.Slice(r.Stops, func(i, j int) bool { return r.Stops[i].StopOrder < r.Stops[j].StopOrder })
	return r, nil
}

func (p *Postgres) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	if !isUUID(routeID) {
		return model.Route{}, ErrNotFound
	}
	r, err := scanRoute(p.db.QueryRowContext(ctx, `SELECT `+routeCols+` FROM routes WHERE tenant_id=$1 AND id=$2`, tenantID, routeID))
	if err != nil {
		return model.Route{}, mapErr(err)
	}
	r.Stops, err = p.ListRouteStops(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, tenantID string, f model.RouteFilter) ([]model.Route, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+routeCols+` FROM routes
        WHERE tenant_id=$1 AND ($2='' OR status=$2) AND ($3='' OR id::text > $3)
        ORDER BY id LIMIT $4`, tenantID, string(f.Status), f.Cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Route{}
	var last string
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
		last = r.ID
	}
	var next string
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) UpdateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error) {
	if !isUUID(r.ID) {
		return model.Route{}, ErrNotFound
	}
	start, end, snap, err := routeJSON(r)
	if err != nil {
		return model.Route{}, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE routes SET name=$3, description=$4, status=$5, optimization_type=$6, route_date=$7,
        start_location=$8, end_location=$9, total_estimated_duration=$10, total_estimated_distance=$11, total_stops=$12,
        last_optimization=$13, optimized_at=$14, ordering_state=$15, updated_at=now()
        WHERE tenant_id=$1 AND id=$2`,
		tenantID, r.ID, r.Name, nullIfEmpty(r.Description), string(r.Status), string(r.OptimizationType), dateArg(r.RouteDate),
		start, end, r.TotalEstimatedDuration, r.TotalEstimatedDistance, r.TotalStops,
		snap, r.OptimizedAt, string(r.OrderingState))
	if err != nil {
		return model.Route{}, mapErr(err)
	}
	if err := affected(res); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, r.ID)
}

func (p *Postgres) DeleteRoute(ctx context.Context, tenantID, routeID string) error {
	if !isUUID(routeID) {
		return ErrNotFound
	}
	// stops and assignments go with the route via ON DELETE CASCADE
	res, err := p.db.ExecContext(ctx, `DELETE FROM routes WHERE tenant_id=$1 AND id=$2`, tenantID, routeID)
	if err != nil {
		return err
	}
	return affected(res)
}

func (p *Postgres) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM routes ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Stops

const stopCols = `id::text, route_id::text, outlet_id::text, stop_order, estimated_duration, estimated_arrival,
    estimated_departure, distance_from_prev, time_from_prev, status, priority, notes`

func scanStop(row interface{ Scan(...any) error }) (model.RouteStop, error) {
	var s model.RouteStop
	var arr, dep sql.NullTime
	var status string
	var notes sql.NullString
	if err := row.Scan(&s.ID, &s.RouteID, &s.OutletID, &s.StopOrder, &s.EstimatedDurationMin, &arr,
		&dep, &s.DistanceFromPrevKm, &s.TimeFromPrevMin, &status, &s.Priority, &notes); err != nil {
		return s, err
	}
	s.Status = model.StopStatus(status)
	s.Notes = notes.String
	if arr.Valid {
		t := arr.Time
		s.EstimatedArrival = &t
	}
	if dep.Valid {
		t := dep.Time
		s.EstimatedDeparture = &t
	}
	return s, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertStop(ctx context.Context, db execer, tenantID string, s model.RouteStop) error {
	if s.Status == "" {
		s.Status = model.StopPending
	}
	_, err := db.ExecContext(ctx, `INSERT INTO route_stops (id, tenant_id, route_id, outlet_id, stop_order, estimated_duration,
        estimated_arrival, estimated_departure, distance_from_prev, time_from_prev, status, priority, notes)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		s.ID, tenantID, s.RouteID, s.OutletID, s.StopOrder, s.EstimatedDurationMin,
		s.EstimatedArrival, s.EstimatedDeparture, s.DistanceFromPrevKm, s.TimeFromPrevMin, string(s.Status), s.Priority, nullIfEmpty(s.Notes))
	return mapErr(err)
}

func (p *Postgres) ListRouteStops(ctx context.Context, tenantID, routeID string) ([]model.RouteStop, error) {
	if !isUUID(routeID) {
		return nil, ErrNotFound
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+stopCols+` FROM route_stops WHERE tenant_id=$1 AND route_id=$2 ORDER BY stop_order, id`, tenantID, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RouteStop{}
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) AddRouteStop(ctx context.Context, tenantID string, s model.RouteStop) (model.RouteStop, error) {
	if !isUUID(s.RouteID) {
		return model.RouteStop{}, ErrNotFound
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM routes WHERE tenant_id=$1 AND id=$2)`, tenantID, s.RouteID).Scan(&exists); err != nil {
		return model.RouteStop{}, err
	}
	if !exists {
		return model.RouteStop{}, ErrNotFound
	}
	s.ID = uuid.New().String()
	if s.Status == "" {
		s.Status = model.StopPending
	}
	if err := insertStop(ctx, p.db, tenantID, s); err != nil {
		return model.RouteStop{}, err
	}
	return s, nil
}

func (p *Postgres) DeleteRouteStop(ctx context.Context, tenantID, routeID, stopID string) error {
	if !isUUID(routeID) || !isUUID(stopID) {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM route_stops WHERE tenant_id=$1 AND route_id=$2 AND id=$3`, tenantID, routeID, stopID)
	if err != nil {
		return err
	}
	return affected(res)
}

func (p *Postgres) UpdateRouteStop(ctx context.Context, tenantID string, s model.RouteStop) error {
	if !isUUID(s.RouteID) || !isUUID(s.ID) {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `UPDATE route_stops SET stop_order=$4, estimated_duration=$5, estimated_arrival=$6,
        estimated_departure=$7, distance_from_prev=$8, time_from_prev=$9, status=$10, priority=$11, notes=$12
        WHERE tenant_id=$1 AND route_id=$2 AND id=$3`,
		tenantID, s.RouteID, s.ID, s.StopOrder, s.EstimatedDurationMin, s.EstimatedArrival,
		s.EstimatedDeparture, s.DistanceFromPrevKm, s.TimeFromPrevMin, string(s.Status), s.Priority, nullIfEmpty(s.Notes))
	if err != nil {
		return mapErr(err)
	}
	return affected(res)
}

// Assignments

const assignmentCols = `id::text, tenant_id, route_id::text, assignee_type, assignee_id, assigned_by, assigned_date, status,
    completion_percentage, is_recurring, day_of_week, recurrence_pattern, recurring_until, notes,
    actual_start, actual_end, performance_score, created_at, updated_at`

func scanAssignment(row interface{ Scan(...any) error }) (model.RouteAssignment, error) {
	var a model.RouteAssignment
	var kind, status string
	var by, pattern, notes sql.NullString
	var dow sql.NullInt64
	var until, start, end sql.NullTime
	var score sql.NullFloat64
	if err := row.Scan(&a.ID, &a.TenantID, &a.RouteID, &kind, &a.Assignee.ID, &by, &a.AssignedDate, &status,
		&a.CompletionPercentage, &a.IsRecurring, &dow, &pattern, &until, &notes,
		&start, &end, &score, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	a.Assignee.Kind = model.AssigneeKind(kind)
	a.AssignedBy = by.String
	a.AssignedDate = model.Date(a.AssignedDate)
	a.Status = model.AssignmentStatus(status)
	a.RecurrencePattern = model.RecurrencePattern(pattern.String)
	a.Notes = notes.String
	if dow.Valid {
		d := int(dow.Int64)
		a.DayOfWeek = &d
	}
	if until.Valid {
		u := model.Date(until.Time)
		a.RecurringUntil = &u
	}
	if start.Valid {
		t := start.Time
		a.ActualStart = &t
	}
	if end.Valid {
		t := end.Time
		a.ActualEnd = &t
	}
	if score.Valid {
		v := score.Float64
		a.PerformanceScore = &v
	}
	return a, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertAssignment(ctx context.Context, db queryRower, tenantID string, a model.RouteAssignment) (model.RouteAssignment, error) {
	a.ID = uuid.New().String()
	a.TenantID = tenantID
	a.AssignedDate = model.Date(a.AssignedDate)
	err := db.QueryRowContext(ctx, `INSERT INTO route_assignments (id, tenant_id, route_id, assignee_type, assignee_id, assigned_by,
        assigned_date, status, completion_percentage, is_recurring, day_of_week, recurrence_pattern, recurring_until, notes,
        actual_start, actual_end, performance_score)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17) RETURNING created_at, updated_at`,
		a.ID, tenantID, a.RouteID, string(a.Assignee.Kind), a.Assignee.ID, nullIfEmpty(a.AssignedBy),
		a.AssignedDate, string(a.Status), a.CompletionPercentage, a.IsRecurring, a.DayOfWeek, nullIfEmpty(string(a.RecurrencePattern)), dateArg(a.RecurringUntil), nullIfEmpty(a.Notes),
		a.ActualStart, a.ActualEnd, a.PerformanceScore).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return model.RouteAssignment{}, mapErr(err)
	}
	return a, nil
}

func (p *Postgres) CreateAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) (model.RouteAssignment, error) {
	if !isUUID(a.RouteID) {
		return model.RouteAssignment{}, ErrNotFound
	}
	return insertAssignment(ctx, p.db, tenantID, a)
}

// lockRoute takes a row lock on the route so assignment writers on the same route serialize.
func lockRoute(ctx context.Context, tx *sql.Tx, tenantID, routeID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id::text FROM routes WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, routeID).Scan(&id)
	return mapErr(err)
}

func (p *Postgres) CreateExclusiveAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) (model.RouteAssignment, error) {
	if !isUUID(a.RouteID) {
		return model.RouteAssignment{}, ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RouteAssignment{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := lockRoute(ctx, tx, tenantID, a.RouteID); err != nil {
		return model.RouteAssignment{}, err
	}
	var active bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM route_assignments WHERE route_id=$1 AND status = ANY($2))`,
		a.RouteID, statusArgs(activeStatuses)).Scan(&active); err != nil {
		return model.RouteAssignment{}, err
	}
	if active {
		return model.RouteAssignment{}, ErrActiveAssignment
	}
	created, err := insertAssignment(ctx, tx, tenantID, a)
	if err != nil {
		return model.RouteAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RouteAssignment{}, err
	}
	return created, nil
}

func (p *Postgres) GetAssignment(ctx context.Context, tenantID, id string) (model.RouteAssignment, error) {
	if !isUUID(id) {
		return model.RouteAssignment{}, ErrNotFound
	}
	a, err := scanAssignment(p.db.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM route_assignments WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return model.RouteAssignment{}, mapErr(err)
	}
	return a, nil
}

func (p *Postgres) ListAssignments(ctx context.Context, tenantID string, f model.AssignmentFilter) ([]model.RouteAssignment, error) {
	q := `SELECT ` + assignmentCols + ` FROM route_assignments WHERE tenant_id=$1`
	args := []any{tenantID}
	if f.RouteID != "" {
		if !isUUID(f.RouteID) {
			return []model.RouteAssignment{}, nil
		}
		args = append(args, f.RouteID)
		q += fmt.Sprintf(" AND route_id=$%d", len(args))
	}
	if f.AssigneeID != "" {
		args = append(args, f.AssigneeID)
		q += fmt.Sprintf(" AND assignee_id=$%d", len(args))
	}
	if len(f.Status) > 0 {
		args = append(args, statusArgs(f.Status))
		q += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if f.From != nil {
		args = append(args, model.Date(*f.From))
		q += fmt.Sprintf(" AND assigned_date >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, model.Date(*f.To))
		q += fmt.Sprintf(" AND assigned_date <= $%d", len(args))
	}
	q += " ORDER BY assigned_date, created_at"
	return p.queryAssignments(ctx, q, args...)
}

func (p *Postgres) queryAssignments(ctx context.Context, q string, args ...any) ([]model.RouteAssignment, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RouteAssignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) error {
	if !isUUID(a.ID) {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `UPDATE route_assignments SET status=$3, completion_percentage=$4, notes=$5,
        actual_start=$6, actual_end=$7, performance_score=$8, is_recurring=$9, recurring_until=$10, updated_at=now()
        WHERE tenant_id=$1 AND id=$2`,
		tenantID, a.ID, string(a.Status), a.CompletionPercentage, nullIfEmpty(a.Notes),
		a.ActualStart, a.ActualEnd, a.PerformanceScore, a.IsRecurring, dateArg(a.RecurringUntil))
	if err != nil {
		return mapErr(err)
	}
	return affected(res)
}

func (p *Postgres) TransferAssignments(ctx context.Context, tenantID string, closed []model.RouteAssignment, next model.RouteAssignment) (model.RouteAssignment, error) {
	if !isUUID(next.RouteID) {
		return model.RouteAssignment{}, ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RouteAssignment{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := lockRoute(ctx, tx, tenantID, next.RouteID); err != nil {
		return model.RouteAssignment{}, err
	}
	for _, c := range closed {
		res, err := tx.ExecContext(ctx, `UPDATE route_assignments SET status=$3, notes=$4, updated_at=now()
            WHERE tenant_id=$1 AND id=$2 AND status = ANY($5)`,
			tenantID, c.ID, string(c.Status), nullIfEmpty(c.Notes), statusArgs(activeStatuses))
		if err != nil {
			return model.RouteAssignment{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.RouteAssignment{}, ErrConflict
		}
	}
	created, err := insertAssignment(ctx, tx, tenantID, next)
	if err != nil {
		return model.RouteAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RouteAssignment{}, err
	}
	return created, nil
}

func (p *Postgres) ListRecurringSources(ctx context.Context, tenantID string, asOf time.Time) ([]model.RouteAssignment, error) {
	return p.queryAssignments(ctx, `SELECT `+assignmentCols+` FROM route_assignments
        WHERE tenant_id=$1 AND is_recurring AND status IN ('assigned','accepted')
          AND (recurring_until IS NULL OR recurring_until >= $2)
        ORDER BY assigned_date, created_at`, tenantID, model.Date(asOf))
}

func (p *Postgres) AssignmentExists(ctx context.Context, tenantID, routeID string, assignee model.Assignee, date time.Time) (bool, error) {
	if !isUUID(routeID) {
		return false, nil
	}
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM route_assignments
        WHERE tenant_id=$1 AND route_id=$2 AND assignee_type=$3 AND assignee_id=$4 AND assigned_date=$5)`,
		tenantID, routeID, string(assignee.Kind), assignee.ID, model.Date(date)).Scan(&exists)
	return exists, err
}

// helpers

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func routeJSON(r model.Route) (start, end, snap any, err error) {
	if start, err = jsonArg(r.StartLocation); err != nil {
		return
	}
	if end, err = jsonArg(r.EndLocation); err != nil {
		return
	}
	snap, err = jsonArg(r.LastOptimization)
	return
}

func jsonArg[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func statusArgs(ss []model.AssignmentStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func pointArgs(p *model.GeoPoint) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.Lat, p.Lng
}

func dateArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return model.Date(*t)
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
