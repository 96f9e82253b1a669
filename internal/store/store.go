package store

import (
	"context"
	"errors"
	"time"

	"fieldroute/internal/model"
)

// Store is the record store for outlets, routes, stops and assignments.
// Every call is scoped to one tenant.
type Store interface {
	// Outlets
	CreateOutlet(ctx context.Context, tenantID string, in model.OutletInput) (model.Outlet, error)
	GetOutlet(ctx context.Context, tenantID, id string) (model.Outlet, error)
	GetOutlets(ctx context.Context, tenantID string, ids []string) (map[string]model.Outlet, error)
	ListOutlets(ctx context.Context, tenantID string, status model.OutletStatus, cursor string, limit int) ([]model.Outlet, string, error)
	// DeleteOutlet fails with ErrInUse while a route stop references the outlet.
	DeleteOutlet(ctx context.Context, tenantID, id string) error

	// Routes
	// CreateRoute inserts the route and its stops in one unit.
	CreateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error)
	// GetRoute returns the route with its stops sorted by stop_order.
	GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error)
	ListRoutes(ctx context.Context, tenantID string, f model.RouteFilter) ([]model.Route, string, error)
	// UpdateRoute writes route columns only, never stops.
	UpdateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error)
	// DeleteRoute removes the route with its stops and assignments.
	DeleteRoute(ctx context.Context, tenantID, routeID string) error
	ListTenants(ctx context.Context) ([]string, error)

	// Stops
	ListRouteStops(ctx context.Context, tenantID, routeID string) ([]model.RouteStop, error)
	AddRouteStop(ctx context.Context, tenantID string, s model.RouteStop) (model.RouteStop, error)
	DeleteRouteStop(ctx context.Context, tenantID, routeID, stopID string) error
	// UpdateRouteStop writes one stop. (route_id, stop_order) is unique: a clash returns ErrConflict.
	UpdateRouteStop(ctx context.Context, tenantID string, s model.RouteStop) error

	// Assignments
	// CreateAssignment inserts a row; an existing live row for the same
	// (route, assignee, date) returns ErrConflict.
	CreateAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) (model.RouteAssignment, error)
	// CreateExclusiveAssignment re-checks for an active assignment on the route
	// in the same unit as the insert and returns ErrActiveAssignment on a race.
	CreateExclusiveAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) (model.RouteAssignment, error)
	GetAssignment(ctx context.Context, tenantID, id string) (model.RouteAssignment, error)
	ListAssignments(ctx context.Context, tenantID string, f model.AssignmentFilter) ([]model.RouteAssignment, error)
	UpdateAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) error
	// TransferAssignments writes the closed rows and inserts next in one unit.
	// A closed row that is no longer active returns ErrConflict.
	TransferAssignments(ctx context.Context, tenantID string, closed []model.RouteAssignment, next model.RouteAssignment) (model.RouteAssignment, error)
	// ListRecurringSources returns recurring assigned/accepted rows whose
	// recurrence has not ended before asOf.
	ListRecurringSources(ctx context.Context, tenantID string, asOf time.Time) ([]model.RouteAssignment, error)
	AssignmentExists(ctx context.Context, tenantID, routeID string, assignee model.Assignee, date time.Time) (bool, error)

	Ping(ctx context.Context) error
}

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrInUse            = errors.New("referenced by route stops")
	ErrActiveAssignment = errors.New("route has an active assignment")
)

// activeStatuses lists the non-terminal assignment statuses.
var activeStatuses = []model.AssignmentStatus{model.AssignmentAssigned, model.AssignmentAccepted, model.AssignmentInProgress}

// occupiesSlot reports whether a row takes part in the (route, assignee, date) uniqueness.
func occupiesSlot(s model.AssignmentStatus) bool {
	return s != model.AssignmentTransferred && s != model.AssignmentRejected
}

func matchesFilter(a model.RouteAssignment, f model.AssignmentFilter) bool {
	if f.RouteID != "" && a.RouteID != f.RouteID {
		return false
	}
	if f.AssigneeID != "" && a.Assignee.ID != f.AssigneeID {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if a.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && a.AssignedDate.Before(model.Date(*f.From)) {
		return false
	}
	if f.To != nil && a.AssignedDate.After(model.Date(*f.To)) {
		return false
	}
	return true
}
