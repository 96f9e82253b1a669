// Package planner owns the route aggregate: building routes from outlets,
// applying optimizer output to stop order, and keeping totals honest.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/events"
	"fieldroute/internal/logger"
	"fieldroute/internal/model"
	"fieldroute/internal/opt"
	"fieldroute/internal/store"
)

const (
	// DefaultServiceMin is used for stops created without a service duration.
	DefaultServiceMin = 15
	// DefaultDayStart is the departure time assumed on a dated route.
	DefaultDayStart = 8 * time.Hour
)

type Service struct {
	Store     store.Store
	Optimizer *opt.Optimizer
	Events    events.Broker
	Stats     *opt.StatsStore
	Log       *logger.Logger
	// DayStart offsets estimated arrivals from midnight of the route date.
	DayStart time.Duration
	Now      func() time.Time
}

func New(st store.Store, o *opt.Optimizer, b events.Broker, log *logger.Logger) *Service {
	return &Service{
		Store:     st,
		Optimizer: o,
		Events:    b,
		Stats:     opt.NewStatsStore(),
		Log:       logger.Or(log).WithField("component", "planner"),
		DayStart:  DefaultDayStart,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *Service) log() *logger.Logger { return logger.Or(s.Log) }

func (s *Service) publish(routeID, typ string, data map[string]any) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(routeID, events.New(typ, routeID, data))
}

// CreateRoute builds a draft route with one stop per outlet, ordered as given.
func (s *Service) CreateRoute(ctx context.Context, tenantID, actor string, in model.RouteInput) (model.Route, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return model.Route{}, apperrors.Validation("name", "route name is required")
	}
	if len(in.Stops) == 0 {
		return model.Route{}, apperrors.Validation("stops", "at least one stop is required")
	}
	typ, err := model.ParseOptimizationType(string(in.OptimizationType))
	if err != nil {
		return model.Route{}, apperrors.Validation("optimizationType", "%v", err)
	}
	r := model.Route{
		Name:             name,
		Description:      strings.TrimSpace(in.Description),
		Status:           model.RouteDraft,
		OptimizationType: typ,
		OrderingState:    model.OrderingStable,
		CreatedBy:        actor,
	}
	if in.RouteDate != "" {
		d, err := model.ParseDate(in.RouteDate)
		if err != nil {
			return model.Route{}, apperrors.Validation("routeDate", "expected YYYY-MM-DD, got %q", in.RouteDate)
		}
		r.RouteDate = &d
	}
	if r.StartLocation, err = s.resolveEndpoint(ctx, tenantID, "startLocation", in.StartLocation); err != nil {
		return model.Route{}, err
	}
	if r.EndLocation, err = s.resolveEndpoint(ctx, tenantID, "endLocation", in.EndLocation); err != nil {
		return model.Route{}, err
	}

	ids := make([]string, 0, len(in.Stops))
	seen := make(map[string]struct{}, len(in.Stops))
	for _, st := range in.Stops {
		if st.OutletID == "" {
			return model.Route{}, apperrors.Validation("stops", "outletId is required")
		}
		if _, dup := seen[st.OutletID]; dup {
			return model.Route{}, apperrors.Validation("stops", "outlet %s appears more than once", st.OutletID)
		}
		if st.EstimatedDurationMin < 0 {
			return model.Route{}, apperrors.Validation("stops", "estimatedDurationMin must not be negative")
		}
		seen[st.OutletID] = struct{}{}
		ids = append(ids, st.OutletID)
	}
	outlets, err := s.Store.GetOutlets(ctx, tenantID, ids)
	if err != nil {
		return model.Route{}, fmt.Errorf("load outlets: %w", err)
	}
	for i, st := range in.Stops {
		if _, ok := outlets[st.OutletID]; !ok {
			return model.Route{}, &apperrors.NotFoundError{Entity: "outlet", ID: st.OutletID}
		}
		r.Stops = append(r.Stops, newStop(st, i+1))
	}
	r.TotalStops = len(r.Stops)
	r.TotalEstimatedDuration = serviceMinutes(r.Stops)

	created, err := s.Store.CreateRoute(ctx, tenantID, r)
	if err != nil {
		return model.Route{}, fmt.Errorf("create route: %w", err)
	}
	s.log().WithTenant(tenantID).WithFields(map[string]interface{}{
		"route_id": created.ID,
		"stops":    created.TotalStops,
	}).Info("route created")
	s.publish(created.ID, events.RouteCreated, map[string]any{"name": created.Name, "stops": created.TotalStops})
	return created, nil
}

func newStop(in model.StopInput, order int) model.RouteStop {
	svc := in.EstimatedDurationMin
	if svc == 0 {
		svc = DefaultServiceMin
	}
	return model.RouteStop{
		OutletID:             in.OutletID,
		StopOrder:            order,
		EstimatedDurationMin: svc,
		Status:               model.StopPending,
		Priority:             in.Priority,
		Notes:                in.Notes,
	}
}

// resolveEndpoint checks a start or end location. An outlet endpoint takes the outlet's coordinates.
func (s *Service) resolveEndpoint(ctx context.Context, tenantID, field string, ep *model.RouteEndpoint) (*model.RouteEndpoint, error) {
	if ep == nil {
		return nil, nil
	}
	out := *ep
	out.Address = strings.TrimSpace(out.Address)
	switch {
	case out.OutletID != "":
		o, err := s.Store.GetOutlet(ctx, tenantID, out.OutletID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apperrors.NotFoundError{Entity: "outlet", ID: out.OutletID}
		}
		if err != nil {
			return nil, fmt.Errorf("load %s outlet: %w", field, err)
		}
		out.Location = o.Location
		if out.Address == "" {
			out.Address = o.Address
		}
	case out.Address == "" && out.Location == nil:
		return nil, apperrors.Validation(field, "either outletId or address is required")
	}
	if out.Location != nil && !out.Location.Valid() {
		return nil, apperrors.Validation(field, "location coordinates are invalid")
	}
	return &out, nil
}

func (s *Service) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	r, err := s.Store.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, routeErr(routeID, err)
	}
	return r, nil
}

func (s *Service) ListRoutes(ctx context.Context, tenantID string, f model.RouteFilter) ([]model.Route, string, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, "", apperrors.Validation("status", "unknown route status %q", f.Status)
	}
	return s.Store.ListRoutes(ctx, tenantID, f)
}

// UpdateStatus moves a route through draft, active, completed and archived.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, routeID string, to model.RouteStatus) (model.Route, error) {
	if !to.Valid() {
		return model.Route{}, apperrors.Validation("status", "unknown route status %q", to)
	}
	r, err := s.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if !r.Status.CanTransition(to) {
		return model.Route{}, &apperrors.InvalidTransitionError{Entity: "route", From: string(r.Status), To: string(to)}
	}
	from := r.Status
	r.Status = to
	updated, err := s.Store.UpdateRoute(ctx, tenantID, r)
	if err != nil {
		return model.Route{}, routeErr(routeID, err)
	}
	s.publish(routeID, events.RouteStatus, map[string]any{"from": from, "to": to})
	return updated, nil
}

// DeleteRoute removes the route together with its stops and assignments.
func (s *Service) DeleteRoute(ctx context.Context, tenantID, routeID string) error {
	if err := s.Store.DeleteRoute(ctx, tenantID, routeID); err != nil {
		return routeErr(routeID, err)
	}
	s.log().WithTenant(tenantID).WithField("route_id", routeID).Info("route deleted")
	s.publish(routeID, events.RouteDeleted, nil)
	return nil
}

// RecomputeTotals re-derives total_stops from the live stops. When the last
// optimization no longer covers the stops it is dropped and the duration
// falls back to summed service minutes with distance unknown (0).
func (s *Service) RecomputeTotals(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	r, err := s.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	r.TotalStops = len(r.Stops)
	if r.LastOptimization != nil && sameStops(r.Stops, r.LastOptimization.Order()) {
		snap := r.LastOptimization
		r.TotalEstimatedDistance = snap.TotalDistanceKm
		r.TotalEstimatedDuration = travelMinutes(snap.TotalDurationMin) + serviceMinutes(r.Stops)
	} else {
		r.LastOptimization = nil
		r.OptimizedAt = nil
		r.TotalEstimatedDistance = 0
		r.TotalEstimatedDuration = serviceMinutes(r.Stops)
	}
	updated, err := s.Store.UpdateRoute(ctx, tenantID, r)
	if err != nil {
		return model.Route{}, routeErr(routeID, err)
	}
	s.publish(routeID, events.RouteTotals, map[string]any{
		"totalStops":    updated.TotalStops,
		"totalDuration": updated.TotalEstimatedDuration,
		"totalDistance": updated.TotalEstimatedDistance,
		"reliable":      updated.TotalsReliable(),
	})
	return updated, nil
}

// RunStats returns optimizer run summaries for the tenant.
func (s *Service) RunStats(tenantID string) map[model.OptimizationType]opt.RunStats {
	if s.Stats == nil {
		return map[model.OptimizationType]opt.RunStats{}
	}
	return s.Stats.Snapshot(tenantID)
}

func routeErr(routeID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &apperrors.NotFoundError{Entity: "route", ID: routeID}
	}
	return err
}

func serviceMinutes(stops []model.RouteStop) int {
	total := 0
	for _, st := range stops {
		total += st.EstimatedDurationMin
	}
	return total
}

func travelMinutes(m float64) int { return int(m + 0.5) }

// sameStops reports whether order holds exactly the outlets of stops.
func sameStops(stops []model.RouteStop, order []string) bool {
	missing, unexpected := diffStops(stops, order)
	return len(missing) == 0 && len(unexpected) == 0
}
