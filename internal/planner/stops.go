package planner

import (
	"context"
	"errors"
	"fmt"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/events"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
)

// AddStop appends an outlet at the end of the route. Totals are recomputed
// and the last optimization is dropped since it no longer covers the stops.
func (s *Service) AddStop(ctx context.Context, tenantID, routeID string, in model.StopInput) (model.Route, error) {
	r, err := s.editableRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if in.OutletID == "" {
		return model.Route{}, apperrors.Validation("outletId", "outletId is required")
	}
	if in.EstimatedDurationMin < 0 {
		return model.Route{}, apperrors.Validation("estimatedDurationMin", "must not be negative")
	}
	for _, st := range r.Stops {
		if st.OutletID == in.OutletID {
			return model.Route{}, apperrors.Validation("outletId", "outlet %s is already on route %s", in.OutletID, routeID)
		}
	}
	if _, err := s.Store.GetOutlet(ctx, tenantID, in.OutletID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Route{}, &apperrors.NotFoundError{Entity: "outlet", ID: in.OutletID}
		}
		return model.Route{}, fmt.Errorf("load outlet: %w", err)
	}
	next := 0
	for _, st := range r.Stops {
		if st.StopOrder > next {
			next = st.StopOrder
		}
	}
	st := newStop(in, next+1)
	st.RouteID = routeID
	added, err := s.Store.AddRouteStop(ctx, tenantID, st)
	if err != nil {
		return model.Route{}, fmt.Errorf("add stop: %w", err)
	}
	s.publish(routeID, events.StopAdded, map[string]any{"stopId": added.ID, "outletId": added.OutletID, "stopOrder": added.StopOrder})
	return s.RecomputeTotals(ctx, tenantID, routeID)
}

// RemoveStop deletes a stop and closes the gap it leaves in stop_order.
func (s *Service) RemoveStop(ctx context.Context, tenantID, routeID, stopID string) (model.Route, error) {
	r, err := s.editableRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if err := s.Store.DeleteRouteStop(ctx, tenantID, routeID, stopID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Route{}, &apperrors.NotFoundError{Entity: "route stop", ID: stopID}
		}
		return model.Route{}, fmt.Errorf("delete stop: %w", err)
	}
	// stops are sorted by order; moving each down into the slot freed before it never collides
	pos := 1
	for _, st := range r.Stops {
		if st.ID == stopID {
			continue
		}
		if st.StopOrder != pos {
			st.StopOrder = pos
			if err := s.Store.UpdateRouteStop(ctx, tenantID, st); err != nil {
				return model.Route{}, fmt.Errorf("compact stop %s: %w", st.ID, err)
			}
		}
		pos++
	}
	s.publish(routeID, events.StopRemoved, map[string]any{"stopId": stopID})
	return s.RecomputeTotals(ctx, tenantID, routeID)
}

// editableRoute loads a route whose stops may change.
func (s *Service) editableRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	r, err := s.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if r.Status == model.RouteArchived {
		return model.Route{}, apperrors.ErrRouteArchived
	}
	if !r.OrderTrusted() {
		return model.Route{}, &apperrors.InvalidTransitionError{Entity: "route stops", From: string(model.OrderingReordering), To: "edited"}
	}
	return r, nil
}
