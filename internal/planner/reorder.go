package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/events"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
)

// ReorderAfterOptimization applies an optimization result to the route's stop
// order. The result must cover exactly the route's outlets.
//
// stop_order is unique per route and the store writes one stop at a time, so
// the rewrite runs in two phases: every stop first moves to a distinct
// negative placeholder, then to its final position. The route is marked
// reordering for the duration and readers must not trust stop_order until it
// is stable again.
func (s *Service) ReorderAfterOptimization(ctx context.Context, tenantID, routeID string, res model.OptimizedRoute) (model.Route, error) {
	r, err := s.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	order := res.Order()
	if missing, unexpected := diffStops(r.Stops, order); len(missing) > 0 || len(unexpected) > 0 {
		return model.Route{}, &apperrors.StopSetMismatchError{RouteID: routeID, Missing: missing, Unexpected: unexpected}
	}
	log := s.log().WithTenant(tenantID).WithField("route_id", routeID)

	r.OrderingState = model.OrderingReordering
	if _, err := s.Store.UpdateRoute(ctx, tenantID, r); err != nil {
		return model.Route{}, fmt.Errorf("mark route reordering: %w", err)
	}

	base := placeholderBase(r.Stops)
	for i, st := range r.Stops {
		st.StopOrder = -(base + i)
		if err := s.Store.UpdateRouteStop(ctx, tenantID, st); err != nil {
			return model.Route{}, fmt.Errorf("reorder phase 1 stop %s: %w", st.ID, err)
		}
	}
	log.WithField("base", base).Debug("reorder placeholders written")

	byOutlet := make(map[string]model.RouteStop, len(r.Stops))
	for _, st := range r.Stops {
		byOutlet[st.OutletID] = st
	}
	var day *time.Time
	if r.RouteDate != nil {
		d := r.RouteDate.Add(s.DayStart)
		day = &d
	}
	final := make([]model.RouteStop, 0, len(res.Stops))
	for i, os := range res.Stops {
		st := byOutlet[os.StopID]
		st.StopOrder = i + 1
		st.DistanceFromPrevKm = os.LegDistanceKm
		st.TimeFromPrevMin = os.LegDurationMin
		st.EstimatedArrival, st.EstimatedDeparture = nil, nil
		if day != nil {
			arr := day.Add(minutes(os.ArrivalOffsetMin))
			dep := day.Add(minutes(os.DepartureOffsetMin))
			st.EstimatedArrival, st.EstimatedDeparture = &arr, &dep
		}
		if err := s.Store.UpdateRouteStop(ctx, tenantID, st); err != nil {
			return model.Route{}, fmt.Errorf("reorder phase 2 stop %s: %w", st.ID, err)
		}
		final = append(final, st)
	}
	metrics.StopsReordered.Add(float64(len(final)))
	log.Debug("reorder final orders written")

	now := s.now()
	snap := res
	r.Stops = final
	r.OrderingState = model.OrderingStable
	r.LastOptimization = &snap
	r.OptimizedAt = &now
	if res.Strategy != "" {
		r.OptimizationType = res.Strategy
	}
	r.TotalStops = len(final)
	r.TotalEstimatedDistance = res.TotalDistanceKm
	r.TotalEstimatedDuration = travelMinutes(res.TotalDurationMin) + serviceMinutes(final)
	updated, err := s.Store.UpdateRoute(ctx, tenantID, r)
	if err != nil {
		return model.Route{}, fmt.Errorf("finish reorder: %w", err)
	}
	s.publish(routeID, events.RouteReordered, map[string]any{"order": order})
	return updated, nil
}

// placeholderBase returns the smallest base for which -(base+i) collides
// neither with final orders 1..N nor with placeholders left by an earlier
// interrupted reorder.
func placeholderBase(stops []model.RouteStop) int {
	base := len(stops)
	for _, st := range stops {
		if -st.StopOrder > base {
			base = -st.StopOrder
		}
	}
	return base + 1
}

// diffStops compares the route's outlets with an optimized order. Repeated
// ids in order count as unexpected.
func diffStops(stops []model.RouteStop, order []string) (missing, unexpected []string) {
	want := make(map[string]bool, len(stops))
	for _, st := range stops {
		want[st.OutletID] = false
	}
	for _, id := range order {
		used, ok := want[id]
		if !ok || used {
			unexpected = append(unexpected, id)
			continue
		}
		want[id] = true
	}
	for id, used := range want {
		if !used {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected
}

func minutes(m float64) time.Duration { return time.Duration(m * float64(time.Minute)) }
