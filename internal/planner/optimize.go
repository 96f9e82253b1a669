package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/events"
	"fieldroute/internal/model"
)

// OptimizeRoute orders the route's stops and applies the result. A failed
// optimization leaves the route exactly as it was.
func (s *Service) OptimizeRoute(ctx context.Context, tenantID, routeID string, settings model.OptimizationSettings) (model.Route, model.OptimizedRoute, error) {
	if s.Optimizer == nil {
		return model.Route{}, model.OptimizedRoute{}, &apperrors.RoutingProviderUnavailableError{Err: errors.New("no optimizer configured")}
	}
	r, err := s.GetRoute(ctx, tenantID, routeID)
	if err != nil {
		return model.Route{}, model.OptimizedRoute{}, err
	}
	if r.Status == model.RouteArchived {
		return model.Route{}, model.OptimizedRoute{}, apperrors.ErrRouteArchived
	}
	if settings.Type == "" {
		settings.Type = r.OptimizationType
	}
	stops, start, end, skipped, err := s.geoStops(ctx, tenantID, r)
	if err != nil {
		return model.Route{}, model.OptimizedRoute{}, err
	}

	began := time.Now()
	res, err := s.Optimizer.Optimize(ctx, stops, start, end, settings)
	if s.Stats != nil {
		var rec *model.OptimizedRoute
		if err == nil {
			rec = &res
		}
		s.Stats.Record(tenantID, settings.Type, rec, time.Since(began), err)
	}
	if err != nil {
		return model.Route{}, model.OptimizedRoute{}, err
	}
	res.Warnings = append(skipped, res.Warnings...)

	updated, err := s.ReorderAfterOptimization(ctx, tenantID, routeID, res)
	if err != nil {
		return model.Route{}, model.OptimizedRoute{}, err
	}
	s.publish(routeID, events.RouteOptimized, map[string]any{
		"strategy":        res.Strategy,
		"totalDistanceKm": res.TotalDistanceKm,
		"totalDuration":   updated.TotalEstimatedDuration,
		"warnings":        res.Warnings,
	})
	return updated, res, nil
}

// geoStops converts route stops into optimizer input keyed by outlet id.
// Outlets without coordinates are passed through with a zero location so the
// optimizer reports them. Endpoints that cannot be placed are returned as
// warnings.
func (s *Service) geoStops(ctx context.Context, tenantID string, r model.Route) ([]model.GeoStop, *model.Anchor, *model.Anchor, []string, error) {
	ids := make([]string, 0, len(r.Stops)+2)
	for _, st := range r.Stops {
		ids = append(ids, st.OutletID)
	}
	for _, ep := range []*model.RouteEndpoint{r.StartLocation, r.EndLocation} {
		if ep != nil && ep.OutletID != "" {
			ids = append(ids, ep.OutletID)
		}
	}
	outlets, err := s.Store.GetOutlets(ctx, tenantID, ids)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load outlets: %w", err)
	}
	stops := make([]model.GeoStop, 0, len(r.Stops))
	for _, st := range r.Stops {
		o, ok := outlets[st.OutletID]
		if !ok {
			return nil, nil, nil, nil, &apperrors.NotFoundError{Entity: "outlet", ID: st.OutletID}
		}
		g := model.GeoStop{ID: st.OutletID, ServiceMin: st.EstimatedDurationMin, Priority: st.Priority}
		if o.Location != nil {
			g.Location = *o.Location
		}
		stops = append(stops, g)
	}
	var skipped []string
	start, ok := s.anchor(tenantID, r.ID, "start", r.StartLocation, outlets)
	if !ok {
		skipped = append(skipped, unplacedAnchor("start", r.StartLocation))
	}
	end, ok := s.anchor(tenantID, r.ID, "end", r.EndLocation, outlets)
	if !ok {
		skipped = append(skipped, unplacedAnchor("end", r.EndLocation))
	}
	return stops, start, end, skipped, nil
}

func unplacedAnchor(label string, ep *model.RouteEndpoint) string {
	name := ep.Address
	if name == "" {
		name = ep.OutletID
	}
	return fmt.Sprintf("%s location %q has no coordinates; totals exclude the %s leg", label, name, label)
}

// anchor resolves an endpoint to coordinates. ok is false when an endpoint is
// set but cannot be placed, such as a free-text address, since nothing here
// geocodes.
func (s *Service) anchor(tenantID, routeID, label string, ep *model.RouteEndpoint, outlets map[string]model.Outlet) (*model.Anchor, bool) {
	if ep == nil {
		return nil, true
	}
	loc := ep.Location
	if ep.OutletID != "" {
		if o, ok := outlets[ep.OutletID]; ok && o.Location != nil {
			loc = o.Location
		}
	}
	if loc == nil {
		s.log().WithTenant(tenantID).WithFields(map[string]interface{}{
			"route_id": routeID,
			"anchor":   label,
		}).Warn("anchor has no coordinates, optimizing without it")
		return nil, false
	}
	name := ep.Address
	if name == "" {
		name = label
	}
	return &model.Anchor{Label: name, Location: *loc}, true
}
