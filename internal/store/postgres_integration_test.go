//go:build postgres_integration

package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"fieldroute/internal/model"
)

func openPostgres(t *testing.T) *Postgres {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return p
}

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	p := openPostgres(t)
	// second run is a no-op
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}
	if _, _, err := p.ListRoutes(t.Context(), "t_demo", model.RouteFilter{Limit: 1}); err != nil {
		t.Fatalf("ListRoutes: %v", err)
	}
}

func TestPostgresStopOrderAndAssignmentUniqueness(t *testing.T) {
	p := openPostgres(t)
	ctx := t.Context()
	tenant := "t_it_" + time.Now().Format("150405.000000")

	o1, err := p.CreateOutlet(ctx, tenant, model.OutletInput{Name: "A", Location: &model.GeoPoint{Lat: 10, Lng: 10}})
	if err != nil {
		t.Fatalf("CreateOutlet: %v", err)
	}
	o2, err := p.CreateOutlet(ctx, tenant, model.OutletInput{Name: "B", Location: &model.GeoPoint{Lat: 10, Lng: 11}})
	if err != nil {
		t.Fatalf("CreateOutlet: %v", err)
	}
	r, err := p.CreateRoute(ctx, tenant, model.Route{
		Name: "it", Status: model.RouteDraft, OptimizationType: model.OptimizeDistance,
		Stops: []model.RouteStop{{OutletID: o1.ID, StopOrder: 1}, {OutletID: o2.ID, StopOrder: 2}},
	})
	if err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}
	t.Cleanup(func() { _ = p.DeleteRoute(ctx, tenant, r.ID) })

	clash := r.Stops[1]
	clash.StopOrder = 1
	if err := p.UpdateRouteStop(ctx, tenant, clash); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stop order clash, got %v", err)
	}
	if err := p.DeleteOutlet(ctx, tenant, o1.ID); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}

	day := model.Date(time.Now())
	a := model.RouteAssignment{RouteID: r.ID, Assignee: model.UserAssignee("u1"), AssignedDate: day, Status: model.AssignmentAssigned}
	if _, err := p.CreateExclusiveAssignment(ctx, tenant, a); err != nil {
		t.Fatalf("CreateExclusiveAssignment: %v", err)
	}
	if _, err := p.CreateExclusiveAssignment(ctx, tenant, a); !errors.Is(err, ErrActiveAssignment) {
		t.Fatalf("expected ErrActiveAssignment, got %v", err)
	}
	if _, err := p.CreateAssignment(ctx, tenant, a); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	ok, err := p.AssignmentExists(ctx, tenant, r.ID, a.Assignee, day)
	if err != nil || !ok {
		t.Fatalf("AssignmentExists = %v, %v", ok, err)
	}
}
