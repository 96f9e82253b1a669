package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldroute/internal/events"
	"fieldroute/internal/logger"
	"fieldroute/internal/metrics"
	"fieldroute/internal/planner"
	"fieldroute/internal/schedule"
	"fieldroute/internal/store"
)

const defaultTenant = "t_demo"

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	Planner   *planner.Service
	Scheduler *schedule.Scheduler
	Store     store.Store
	Broker    events.Broker
	Runner    *schedule.Runner
	Log       *logger.Logger

	// Debug is reported by /debug/info alongside the build info.
	Debug map[string]any
	// Heartbeat is the SSE keepalive interval.
	Heartbeat time.Duration

	limits   *tenantLimits
	upgrader websocket.Upgrader
}

type Options struct {
	RateRPS   float64
	RateBurst int
	Runner    *schedule.Runner
	Debug     map[string]any
}

func NewServer(p *planner.Service, sch *schedule.Scheduler, st store.Store, b events.Broker, log *logger.Logger, opts Options) *Server {
	if b == nil {
		b = events.Nop{}
	}
	return &Server{
		Planner:   p,
		Scheduler: sch,
		Store:     st,
		Broker:    b,
		Runner:    opts.Runner,
		Log:       logger.Or(log).WithField("component", "api"),
		Debug:     opts.Debug,
		Heartbeat: 15 * time.Second,
		limits:    newTenantLimits(opts.RateRPS, opts.RateBurst),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Handler returns the routed handler wrapped in the access log, metrics and rate limit middleware.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.instrument(s.rateLimit(s.routes())))
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /readyz", s.ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/info", s.debugInfo)

	mux.HandleFunc("POST /v1/outlets", s.createOutlet)
	mux.HandleFunc("GET /v1/outlets", s.listOutlets)
	mux.HandleFunc("GET /v1/outlets/{id}", s.getOutlet)
	mux.HandleFunc("DELETE /v1/outlets/{id}", s.deleteOutlet)

	mux.HandleFunc("POST /v1/routes", s.createRoute)
	mux.HandleFunc("GET /v1/routes", s.listRoutes)
	mux.HandleFunc("GET /v1/routes/{id}", s.getRoute)
	mux.HandleFunc("DELETE /v1/routes/{id}", s.deleteRoute)
	mux.HandleFunc("PATCH /v1/routes/{id}/status", s.updateRouteStatus)
	mux.HandleFunc("POST /v1/routes/{id}/stops", s.addStop)
	mux.HandleFunc("DELETE /v1/routes/{id}/stops/{stopId}", s.removeStop)
	mux.HandleFunc("POST /v1/routes/{id}/optimize", s.optimizeRoute)
	mux.HandleFunc("POST /v1/routes/{id}/recompute", s.recomputeRoute)
	mux.HandleFunc("POST /v1/routes/{id}/assign", s.assignRoute)
	mux.HandleFunc("POST /v1/routes/{id}/transfer", s.transferRoute)
	mux.HandleFunc("GET /v1/routes/{id}/assignments", s.listAssignments)
	mux.HandleFunc("GET /v1/routes/{id}/events/stream", s.routeEventsSSE)
	mux.HandleFunc("GET /v1/routes/{id}/events/ws", s.routeEventsWS)

	mux.HandleFunc("PATCH /v1/assignments/{id}", s.updateAssignment)

	mux.HandleFunc("POST /v1/admin/recurring/generate", s.generateRecurring)
	mux.HandleFunc("GET /v1/admin/recurring/status", s.recurringStatus)
	mux.HandleFunc("GET /v1/admin/optimizer/stats", s.optimizerStats)
	return mux
}

// withTenant returns the tenant from X-Tenant-Id, falling back to the demo tenant.
func (s *Server) withTenant(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get("X-Tenant-Id")); t != "" {
		return t
	}
	return defaultTenant
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}
