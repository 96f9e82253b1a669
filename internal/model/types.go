package model

import (
	"math"
	"time"
)

// Core domain types for outlets, routes, stops and assignments.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is finite, within range and not the (0,0) null island.
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return false
	}
	return !(p.Lat == 0 && p.Lng == 0)
}

type OutletStatus string

const (
	OutletActive      OutletStatus = "active"
	OutletInactive    OutletStatus = "inactive"
	OutletMaintenance OutletStatus = "maintenance"
)

type Outlet struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenantId"`
	Name      string       `json:"name"`
	Address   string       `json:"address,omitempty"`
	Location  *GeoPoint    `json:"location,omitempty"`
	Status    OutletStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
}

type OutletInput struct {
	Name     string       `json:"name"`
	Address  string       `json:"address,omitempty"`
	Location *GeoPoint    `json:"location,omitempty"`
	Status   OutletStatus `json:"status,omitempty"`
}

type StopStatus string

const (
	StopPending   StopStatus = "pending"
	StopInTransit StopStatus = "in_transit"
	StopArrived   StopStatus = "arrived"
	StopCompleted StopStatus = "completed"
	StopSkipped   StopStatus = "skipped"
)

type RouteStop struct {
	ID                   string     `json:"id"`
	RouteID              string     `json:"routeId"`
	OutletID             string     `json:"outletId"`
	StopOrder            int        `json:"stopOrder"`
	EstimatedDurationMin int        `json:"estimatedDurationMin"`
	EstimatedArrival     *time.Time `json:"estimatedArrival,omitempty"`
	EstimatedDeparture   *time.Time `json:"estimatedDeparture,omitempty"`
	DistanceFromPrevKm   float64    `json:"distanceFromPrevKm"`
	TimeFromPrevMin      float64    `json:"timeFromPrevMin"`
	Status               StopStatus `json:"status"`
	Priority             int        `json:"priority"`
	Notes                string     `json:"notes,omitempty"`
}

// StopInput selects one outlet when building or extending a route.
type StopInput struct {
	OutletID             string `json:"outletId"`
	EstimatedDurationMin int    `json:"estimatedDurationMin,omitempty"`
	Priority             int    `json:"priority,omitempty"`
	Notes                string `json:"notes,omitempty"`
}

// RouteEndpoint is either an outlet reference or a free-text address.
type RouteEndpoint struct {
	OutletID string    `json:"outletId,omitempty"`
	Address  string    `json:"address,omitempty"`
	Location *GeoPoint `json:"location,omitempty"`
}

type Route struct {
	ID                     string           `json:"id"`
	TenantID               string           `json:"tenantId"`
	Name                   string           `json:"name"`
	Description            string           `json:"description,omitempty"`
	Status                 RouteStatus      `json:"status"`
	OptimizationType       OptimizationType `json:"optimizationType"`
	RouteDate              *time.Time       `json:"routeDate,omitempty"`
	StartLocation          *RouteEndpoint   `json:"startLocation,omitempty"`
	EndLocation            *RouteEndpoint   `json:"endLocation,omitempty"`
	TotalEstimatedDuration int              `json:"totalEstimatedDuration"`
	TotalEstimatedDistance float64          `json:"totalEstimatedDistance"`
	TotalStops             int              `json:"totalStops"`
	LastOptimization       *OptimizedRoute  `json:"lastOptimization,omitempty"`
	OptimizedAt            *time.Time       `json:"optimizedAt,omitempty"`
	OrderingState          OrderingState    `json:"orderingState"`
	CreatedBy              string           `json:"createdBy,omitempty"`
	CreatedAt              time.Time        `json:"createdAt"`
	UpdatedAt              time.Time        `json:"updatedAt"`
	Stops                  []RouteStop      `json:"stops"`
}

// OrderTrusted reports whether stop_order values may be relied upon.
func (r Route) OrderTrusted() bool {
	if r.OrderingState == OrderingReordering {
		return false
	}
	for _, s := range r.Stops {
		if s.StopOrder <= 0 {
			return false
		}
	}
	return true
}

// TotalsReliable reports whether the aggregate totals come from an optimization.
func (r Route) TotalsReliable() bool { return r.LastOptimization != nil && r.OptimizedAt != nil }

type RouteInput struct {
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	OptimizationType OptimizationType `json:"optimizationType,omitempty"`
	RouteDate        string           `json:"routeDate,omitempty"`
	StartLocation    *RouteEndpoint   `json:"startLocation,omitempty"`
	EndLocation      *RouteEndpoint   `json:"endLocation,omitempty"`
	Stops            []StopInput      `json:"stops"`
}

type RouteFilter struct {
	Status RouteStatus
	Cursor string
	Limit  int
}

type AssignmentStatus string

const (
	AssignmentAssigned    AssignmentStatus = "assigned"
	AssignmentAccepted    AssignmentStatus = "accepted"
	AssignmentInProgress  AssignmentStatus = "in_progress"
	AssignmentCompleted   AssignmentStatus = "completed"
	AssignmentRejected    AssignmentStatus = "rejected"
	AssignmentTransferred AssignmentStatus = "transferred"
)

// IsActive reports the non-terminal statuses.
func (s AssignmentStatus) IsActive() bool {
	switch s {
	case AssignmentAssigned, AssignmentAccepted, AssignmentInProgress:
		return true
	}
	return false
}

func (s AssignmentStatus) IsTerminal() bool { return s.Valid() && !s.IsActive() }

func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentAssigned, AssignmentAccepted, AssignmentInProgress,
		AssignmentCompleted, AssignmentRejected, AssignmentTransferred:
		return true
	}
	return false
}

// CanTransition reports whether an assignment may move from s to next.
// Transfers are handled by the scheduler and are not reachable through here.
func (s AssignmentStatus) CanTransition(next AssignmentStatus) bool {
	switch s {
	case AssignmentAssigned:
		return next == AssignmentAccepted || next == AssignmentInProgress || next == AssignmentRejected
	case AssignmentAccepted:
		return next == AssignmentInProgress || next == AssignmentRejected
	case AssignmentInProgress:
		return next == AssignmentCompleted
	}
	return false
}

type RecurrencePattern string

const (
	RecurWeekly   RecurrencePattern = "weekly"
	RecurBiweekly RecurrencePattern = "biweekly"
	RecurMonthly  RecurrencePattern = "monthly"
)

func (p RecurrencePattern) Valid() bool {
	return p == RecurWeekly || p == RecurBiweekly || p == RecurMonthly
}

// Recurrence describes how a recurring assignment repeats.
type Recurrence struct {
	Pattern   RecurrencePattern `json:"pattern"`
	DayOfWeek *int              `json:"dayOfWeek,omitempty"`
	Until     *time.Time        `json:"until,omitempty"`
}

type RouteAssignment struct {
	ID                   string            `json:"id"`
	TenantID             string            `json:"tenantId"`
	RouteID              string            `json:"routeId"`
	Assignee             Assignee          `json:"assignee"`
	AssignedBy           string            `json:"assignedBy,omitempty"`
	AssignedDate         time.Time         `json:"assignedDate"`
	Status               AssignmentStatus  `json:"status"`
	CompletionPercentage int               `json:"completionPercentage"`
	IsRecurring          bool              `json:"isRecurring"`
	DayOfWeek            *int              `json:"dayOfWeek,omitempty"`
	RecurrencePattern    RecurrencePattern `json:"recurrencePattern,omitempty"`
	RecurringUntil       *time.Time        `json:"recurringUntil,omitempty"`
	Notes                string            `json:"notes,omitempty"`
	ActualStart          *time.Time        `json:"actualStart,omitempty"`
	ActualEnd            *time.Time        `json:"actualEnd,omitempty"`
	PerformanceScore     *float64          `json:"performanceScore,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Recurrence returns the descriptor of a recurring assignment, or nil.
func (a RouteAssignment) Recurrence() *Recurrence {
	if !a.IsRecurring {
		return nil
	}
	return &Recurrence{Pattern: a.RecurrencePattern, DayOfWeek: a.DayOfWeek, Until: a.RecurringUntil}
}

type AssignmentFilter struct {
	RouteID    string
	AssigneeID string
	Status     []AssignmentStatus
	From       *time.Time
	To         *time.Time
}

// Date truncates t to a UTC calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD or RFC3339 into a calendar date.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return Date(t), nil
}
