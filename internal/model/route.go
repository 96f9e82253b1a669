package model

type RouteStatus string

const (
	RouteDraft     RouteStatus = "draft"
	RouteActive    RouteStatus = "active"
	RouteCompleted RouteStatus = "completed"
	RouteArchived  RouteStatus = "archived"
)

func (s RouteStatus) Valid() bool {
	switch s {
	case RouteDraft, RouteActive, RouteCompleted, RouteArchived:
		return true
	}
	return false
}

// CanTransition reports whether a route may move from s to next: draft to
// active, active to completed, and any live status to archived. Archived is
// terminal.
func (s RouteStatus) CanTransition(next RouteStatus) bool {
	switch next {
	case RouteActive:
		return s == RouteDraft
	case RouteCompleted:
		return s == RouteActive
	case RouteArchived:
		return s == RouteDraft || s == RouteActive || s == RouteCompleted
	}
	return false
}

// OrderingState tracks the two-phase stop_order rewrite of a route.
type OrderingState string

const (
	OrderingStable     OrderingState = "stable"
	OrderingReordering OrderingState = "reordering"
)
