// Package apperrors holds the typed errors surfaced by the planner, optimizer and scheduler.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// InsufficientStopsError means fewer than the required number of geocoded stops were supplied.
type InsufficientStopsError struct {
	Valid    int
	Required int
	Invalid  []string // stop ids rejected for missing or bad coordinates
}

func (e *InsufficientStopsError) Error() string {
	msg := fmt.Sprintf("route has %d geocoded stops, at least %d required", e.Valid, e.Required)
	if len(e.Invalid) > 0 {
		msg += " (invalid coordinates: " + strings.Join(e.Invalid, ", ") + ")"
	}
	return msg
}

func (e *InsufficientStopsError) Is(target error) bool {
	_, ok := target.(*InsufficientStopsError)
	return ok
}

// RoutingProviderUnavailableError wraps a failed or timed out distance/duration provider call.
type RoutingProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *RoutingProviderUnavailableError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("routing provider unavailable: %v", e.Err)
	}
	return fmt.Sprintf("routing provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *RoutingProviderUnavailableError) Unwrap() error { return e.Err }

func (e *RoutingProviderUnavailableError) Is(target error) bool {
	_, ok := target.(*RoutingProviderUnavailableError)
	return ok
}

// StopSetMismatchError means an optimization result does not cover the route's current stops.
type StopSetMismatchError struct {
	RouteID    string
	Missing    []string // on the route, absent from the result
	Unexpected []string // in the result, not on the route
}

func (e *StopSetMismatchError) Error() string {
	return fmt.Sprintf("optimized stops do not match route %s: missing [%s], unexpected [%s]",
		e.RouteID, strings.Join(e.Missing, ", "), strings.Join(e.Unexpected, ", "))
}

func (e *StopSetMismatchError) Is(target error) bool {
	_, ok := target.(*StopSetMismatchError)
	return ok
}

// DuplicateActiveAssignmentError means the route already has a non-terminal assignment.
type DuplicateActiveAssignmentError struct {
	RouteID    string
	ExistingID string
}

func (e *DuplicateActiveAssignmentError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("route %s already has an active assignment", e.RouteID)
	}
	return fmt.Sprintf("route %s already has an active assignment %s", e.RouteID, e.ExistingID)
}

func (e *DuplicateActiveAssignmentError) Is(target error) bool {
	_, ok := target.(*DuplicateActiveAssignmentError)
	return ok
}

// NoActiveAssignmentError means a transfer was requested on a route with nothing to transfer.
type NoActiveAssignmentError struct {
	RouteID string
}

func (e *NoActiveAssignmentError) Error() string {
	return fmt.Sprintf("route %s has no active assignment to transfer", e.RouteID)
}

func (e *NoActiveAssignmentError) Is(target error) bool {
	_, ok := target.(*NoActiveAssignmentError)
	return ok
}

// NotFoundError represents an error when an entity is not found
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is matches on entity only.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return t.Entity == "" || e.Entity == t.Entity
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// InvalidTransitionError is returned for a disallowed status change.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// OutletInUseError blocks deleting an outlet still referenced by a route stop.
type OutletInUseError struct {
	OutletID string
	Routes   int
}

func (e *OutletInUseError) Error() string {
	if e.Routes == 0 {
		return fmt.Sprintf("outlet %s is referenced by route stops", e.OutletID)
	}
	return fmt.Sprintf("outlet %s is referenced by %d route(s)", e.OutletID, e.Routes)
}

func (e *OutletInUseError) Is(target error) bool {
	_, ok := target.(*OutletInUseError)
	return ok
}

// Entity Not Found Errors
var (
	ErrOutletNotFound     = &NotFoundError{Entity: "outlet"}
	ErrRouteNotFound      = &NotFoundError{Entity: "route"}
	ErrStopNotFound       = &NotFoundError{Entity: "route stop"}
	ErrAssignmentNotFound = &NotFoundError{Entity: "assignment"}
)

// Business Logic Errors
var (
	ErrRouteArchived = errors.New("route is archived")
	ErrSameAssignee  = errors.New("transfer target is the current assignee")
)

// Helper Functions

// IsNotFound checks if an error is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation checks if an error is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsInsufficientStops(err error) bool {
	var e *InsufficientStopsError
	return errors.As(err, &e)
}

func IsProviderUnavailable(err error) bool {
	var e *RoutingProviderUnavailableError
	return errors.As(err, &e)
}

func IsStopSetMismatch(err error) bool {
	var e *StopSetMismatchError
	return errors.As(err, &e)
}

func IsDuplicateActiveAssignment(err error) bool {
	var e *DuplicateActiveAssignmentError
	return errors.As(err, &e)
}

func IsNoActiveAssignment(err error) bool {
	var e *NoActiveAssignmentError
	return errors.As(err, &e)
}

func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

func IsOutletInUse(err error) bool {
	var e *OutletInUseError
	return errors.As(err, &e)
}

// Validation returns a *ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
