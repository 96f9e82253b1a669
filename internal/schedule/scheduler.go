// Package schedule binds routes to users or teams and keeps recurring
// assignments rolling forward.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/events"
	"fieldroute/internal/logger"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
)

// DefaultHorizonDays is how far ahead recurring occurrences are generated.
const DefaultHorizonDays = 7

const (
	transferredFromPrefix = "TRANSFERRED FROM: "
	autoGeneratedPrefix   = "AUTO-GENERATED"
)

type Scheduler struct {
	Store  store.Store
	Events events.Broker
	Log    *logger.Logger
	Now    func() time.Time
}

func New(st store.Store, b events.Broker, log *logger.Logger) *Scheduler {
	return &Scheduler{
		Store:  st,
		Events: b,
		Log:    logger.Or(log).WithField("component", "scheduler"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// AssignRequest describes a new assignment. A zero AssignedDate means today.
type AssignRequest struct {
	Assignee     model.Assignee    `json:"assignee"`
	AssignedDate time.Time         `json:"assignedDate"`
	AssignedBy   string            `json:"assignedBy,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Recurrence   *model.Recurrence `json:"recurrence,omitempty"`
}

type TransferRequest struct {
	To     model.Assignee `json:"to"`
	Date   time.Time      `json:"date"`
	Reason string         `json:"reason,omitempty"`
	By     string         `json:"by,omitempty"`
}

// ProgressUpdate changes an assignment's status, completion or score. Nil fields are left alone.
type ProgressUpdate struct {
	Status               *model.AssignmentStatus `json:"status,omitempty"`
	CompletionPercentage *int                    `json:"completionPercentage,omitempty"`
	PerformanceScore     *float64                `json:"performanceScore,omitempty"`
	Note                 string                  `json:"note,omitempty"`
}

func (s *Scheduler) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *Scheduler) log() *logger.Logger { return logger.Or(s.Log) }

func (s *Scheduler) publish(routeID, typ string, data map[string]any) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(routeID, events.New(typ, routeID, data))
}

// Assign creates the route's only active assignment.
func (s *Scheduler) Assign(ctx context.Context, tenantID, routeID string, req AssignRequest) (model.RouteAssignment, error) {
	if err := req.Assignee.Validate(); err != nil {
		return model.RouteAssignment{}, apperrors.Validation("assignee", "%v", err)
	}
	date := req.AssignedDate
	if date.IsZero() {
		date = s.now()
	}
	date = model.Date(date)
	rec, err := normalizeRecurrence(req.Recurrence, date)
	if err != nil {
		return model.RouteAssignment{}, err
	}
	r, err := s.route(ctx, tenantID, routeID)
	if err != nil {
		return model.RouteAssignment{}, err
	}
	active, err := s.active(ctx, tenantID, routeID)
	if err != nil {
		return model.RouteAssignment{}, err
	}
	if len(active) > 0 {
		return model.RouteAssignment{}, &apperrors.DuplicateActiveAssignmentError{RouteID: routeID, ExistingID: active[0].ID}
	}

	a := model.RouteAssignment{
		RouteID:      routeID,
		Assignee:     req.Assignee,
		AssignedBy:   req.AssignedBy,
		AssignedDate: date,
		Status:       model.AssignmentAssigned,
		Notes:        strings.TrimSpace(req.Notes),
	}
	applyRecurrence(&a, rec)
	created, err := s.Store.CreateExclusiveAssignment(ctx, tenantID, a)
	switch {
	case errors.Is(err, store.ErrActiveAssignment):
		return model.RouteAssignment{}, &apperrors.DuplicateActiveAssignmentError{RouteID: routeID}
	case err != nil:
		return model.RouteAssignment{}, fmt.Errorf("create assignment on route %s: %w", routeID, err)
	}
	if err := s.activate(ctx, tenantID, r); err != nil {
		return model.RouteAssignment{}, err
	}
	metrics.Assignments.WithLabelValues("assign").Inc()
	s.log().WithTenant(tenantID).WithFields(map[string]interface{}{
		"route_id":      routeID,
		"assignment_id": created.ID,
		"assignee":      created.Assignee.String(),
	}).Info("route assigned")
	s.publish(routeID, events.AssignmentCreated, map[string]any{"assignmentId": created.ID, "assignee": created.Assignee.String()})
	return created, nil
}

// Transfer closes every active assignment on the route as transferred and
// opens a new one for the target assignee. Closed rows keep their history;
// only status and an appended audit note change.
func (s *Scheduler) Transfer(ctx context.Context, tenantID, routeID string, req TransferRequest) (model.RouteAssignment, error) {
	if err := req.To.Validate(); err != nil {
		return model.RouteAssignment{}, apperrors.Validation("to", "%v", err)
	}
	if _, err := s.route(ctx, tenantID, routeID); err != nil {
		return model.RouteAssignment{}, err
	}
	active, err := s.active(ctx, tenantID, routeID)
	if err != nil {
		return model.RouteAssignment{}, err
	}
	if len(active) == 0 {
		return model.RouteAssignment{}, &apperrors.NoActiveAssignmentError{RouteID: routeID}
	}
	current := active[len(active)-1]
	if current.Assignee == req.To {
		return model.RouteAssignment{}, apperrors.ErrSameAssignee
	}

	now := s.now()
	date := req.Date
	if date.IsZero() {
		date = now
	}
	reason := strings.TrimSpace(req.Reason)
	closed := make([]model.RouteAssignment, 0, len(active))
	for _, a := range active {
		a.Status = model.AssignmentTransferred
		a.Notes = appendNote(a.Notes, transferNote(a.Assignee, req.To, now, reason))
		closed = append(closed, a)
	}

	notes := transferredFromPrefix + current.Assignee.String()
	if reason != "" {
		notes += "\nReason: " + reason
	}
	next := model.RouteAssignment{
		RouteID:      routeID,
		Assignee:     req.To,
		AssignedBy:   req.By,
		AssignedDate: model.Date(date),
		Status:       model.AssignmentAssigned,
		Notes:        notes,
	}
	applyRecurrence(&next, current.Recurrence())

	created, err := s.Store.TransferAssignments(ctx, tenantID, closed, next)
	if err != nil {
		return model.RouteAssignment{}, fmt.Errorf("transfer route %s to %s: %w", routeID, req.To, err)
	}
	metrics.Assignments.WithLabelValues("transfer").Inc()
	s.log().WithTenant(tenantID).WithFields(map[string]interface{}{
		"route_id": routeID,
		"from":     current.Assignee.String(),
		"to":       req.To.String(),
		"closed":   len(closed),
	}).Info("route transferred")
	s.publish(routeID, events.AssignmentTransferred, map[string]any{
		"assignmentId": created.ID,
		"from":         current.Assignee.String(),
		"to":           req.To.String(),
	})
	return created, nil
}

// UpdateProgress moves an assignment along assigned, accepted, in_progress
// and completed, stamping actual start and end.
func (s *Scheduler) UpdateProgress(ctx context.Context, tenantID, assignmentID string, up ProgressUpdate) (model.RouteAssignment, error) {
	a, err := s.Store.GetAssignment(ctx, tenantID, assignmentID)
	if errors.Is(err, store.ErrNotFound) {
		return model.RouteAssignment{}, &apperrors.NotFoundError{Entity: "assignment", ID: assignmentID}
	}
	if err != nil {
		return model.RouteAssignment{}, err
	}
	now := s.now()
	if up.Status != nil && *up.Status != a.Status {
		to := *up.Status
		if !to.Valid() {
			return model.RouteAssignment{}, apperrors.Validation("status", "unknown assignment status %q", to)
		}
		if !a.Status.CanTransition(to) {
			return model.RouteAssignment{}, &apperrors.InvalidTransitionError{Entity: "assignment", From: string(a.Status), To: string(to)}
		}
		a.Status = to
		switch to {
		case model.AssignmentInProgress:
			if a.ActualStart == nil {
				a.ActualStart = &now
			}
		case model.AssignmentCompleted:
			a.ActualEnd = &now
			a.CompletionPercentage = 100
		}
	}
	if up.CompletionPercentage != nil {
		c := *up.CompletionPercentage
		if c < 0 || c > 100 {
			return model.RouteAssignment{}, apperrors.Validation("completionPercentage", "must be between 0 and 100, got %d", c)
		}
		if a.Status.IsTerminal() && a.Status != model.AssignmentCompleted {
			return model.RouteAssignment{}, &apperrors.InvalidTransitionError{Entity: "assignment", From: string(a.Status), To: "progress"}
		}
		if a.Status != model.AssignmentCompleted {
			a.CompletionPercentage = c
		}
	}
	if up.PerformanceScore != nil {
		v := *up.PerformanceScore
		a.PerformanceScore = &v
	}
	if n := strings.TrimSpace(up.Note); n != "" {
		a.Notes = appendNote(a.Notes, n)
	}
	if err := s.Store.UpdateAssignment(ctx, tenantID, a); err != nil {
		return model.RouteAssignment{}, fmt.Errorf("update assignment %s: %w", assignmentID, err)
	}
	s.publish(a.RouteID, events.AssignmentUpdated, map[string]any{
		"assignmentId": a.ID,
		"status":       a.Status,
		"completion":   a.CompletionPercentage,
	})
	return a, nil
}

func (s *Scheduler) ListAssignments(ctx context.Context, tenantID string, f model.AssignmentFilter) ([]model.RouteAssignment, error) {
	return s.Store.ListAssignments(ctx, tenantID, f)
}

func (s *Scheduler) route(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	r, err := s.Store.GetRoute(ctx, tenantID, routeID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Route{}, &apperrors.NotFoundError{Entity: "route", ID: routeID}
	}
	if err != nil {
		return model.Route{}, err
	}
	if r.Status == model.RouteArchived {
		return model.Route{}, apperrors.ErrRouteArchived
	}
	return r, nil
}

func (s *Scheduler) active(ctx context.Context, tenantID, routeID string) ([]model.RouteAssignment, error) {
	active, err := s.Store.ListAssignments(ctx, tenantID, model.AssignmentFilter{
		RouteID: routeID,
		Status:  []model.AssignmentStatus{model.AssignmentAssigned, model.AssignmentAccepted, model.AssignmentInProgress},
	})
	if err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	return active, nil
}

// activate moves a draft route to active once it has an assignee.
func (s *Scheduler) activate(ctx context.Context, tenantID string, r model.Route) error {
	if r.Status != model.RouteDraft {
		return nil
	}
	r.Status = model.RouteActive
	if _, err := s.Store.UpdateRoute(ctx, tenantID, r); err != nil {
		return fmt.Errorf("activate route %s: %w", r.ID, err)
	}
	s.publish(r.ID, events.RouteStatus, map[string]any{"from": model.RouteDraft, "to": model.RouteActive})
	return nil
}

func normalizeRecurrence(rec *model.Recurrence, date time.Time) (*model.Recurrence, error) {
	if rec == nil {
		return nil, nil
	}
	out := *rec
	if !out.Pattern.Valid() {
		return nil, apperrors.Validation("recurrence.pattern", "must be weekly, biweekly or monthly, got %q", out.Pattern)
	}
	if out.DayOfWeek == nil {
		dow := int(date.Weekday())
		out.DayOfWeek = &dow
	} else if *out.DayOfWeek < 0 || *out.DayOfWeek > 6 {
		return nil, apperrors.Validation("recurrence.dayOfWeek", "must be 0-6, got %d", *out.DayOfWeek)
	}
	if out.Until != nil {
		u := model.Date(*out.Until)
		if u.Before(date) {
			return nil, apperrors.Validation("recurrence.until", "ends before the assigned date")
		}
		out.Until = &u
	}
	return &out, nil
}

func applyRecurrence(a *model.RouteAssignment, rec *model.Recurrence) {
	if rec == nil {
		return
	}
	a.IsRecurring = true
	a.RecurrencePattern = rec.Pattern
	a.DayOfWeek = rec.DayOfWeek
	a.RecurringUntil = rec.Until
}

func transferNote(from, to model.Assignee, at time.Time, reason string) string {
	note := fmt.Sprintf("[%s] TRANSFERRED from %s to %s", at.Format(time.RFC3339), from, to)
	if reason != "" {
		note += ". Reason: " + reason
	}
	return note
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
