package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldroute/internal/events"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
)

// GenerateRecurringOccurrences creates the next occurrence of every live
// recurring assignment whose next date falls in [asOf, asOf+horizonDays].
// New rows are themselves recurring, so the pass repeats until nothing new
// is created; a second call with the same arguments creates nothing. The
// (route, assignee, date) existence check is the dedup key.
func (s *Scheduler) GenerateRecurringOccurrences(ctx context.Context, tenantID string, asOf time.Time, horizonDays int) ([]model.RouteAssignment, error) {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	from := model.Date(asOf)
	to := from.AddDate(0, 0, horizonDays)
	log := s.log().WithTenant(tenantID)

	created := []model.RouteAssignment{}
	for {
		sources, err := s.Store.ListRecurringSources(ctx, tenantID, from)
		if err != nil {
			return created, fmt.Errorf("list recurring assignments: %w", err)
		}
		made := 0
		for _, src := range sources {
			next, ok := NextOccurrence(src.AssignedDate, src.RecurrencePattern)
			if !ok {
				log.WithField("assignment_id", src.ID).Warnf("unknown recurrence pattern %q", src.RecurrencePattern)
				continue
			}
			if next.Before(from) || next.After(to) {
				continue
			}
			if src.RecurringUntil != nil && next.After(model.Date(*src.RecurringUntil)) {
				continue
			}
			exists, err := s.Store.AssignmentExists(ctx, tenantID, src.RouteID, src.Assignee, next)
			if err != nil {
				return created, fmt.Errorf("check occurrence %s on %s: %w", src.RouteID, next.Format(time.DateOnly), err)
			}
			if exists {
				continue
			}
			a, err := s.Store.CreateAssignment(ctx, tenantID, occurrence(src, next))
			if errors.Is(err, store.ErrConflict) {
				// another generator won the race for this date
				continue
			}
			if err != nil {
				return created, fmt.Errorf("create occurrence %s on %s: %w", src.RouteID, next.Format(time.DateOnly), err)
			}
			created = append(created, a)
			made++
			metrics.RecurringGenerated.Inc()
			metrics.Assignments.WithLabelValues("recurring").Inc()
			s.publish(a.RouteID, events.AssignmentGenerated, map[string]any{
				"assignmentId": a.ID,
				"sourceId":     src.ID,
				"date":         next.Format(time.DateOnly),
			})
		}
		if made == 0 {
			break
		}
	}
	log.WithFields(map[string]interface{}{
		"as_of":   from.Format(time.DateOnly),
		"horizon": horizonDays,
		"created": len(created),
	}).Info("recurring occurrences generated")
	return created, nil
}

func occurrence(src model.RouteAssignment, date time.Time) model.RouteAssignment {
	return model.RouteAssignment{
		RouteID:           src.RouteID,
		Assignee:          src.Assignee,
		AssignedBy:        src.AssignedBy,
		AssignedDate:      date,
		Status:            model.AssignmentAssigned,
		IsRecurring:       true,
		DayOfWeek:         src.DayOfWeek,
		RecurrencePattern: src.RecurrencePattern,
		RecurringUntil:    src.RecurringUntil,
		Notes:             fmt.Sprintf("%s from assignment %s (%s)", autoGeneratedPrefix, src.ID, src.RecurrencePattern),
	}
}
