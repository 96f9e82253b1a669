package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/model"
	"fieldroute/internal/schedule"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperrors.Validation("limit", "must be a non-negative integer")
	}
	return n, nil
}

// Outlets

func (s *Server) createOutlet(w http.ResponseWriter, r *http.Request) {
	var in model.OutletInput
	if err := decodeJSON(r, &in, false); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := s.Planner.CreateOutlet(r.Context(), s.withTenant(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOutlets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	items, next, err := s.Planner.ListOutlets(r.Context(), s.withTenant(r), model.OutletStatus(q.Get("status")), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.Outlet]{Items: items, NextCursor: next})
}

func (s *Server) getOutlet(w http.ResponseWriter, r *http.Request) {
	o, err := s.Planner.GetOutlet(r.Context(), s.withTenant(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) deleteOutlet(w http.ResponseWriter, r *http.Request) {
	if err := s.Planner.DeleteOutlet(r.Context(), s.withTenant(r), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes

func (s *Server) createRoute(w http.ResponseWriter, r *http.Request) {
	var in model.RouteInput
	if err := decodeJSON(r, &in, false); err != nil {
		writeError(w, r, err)
		return
	}
	rt, err := s.Planner.CreateRoute(r.Context(), s.withTenant(r), actor(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := model.RouteFilter{Status: model.RouteStatus(q.Get("status")), Cursor: q.Get("cursor"), Limit: limit}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, r, apperrors.Validation("status", "unknown route status %q", f.Status))
		return
	}
	items, next, err := s.Planner.ListRoutes(r.Context(), s.withTenant(r), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.Route]{Items: items, NextCursor: next})
}

func (s *Server) getRoute(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Planner.GetRoute(r.Context(), s.withTenant(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) deleteRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.Planner.DeleteRoute(r.Context(), s.withTenant(r), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateRouteStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status model.RouteStatus `json:"status"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, r, err)
		return
	}
	rt, err := s.Planner.UpdateStatus(r.Context(), s.withTenant(r), r.PathValue("id"), body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) addStop(w http.ResponseWriter, r *http.Request) {
	var in model.StopInput
	if err := decodeJSON(r, &in, false); err != nil {
		writeError(w, r, err)
		return
	}
	rt, err := s.Planner.AddStop(r.Context(), s.withTenant(r), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt)
}

func (s *Server) removeStop(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Planner.RemoveStop(r.Context(), s.withTenant(r), r.PathValue("id"), r.PathValue("stopId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

type optimizeResponse struct {
	Route     model.Route          `json:"route"`
	Optimized model.OptimizedRoute `json:"optimized"`
}

// optimizeRoute accepts optional settings; an empty body uses the route's own strategy.
func (s *Server) optimizeRoute(w http.ResponseWriter, r *http.Request) {
	var settings model.OptimizationSettings
	if err := decodeJSON(r, &settings, true); err != nil {
		writeError(w, r, err)
		return
	}
	rt, res, err := s.Planner.OptimizeRoute(r.Context(), s.withTenant(r), r.PathValue("id"), settings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, optimizeResponse{Route: rt, Optimized: res})
}

func (s *Server) recomputeRoute(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Planner.RecomputeTotals(r.Context(), s.withTenant(r), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

// Assignments

type recurrenceBody struct {
	Pattern   model.RecurrencePattern `json:"pattern"`
	DayOfWeek *int                    `json:"dayOfWeek,omitempty"`
	Until     string                  `json:"until,omitempty"`
}

type assignBody struct {
	Assignee     model.Assignee  `json:"assignee"`
	AssignedDate string          `json:"assignedDate,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Recurrence   *recurrenceBody `json:"recurrence,omitempty"`
}

func (b assignBody) request(by string) (schedule.AssignRequest, error) {
	req := schedule.AssignRequest{Assignee: b.Assignee, AssignedBy: by, Notes: b.Notes}
	if b.AssignedDate != "" {
		date, err := model.ParseDate(b.AssignedDate)
		if err != nil {
			return schedule.AssignRequest{}, badRequest("assignedDate", err)
		}
		req.AssignedDate = date
	}
	if b.Recurrence != nil {
		rec := &model.Recurrence{Pattern: b.Recurrence.Pattern, DayOfWeek: b.Recurrence.DayOfWeek}
		if b.Recurrence.Until != "" {
			until, err := model.ParseDate(b.Recurrence.Until)
			if err != nil {
				return schedule.AssignRequest{}, badRequest("recurrence.until", err)
			}
			rec.Until = &until
		}
		req.Recurrence = rec
	}
	return req, nil
}

func (s *Server) assignRoute(w http.ResponseWriter, r *http.Request) {
	var body assignBody
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := body.request(actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.Scheduler.Assign(r.Context(), s.withTenant(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) transferRoute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		To     model.Assignee `json:"to"`
		Date   string         `json:"date,omitempty"`
		Reason string         `json:"reason,omitempty"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		writeError(w, r, err)
		return
	}
	req := schedule.TransferRequest{To: body.To, Reason: body.Reason, By: actor(r)}
	if body.Date != "" {
		d, err := model.ParseDate(body.Date)
		if err != nil {
			writeError(w, r, badRequest("date", err))
			return
		}
		req.Date = d
	}
	a, err := s.Scheduler.Transfer(r.Context(), s.withTenant(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// listAssignments filters by ?status=a,b and an inclusive ?from=/?to= date range.
func (s *Server) listAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.AssignmentFilter{RouteID: r.PathValue("id"), AssigneeID: q.Get("assignee")}
	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := model.AssignmentStatus(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, r, apperrors.Validation("status", "unknown assignment status %q", st))
				return
			}
			f.Status = append(f.Status, st)
		}
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		d, err := model.ParseDate(v)
		if err != nil {
			writeError(w, r, badRequest(p.key, err))
			return
		}
		*p.dst = &d
	}
	if _, err := s.Planner.GetRoute(r.Context(), s.withTenant(r), f.RouteID); err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.Scheduler.ListAssignments(r.Context(), s.withTenant(r), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[model.RouteAssignment]{Items: items})
}

func (s *Server) updateAssignment(w http.ResponseWriter, r *http.Request) {
	var up schedule.ProgressUpdate
	if err := decodeJSON(r, &up, false); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.Scheduler.UpdateProgress(r.Context(), s.withTenant(r), r.PathValue("id"), up)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Admin

type generateResponse struct {
	AsOf        string                  `json:"asOf"`
	HorizonDays int                     `json:"horizonDays"`
	Created     []model.RouteAssignment `json:"created"`
}

func (s *Server) generateRecurring(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AsOf        string `json:"asOf,omitempty"`
		HorizonDays int    `json:"horizonDays,omitempty"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		writeError(w, r, err)
		return
	}
	date := time.Now().UTC()
	if s.Scheduler.Now != nil {
		date = s.Scheduler.Now()
	}
	if body.AsOf != "" {
		d, err := model.ParseDate(body.AsOf)
		if err != nil {
			writeError(w, r, badRequest("asOf", err))
			return
		}
		date = d
	}
	if body.HorizonDays < 0 {
		writeError(w, r, apperrors.Validation("horizonDays", "must not be negative"))
		return
	}
	horizon := body.HorizonDays
	if horizon == 0 {
		horizon = schedule.DefaultHorizonDays
	}
	created, err := s.Scheduler.GenerateRecurringOccurrences(r.Context(), s.withTenant(r), date, horizon)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		AsOf:        model.Date(date).Format(time.DateOnly),
		HorizonDays: horizon,
		Created:     created,
	})
}

func (s *Server) recurringStatus(w http.ResponseWriter, r *http.Request) {
	if s.Runner == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	last, err := s.Runner.LastRun()
	out := map[string]any{"enabled": true}
	if !last.IsZero() {
		out["lastRun"] = last.Format(time.RFC3339)
	}
	if err != nil {
		out["lastError"] = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) optimizerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Planner.RunStats(s.withTenant(r)))
}
