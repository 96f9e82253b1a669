package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldroute/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
// It enforces the same uniqueness rules as the Postgres schema.
type Memory struct {
	mu          sync.Mutex
	outlets     map[string]model.Outlet               // id -> outlet
	outletsTen  map[string][]string                   // tenant -> outlet ids in creation order
	routes      map[string]model.Route                // id -> route, Stops unset
	routesTen   map[string][]string                   // tenant -> route ids in creation order
	stops       map[string]map[string]model.RouteStop // routeId -> stopId -> stop
	assignments map[string]model.RouteAssignment      // id -> assignment
	assignOrder []string                              // assignment ids in creation order
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		outlets:     map[string]model.Outlet{},
		outletsTen:  map[string][]string{},
		routes:      map[string]model.Route{},
		routesTen:   map[string][]string{},
		stops:       map[string]map[string]model.RouteStop{},
		assignments: map[string]model.RouteAssignment{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Outlets

func (m *Memory) CreateOutlet(ctx context.Context, tenantID string, in model.OutletInput) (model.Outlet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := model.Outlet{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      in.Name,
		Address:   in.Address,
		Location:  in.Location,
		Status:    in.Status,
		CreatedAt: m.now(),
	}
	if o.Status == "" {
		o.Status = model.OutletActive
	}
	m.outlets[o.ID] = o
	m.outletsTen[tenantID] = append(m.outletsTen[tenantID], o.ID)
	return o, nil
}

func (m *Memory) GetOutlet(ctx context.Context, tenantID, id string) (model.Outlet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outlets[id]
	if !ok || o.TenantID != tenantID {
		return model.Outlet{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) GetOutlets(ctx context.Context, tenantID string, ids []string) (map[string]model.Outlet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Outlet, len(ids))
	for _, id := range ids {
		if o, ok := m.outlets[id]; ok && o.TenantID == tenantID {
			out[id] = o
		}
	}
	return out, nil
}

func (m *Memory) ListOutlets(ctx context.Context, tenantID string, status model.OutletStatus, cursor string, limit int) ([]model.Outlet, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	ids := m.outletsTen[tenantID]
	start := afterCursor(ids, cursor)
	out := []model.Outlet{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		o, ok := m.outlets[ids[i]]
		if !ok {
			continue
		}
		if status == "" || o.Status == status {
			out = append(out, o)
		}
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) DeleteOutlet(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outlets[id]
	if !ok || o.TenantID != tenantID {
		return ErrNotFound
	}
	for _, byID := range m.stops {
		for _, s := range byID {
			if s.OutletID == id {
				return ErrInUse
			}
		}
	}
	delete(m.outlets, id)
	m.outletsTen[tenantID] = removeID(m.outletsTen[tenantID], id)
	return nil
}

// Routes

func (m *Memory) CreateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	r.ID = uuid.New().String()
	r.TenantID = tenantID
	r.CreatedAt, r.UpdatedAt = now, now
	byID := map[string]model.RouteStop{}
	seen := map[int]bool{}
	for i := range r.Stops {
		s := r.Stops[i]
		if seen[s.StopOrder] {
			return model.Route{}, ErrConflict
		}
		seen[s.StopOrder] = true
		s.ID = uuid.New().String()
		s.RouteID = r.ID
		byID[s.ID] = s
	}
	r.Stops = nil
	m.routes[r.ID] = r
	m.routesTen[tenantID] = append(m.routesTen[tenantID], r.ID)
	m.stops[r.ID] = byID
	r.Stops = sortedStops(byID)
	return r, nil
}

func (m *Memory) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	r.Stops = sortedStops(m.stops[routeID])
	return r, nil
}

func (m *Memory) ListRoutes(ctx context.Context, tenantID string, f model.RouteFilter) ([]model.Route, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	ids := m.routesTen[tenantID]
	start := afterCursor(ids, f.Cursor)
	out := []model.Route{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		r, ok := m.routes[ids[i]]
		if !ok {
			continue
		}
		if f.Status == "" || r.Status == f.Status {
			out = append(out, r)
		}
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) UpdateRoute(ctx context.Context, tenantID string, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.routes[r.ID]
	if !ok || cur.TenantID != tenantID {
		return model.Route{}, ErrNotFound
	}
	r.TenantID = cur.TenantID
	r.CreatedAt = cur.CreatedAt
	r.CreatedBy = cur.CreatedBy
	r.UpdatedAt = m.now()
	r.Stops = nil
	m.routes[r.ID] = r
	r.Stops = sortedStops(m.stops[r.ID])
	return r, nil
}

func (m *Memory) DeleteRoute(ctx context.Context, tenantID, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.routes, routeID)
	delete(m.stops, routeID)
	m.routesTen[tenantID] = removeID(m.routesTen[tenantID], routeID)
	kept := m.assignOrder[:0]
	for _, id := range m.assignOrder {
		if m.assignments[id].RouteID == routeID {
			delete(m.assignments, id)
			continue
		}
		kept = append(kept, id)
	}
	m.assignOrder = kept
	return nil
}

func (m *Memory) ListTenants(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.routesTen))
	for t, ids := range m.routesTen {
		if len(ids) > 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Stops

func (m *Memory) ListRouteStops(ctx context.Context, tenantID, routeID string) ([]model.RouteStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return sortedStops(m.stops[routeID]), nil
}

func (m *Memory) AddRouteStop(ctx context.Context, tenantID string, s model.RouteStop) (model.RouteStop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[s.RouteID]
	if !ok || r.TenantID != tenantID {
		return model.RouteStop{}, ErrNotFound
	}
	for _, other := range m.stops[s.RouteID] {
		if other.StopOrder == s.StopOrder {
			return model.RouteStop{}, ErrConflict
		}
	}
	s.ID = uuid.New().String()
	if m.stops[s.RouteID] == nil {
		m.stops[s.RouteID] = map[string]model.RouteStop{}
	}
	m.stops[s.RouteID][s.ID] = s
	return s, nil
}

func (m *Memory) DeleteRouteStop(ctx context.Context, tenantID, routeID, stopID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[routeID]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	if _, ok := m.stops[routeID][stopID]; !ok {
		return ErrNotFound
	}
	delete(m.stops[routeID], stopID)
	return nil
}

func (m *Memory) UpdateRouteStop(ctx context.Context, tenantID string, s model.RouteStop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[s.RouteID]
	if !ok || r.TenantID != tenantID {
		return ErrNotFound
	}
	cur, ok := m.stops[s.RouteID][s.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.stops[s.RouteID] {
		if id != s.ID && other.StopOrder == s.StopOrder {
			return ErrConflict
		}
	}
	// outlet reference is immutable
	s.OutletID = cur.OutletID
	m.stops[s.RouteID][s.ID] = s
	return nil
}

// Assignments

func (m *Memory) insertAssignment(tenantID string, a model.RouteAssignment) (model.RouteAssignment, error) {
	r, ok := m.routes[a.RouteID]
	if !ok || r.TenantID != tenantID {
		return model.RouteAssignment{}, ErrNotFound
	}
	a.AssignedDate = model.Date(a.AssignedDate)
	if occupiesSlot(a.Status) {
		for _, other := range m.assignments {
			if other.RouteID == a.RouteID && other.Assignee == a.Assignee &&
				other.AssignedDate.Equal(a.AssignedDate) && occupiesSlot(other.Status) {
				return model.RouteAssignment{}, ErrConflict
			}
		}
	}
	now := m.now()
	a.ID = uuid.New().String()
	a.TenantID = tenantID
	a.CreatedAt, a.UpdatedAt = now, now
	m.assignments[a.ID] = a
	m.assignOrder = append(m.assignOrder, a.ID)
	return a, nil
}

func (m *Memory) CreateAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) (model.RouteAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAssignment(tenantID, a)
}

func (m *Memory) CreateExclusiveAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) (model.RouteAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.assignments {
		if other.RouteID == a.RouteID && other.Status.IsActive() {
			return model.RouteAssignment{}, ErrActiveAssignment
		}
	}
	return m.insertAssignment(tenantID, a)
}

func (m *Memory) GetAssignment(ctx context.Context, tenantID, id string) (model.RouteAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.TenantID != tenantID {
		return model.RouteAssignment{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAssignments(ctx context.Context, tenantID string, f model.AssignmentFilter) ([]model.RouteAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.RouteAssignment{}
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.TenantID == tenantID && matchesFilter(a, f) {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (m *Memory) UpdateAssignment(ctx context.Context, tenantID string, a model.RouteAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.assignments[a.ID]
	if !ok || cur.TenantID != tenantID {
		return ErrNotFound
	}
	a.TenantID, a.RouteID, a.CreatedAt = cur.TenantID, cur.RouteID, cur.CreatedAt
	a.UpdatedAt = m.now()
	m.assignments[a.ID] = a
	return nil
}

func (m *Memory) TransferAssignments(ctx context.Context, tenantID string, closed []model.RouteAssignment, next model.RouteAssignment) (model.RouteAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range closed {
		cur, ok := m.assignments[c.ID]
		if !ok || cur.TenantID != tenantID || !cur.Status.IsActive() {
			return model.RouteAssignment{}, ErrConflict
		}
	}
	now := m.now()
	prev := make(map[string]model.RouteAssignment, len(closed))
	for _, c := range closed {
		prev[c.ID] = m.assignments[c.ID]
		cur := m.assignments[c.ID]
		cur.Status = c.Status
		cur.Notes = c.Notes
		cur.UpdatedAt = now
		m.assignments[c.ID] = cur
	}
	created, err := m.insertAssignment(tenantID, next)
	if err != nil {
		for id, a := range prev {
			m.assignments[id] = a
		}
		return model.RouteAssignment{}, err
	}
	return created, nil
}

func (m *Memory) ListRecurringSources(ctx context.Context, tenantID string, asOf time.Time) ([]model.RouteAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := model.Date(asOf)
	out := []model.RouteAssignment{}
	for _, id := range m.assignOrder {
		a := m.assignments[id]
		if a.TenantID != tenantID || !a.IsRecurring {
			continue
		}
		if a.Status != model.AssignmentAssigned && a.Status != model.AssignmentAccepted {
			continue
		}
		if a.RecurringUntil != nil && model.Date(*a.RecurringUntil).Before(day) {
			continue
		}
		out = append(out, a)
	}
	sortAssignments(out)
	return out, nil
}

func (m *Memory) AssignmentExists(ctx context.Context, tenantID, routeID string, assignee model.Assignee, date time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := model.Date(date)
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.RouteID == routeID && a.Assignee == assignee && a.AssignedDate.Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

func sortedStops(byID map[string]model.RouteStop) []model.RouteStop {
	out := make([]model.RouteStop, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StopOrder != out[j].StopOrder {
			return out[i].StopOrder < out[j].StopOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortAssignments(as []model.RouteAssignment) {
	sort.SliceStable(as, func(i, j int) bool {
		if !as[i].AssignedDate.Equal(as[j].AssignedDate) {
			return as[i].AssignedDate.Before(as[j].AssignedDate)
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}

func afterCursor(ids []string, cursor string) int {
	if cursor == "" {
		return 0
	}
	for i, id := range ids {
		if id == cursor {
			return i + 1
		}
	}
	return len(ids)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
