package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/distance"
	"fieldroute/internal/events"
	"fieldroute/internal/model"
	"fieldroute/internal/opt"
	"fieldroute/internal/planner"
	"fieldroute/internal/schedule"
	"fieldroute/internal/store"
)

var testNow = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	st := store.NewMemory()
	b := events.NewMemory()
	p := planner.New(st, opt.New(distance.NewEuclidean(60)), b, nil)
	p.Now = func() time.Time { return testNow }
	sch := schedule.New(st, b, nil)
	sch.Now = func() time.Time { return testNow }
	return NewServer(p, sch, st, b, nil, opts)
}

func do(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_test")
	req.Header.Set("X-User-Id", "dispatcher-1")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

// seedRoute creates four outlets on a square and a draft route visiting them.
func seedRoute(t *testing.T, h http.Handler) model.Route {
	t.Helper()
	points := []model.GeoPoint{{Lat: 10, Lng: 10}, {Lat: 14, Lng: 13}, {Lat: 10, Lng: 13}, {Lat: 14, Lng: 10}}
	stops := make([]map[string]any, 0, len(points))
	for i, p := range points {
		rr := do(t, h, http.MethodPost, "/v1/outlets", map[string]any{
			"name":     "Outlet " + string(rune('A'+i)),
			"location": p,
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		o := decode[model.Outlet](t, rr)
		stops = append(stops, map[string]any{"outletId": o.ID})
	}
	rr := do(t, h, http.MethodPost, "/v1/routes", map[string]any{
		"name":      "North loop",
		"routeDate": "2025-03-03",
		"stops":     stops,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[model.Route](t, rr)
}

func TestHealthAndReady(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()

	rr := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/debug/info", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"build"`)
}

func TestRouteLifecycle(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rt := seedRoute(t, h)
	assert.Equal(t, model.RouteDraft, rt.Status)
	assert.Equal(t, 4, rt.TotalStops)

	rr := do(t, h, http.MethodPost, "/v1/routes/"+rt.ID+"/optimize", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[optimizeResponse](t, rr)
	require.Len(t, res.Route.Stops, 4)
	for i, s := range res.Route.Stops {
		assert.Equal(t, i+1, s.StopOrder)
	}
	assert.NotNil(t, res.Route.OptimizedAt)
	assert.Equal(t, res.Optimized.Order(), outletIDs(res.Route.Stops))

	rr = do(t, h, http.MethodGet, "/v1/routes/"+rt.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[model.Route](t, rr)
	assert.InDelta(t, res.Optimized.TotalDistanceKm, got.TotalEstimatedDistance, 1e-9)

	rr = do(t, h, http.MethodDelete, "/v1/routes/"+rt.ID+"/stops/"+got.Stops[1].ID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	got = decode[model.Route](t, rr)
	assert.Equal(t, 3, got.TotalStops)
	assert.Equal(t, []int{1, 2, 3}, stopOrders(got.Stops))

	rr = do(t, h, http.MethodGet, "/v1/routes", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[listResponse[model.Route]](t, rr)
	assert.Len(t, list.Items, 1)

	rr = do(t, h, http.MethodGet, "/v1/routes", nil, "X-Tenant-Id", "t_other")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[listResponse[model.Route]](t, rr).Items)

	rr = do(t, h, http.MethodDelete, "/v1/routes/"+rt.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodGet, "/v1/routes/"+rt.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOptimizeNeedsTwoStops(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rr := do(t, h, http.MethodPost, "/v1/outlets", map[string]any{"name": "Solo", "location": model.GeoPoint{Lat: 1, Lng: 1}})
	require.Equal(t, http.StatusCreated, rr.Code)
	o := decode[model.Outlet](t, rr)
	rr = do(t, h, http.MethodPost, "/v1/routes", map[string]any{"name": "Tiny", "stops": []map[string]any{{"outletId": o.ID}}})
	require.Equal(t, http.StatusCreated, rr.Code)
	rt := decode[model.Route](t, rr)

	rr = do(t, h, http.MethodPost, "/v1/routes/"+rt.ID+"/optimize", map[string]any{"optimizationType": "distance"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = do(t, h, http.MethodDelete, "/v1/outlets/"+o.ID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAssignTransferAndProgress(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rt := seedRoute(t, h)
	base := "/v1/routes/" + rt.ID

	rr := do(t, h, http.MethodPost, base+"/assign", map[string]any{
		"assignee":     map[string]any{"type": "user", "id": "u1"},
		"assignedDate": "2025-03-03",
		"recurrence":   map[string]any{"pattern": "weekly"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decode[model.RouteAssignment](t, rr)
	assert.Equal(t, "dispatcher-1", first.AssignedBy)
	assert.True(t, first.IsRecurring)

	rr = do(t, h, http.MethodPost, base+"/assign", map[string]any{
		"assignee":     map[string]any{"type": "team", "id": "t1"},
		"assignedDate": "2025-03-04",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/routes/"+rt.ID, nil)
	assert.Equal(t, model.RouteActive, decode[model.Route](t, rr).Status)

	rr = do(t, h, http.MethodPost, base+"/transfer", map[string]any{
		"to":     map[string]any{"type": "user", "id": "u2"},
		"reason": "sick leave",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	second := decode[model.RouteAssignment](t, rr)
	assert.Contains(t, second.Notes, "Reason: sick leave")

	rr = do(t, h, http.MethodPost, base+"/transfer", map[string]any{"to": map[string]any{"type": "user", "id": "u2"}})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodGet, base+"/assignments?status=transferred", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	old := decode[listResponse[model.RouteAssignment]](t, rr).Items
	require.Len(t, old, 1)
	assert.Equal(t, first.ID, old[0].ID)

	rr = do(t, h, http.MethodPatch, "/v1/assignments/"+second.ID, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotNil(t, decode[model.RouteAssignment](t, rr).ActualStart)

	rr = do(t, h, http.MethodPatch, "/v1/assignments/"+second.ID, map[string]any{"status": "accepted"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, h, http.MethodPatch, "/v1/assignments/"+second.ID, map[string]any{"status": "completed"})
	require.Equal(t, http.StatusOK, rr.Code)
	done := decode[model.RouteAssignment](t, rr)
	assert.Equal(t, 100, done.CompletionPercentage)
}

func TestGenerateRecurring(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rt := seedRoute(t, h)
	rr := do(t, h, http.MethodPost, "/v1/routes/"+rt.ID+"/assign", map[string]any{
		"assignee":     map[string]any{"type": "team", "id": "crew-7"},
		"assignedDate": "2025-03-03",
		"recurrence":   map[string]any{"pattern": "weekly", "until": "2025-03-31"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	body := map[string]any{"asOf": "2025-03-03", "horizonDays": 14}
	rr = do(t, h, http.MethodPost, "/v1/admin/recurring/generate", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decode[generateResponse](t, rr)
	require.Len(t, res.Created, 2)
	assert.Equal(t, "2025-03-10", res.Created[0].AssignedDate.Format(time.DateOnly))
	assert.Equal(t, "2025-03-17", res.Created[1].AssignedDate.Format(time.DateOnly))

	rr = do(t, h, http.MethodPost, "/v1/admin/recurring/generate", body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[generateResponse](t, rr).Created)

	rr = do(t, h, http.MethodGet, "/v1/admin/recurring/status", nil)
	assert.JSONEq(t, `{"enabled":false}`, rr.Body.String())
}

func TestRequestValidation(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	rt := seedRoute(t, h)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown field", http.MethodPost, "/v1/routes", map[string]any{"name": "x", "bogus": 1}, http.StatusBadRequest},
		{"empty route", http.MethodPost, "/v1/routes", map[string]any{"name": "x"}, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/v1/routes/" + rt.ID + "/assign", map[string]any{
			"assignee": map[string]any{"type": "user", "id": "u1"}, "assignedDate": "03/03/2025",
		}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/v1/routes/" + rt.ID + "/assignments?status=lost", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/v1/outlets?limit=-1", nil, http.StatusBadRequest},
		{"missing route", http.MethodGet, "/v1/routes/does-not-exist", nil, http.StatusNotFound},
		{"transfer without assignment", http.MethodPost, "/v1/routes/" + rt.ID + "/transfer", map[string]any{
			"to": map[string]any{"type": "user", "id": "u9"},
		}, http.StatusConflict},
		{"method not allowed", http.MethodPut, "/v1/routes/" + rt.ID, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperrors.Validation("name", "required"), http.StatusBadRequest},
		{apperrors.ErrRouteNotFound, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{&apperrors.InsufficientStopsError{Valid: 1, Required: 2}, http.StatusUnprocessableEntity},
		{&apperrors.RoutingProviderUnavailableError{Provider: "ors", Err: errors.New("timeout")}, http.StatusBadGateway},
		{&apperrors.StopSetMismatchError{}, http.StatusConflict},
		{&apperrors.DuplicateActiveAssignmentError{RouteID: "r1"}, http.StatusConflict},
		{apperrors.ErrRouteArchived, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := classify(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestRateLimitPerTenant(t *testing.T) {
	h := newTestServer(t, Options{RateRPS: 0.001, RateBurst: 2}).Handler()

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/routes", nil).Code)
	}
	rr := do(t, h, http.MethodGet, "/v1/routes", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/routes", nil, "X-Tenant-Id", "t_other").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)
}

func TestRouteEventsSSE(t *testing.T) {
	s := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	rt := seedRoute(t, s.Handler())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/routes/"+rt.ID+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Tenant-Id", "t_test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	waitFor := func(prefix string) string {
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), prefix) {
				return lines.Text()
			}
		}
		t.Fatalf("stream ended before %q: %v", prefix, lines.Err())
		return ""
	}
	waitFor("event: ready")

	rr := do(t, s.Handler(), http.MethodPatch, "/v1/routes/"+rt.ID+"/status", map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, "event: "+events.RouteStatus, waitFor("event: "+events.RouteStatus))
	data := waitFor("data: ")
	assert.Contains(t, data, `"routeId":"`+rt.ID+`"`)
}

func TestRouteEventsWebsocket(t *testing.T) {
	s := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	rt := seedRoute(t, s.Handler())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/routes/" + rt.ID + "/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Tenant-Id": {"t_test"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "ready", evt.Type)

	rr := do(t, s.Handler(), http.MethodPost, "/v1/routes/"+rt.ID+"/optimize", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	seen := map[string]bool{}
	for !seen[events.RouteOptimized] {
		require.NoError(t, conn.ReadJSON(&evt))
		assert.Equal(t, rt.ID, evt.RouteID)
		seen[evt.Type] = true
	}
	assert.True(t, seen[events.RouteReordered])
}

func TestStreamsRejectUnknownRoute(t *testing.T) {
	h := newTestServer(t, Options{}).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/routes/nope/events/stream", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/routes/nope/events/ws", nil).Code)
}

func outletIDs(stops []model.RouteStop) []string {
	out := make([]string, len(stops))
	for i, s := range stops {
		out[i] = s.OutletID
	}
	return out
}

func stopOrders(stops []model.RouteStop) []int {
	out := make([]int, len(stops))
	for i, s := range stops {
		out[i] = s.StopOrder
	}
	return out
}
