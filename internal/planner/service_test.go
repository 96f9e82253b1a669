package planner

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/distance"
	"fieldroute/internal/events"
	"fieldroute/internal/model"
	"fieldroute/internal/opt"
	"fieldroute/internal/store"
)

const tenant = "t_test"

// recordingStore captures every stop_order written so the two-phase write can be checked.
type recordingStore struct {
	store.Store
	writes []int
	failAt int // fail the n-th UpdateRouteStop (1-based), 0 never
}

func (r *recordingStore) UpdateRouteStop(ctx context.Context, tenantID string, s model.RouteStop) error {
	r.writes = append(r.writes, s.StopOrder)
	if r.failAt > 0 && len(r.writes) == r.failAt {
		return errors.New("write failed")
	}
	return r.Store.UpdateRouteStop(ctx, tenantID, s)
}

type failingProvider struct{ calls int }

func (f *failingProvider) Name() string { return "failing" }
func (f *failingProvider) Matrix(context.Context, []model.GeoPoint, model.OptimizationSettings) (opt.Matrix, error) {
	f.calls++
	return opt.Matrix{}, errors.New("upstream 503")
}

func newService(t *testing.T, st store.Store, p opt.Provider) (*Service, *events.Memory) {
	t.Helper()
	b := events.NewMemory()
	s := New(st, opt.New(p), b, nil)
	s.Now = func() time.Time { return time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC) }
	return s, b
}

func seedOutlets(t *testing.T, s *Service, pts ...model.GeoPoint) []string {
	t.Helper()
	ids := make([]string, 0, len(pts))
	for i, p := range pts {
		p := p
		o, err := s.CreateOutlet(context.Background(), tenant, model.OutletInput{Name: string(rune('A' + i)), Location: &p})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	return ids
}

func stopInputs(ids ...string) []model.StopInput {
	out := make([]model.StopInput, len(ids))
	for i, id := range ids {
		out[i] = model.StopInput{OutletID: id, EstimatedDurationMin: 10}
	}
	return out
}

func orders(r model.Route) []int {
	out := make([]int, len(r.Stops))
	for i, s := range r.Stops {
		out[i] = s.StopOrder
	}
	sort.Ints(out)
	return out
}

func TestCreateRouteAssignsInputOrder(t *testing.T) {
	s, _ := newService(t, store.NewMemory(), distance.NewEuclidean(60))
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10}, model.GeoPoint{Lat: 11, Lng: 10}, model.GeoPoint{Lat: 12, Lng: 10})

	r, err := s.CreateRoute(context.Background(), tenant, "u1", model.RouteInput{Name: " Downtown ", Stops: stopInputs(ids[2], ids[0], ids[1])})
	require.NoError(t, err)
	assert.Equal(t, "Downtown", r.Name)
	assert.Equal(t, model.RouteDraft, r.Status)
	assert.Equal(t, model.OptimizeDistance, r.OptimizationType)
	assert.Equal(t, 3, r.TotalStops)
	assert.Equal(t, 30, r.TotalEstimatedDuration)
	assert.Zero(t, r.TotalEstimatedDistance)
	assert.False(t, r.TotalsReliable())
	require.Len(t, r.Stops, 3)
	assert.Equal(t, []string{ids[2], ids[0], ids[1]}, []string{r.Stops[0].OutletID, r.Stops[1].OutletID, r.Stops[2].OutletID})
	assert.Equal(t, []int{1, 2, 3}, orders(r))
}

func TestCreateRouteValidation(t *testing.T) {
	s, _ := newService(t, store.NewMemory(), distance.NewEuclidean(60))
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10})
	ctx := context.Background()

	_, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "  ", Stops: stopInputs(ids[0])})
	assert.True(t, apperrors.IsValidation(err))

	_, err = s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs(ids[0], ids[0])})
	assert.True(t, apperrors.IsValidation(err))

	_, err = s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs("missing")})
	assert.ErrorIs(t, err, apperrors.ErrOutletNotFound)

	_, err = s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", OptimizationType: "fastest", Stops: stopInputs(ids[0])})
	assert.True(t, apperrors.IsValidation(err))

	_, err = s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", StartLocation: &model.RouteEndpoint{}, Stops: stopInputs(ids[0])})
	assert.True(t, apperrors.IsValidation(err))
}

func TestOptimizeRouteProducesDenseOrder(t *testing.T) {
	st := &recordingStore{Store: store.NewMemory()}
	s, b := newService(t, st, distance.NewEuclidean(60))
	ids := seedOutlets(t, s,
		model.GeoPoint{Lat: 10, Lng: 10}, model.GeoPoint{Lat: 10, Lng: 13},
		model.GeoPoint{Lat: 14, Lng: 10}, model.GeoPoint{Lat: 14, Lng: 13})
	ctx := context.Background()
	r, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{
		Name:          "Downtown Loop",
		RouteDate:     "2025-03-04",
		StartLocation: &model.RouteEndpoint{OutletID: ids[0]},
		Stops:         stopInputs(ids[3], ids[1], ids[2], ids[0]),
	})
	require.NoError(t, err)
	ch := b.Subscribe(r.ID)
	defer b.Unsubscribe(r.ID, ch)

	got, res, err := s.OptimizeRoute(ctx, tenant, r.ID, model.OptimizationSettings{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, orders(got))
	assert.Empty(t, res.Warnings)

	at := map[string]model.GeoPoint{}
	for _, id := range ids {
		o, err := s.GetOutlet(ctx, tenant, id)
		require.NoError(t, err)
		at[id] = *o.Location
	}
	assert.InDelta(t, pathLength(at[ids[0]], at, res.Order()), res.TotalDistanceKm, 1e-9)
	assert.LessOrEqual(t, res.TotalDistanceKm, pathLength(at[ids[0]], at, []string{ids[3], ids[1], ids[2], ids[0]}))
	assert.Equal(t, model.OrderingStable, got.OrderingState)
	assert.True(t, got.TotalsReliable())
	assert.InDelta(t, res.TotalDistanceKm, got.TotalEstimatedDistance, 1e-9)
	assert.Equal(t, travelMinutes(res.TotalDurationMin)+40, got.TotalEstimatedDuration)
	for i, stop := range got.Stops {
		assert.Equal(t, res.Stops[i].StopID, stop.OutletID)
		require.NotNil(t, stop.EstimatedArrival)
		assert.False(t, stop.EstimatedArrival.Before(time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)))
	}

	// phase 1 writes 4 distinct negatives, phase 2 writes 1..4
	require.Len(t, st.writes, 8)
	seen := map[int]bool{}
	for _, o := range st.writes[:4] {
		assert.Less(t, o, 0)
		assert.False(t, seen[o])
		seen[o] = true
	}
	assert.Equal(t, []int{1, 2, 3, 4}, st.writes[4:])

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{events.RouteReordered, events.RouteOptimized}, types)
	assert.Equal(t, 1, s.RunStats(tenant)[model.OptimizeDistance].Runs)
}

// pathLength walks ids from start over planar coordinates.
func pathLength(start model.GeoPoint, at map[string]model.GeoPoint, ids []string) float64 {
	total, prev := 0.0, start
	for _, id := range ids {
		total += math.Hypot(at[id].Lat-prev.Lat, at[id].Lng-prev.Lng)
		prev = at[id]
	}
	return total
}

func TestOptimizeRouteWarnsAboutUnplacedAnchors(t *testing.T) {
	s, _ := newService(t, store.NewMemory(), distance.NewEuclidean(60))
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10}, model.GeoPoint{Lat: 10, Lng: 13})
	ctx := context.Background()
	r, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{
		Name:          "Address only",
		StartLocation: &model.RouteEndpoint{Address: "12 Depot Road"},
		EndLocation:   &model.RouteEndpoint{OutletID: ids[1]},
		Stops:         stopInputs(ids[0], ids[1]),
	})
	require.NoError(t, err)

	got, res, err := s.OptimizeRoute(ctx, tenant, r.ID, model.OptimizationSettings{})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], `start location "12 Depot Road" has no coordinates`)
	assert.Zero(t, res.StartLegKm)
	assert.InDelta(t, 3.0, res.TotalDistanceKm, 1e-9)
	require.NotNil(t, got.LastOptimization)
}

func TestOptimizeRouteProviderFailureLeavesRouteUntouched(t *testing.T) {
	p := &failingProvider{}
	st := &recordingStore{Store: store.NewMemory()}
	s, _ := newService(t, st, p)
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10}, model.GeoPoint{Lat: 11, Lng: 11})
	ctx := context.Background()
	r, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs(ids[1], ids[0])})
	require.NoError(t, err)

	_, _, err = s.OptimizeRoute(ctx, tenant, r.ID, model.OptimizationSettings{})
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderUnavailable(err))
	assert.Equal(t, 1, p.calls)
	assert.Empty(t, st.writes)

	after, err := s.GetRoute(ctx, tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Stops, after.Stops)
	assert.Nil(t, after.LastOptimization)
	assert.Equal(t, 1, s.RunStats(tenant)[model.OptimizeDistance].Failures)
}

func TestOptimizeRouteInsufficientStops(t *testing.T) {
	p := &failingProvider{}
	s, _ := newService(t, store.NewMemory(), p)
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10})
	noLoc, err := s.CreateOutlet(context.Background(), tenant, model.OutletInput{Name: "nowhere"})
	require.NoError(t, err)
	r, err := s.CreateRoute(context.Background(), tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs(ids[0], noLoc.ID)})
	require.NoError(t, err)

	_, _, err = s.OptimizeRoute(context.Background(), tenant, r.ID, model.OptimizationSettings{})
	assert.True(t, apperrors.IsInsufficientStops(err))
	assert.Zero(t, p.calls)
}

func TestReorderRejectsStaleResult(t *testing.T) {
	s, _ := newService(t, store.NewMemory(), distance.NewEuclidean(60))
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10}, model.GeoPoint{Lat: 11, Lng: 11}, model.GeoPoint{Lat: 12, Lng: 12})
	ctx := context.Background()
	r, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs(ids[0], ids[1])})
	require.NoError(t, err)

	res := model.OptimizedRoute{Stops: []model.OptimizedStop{{StopID: ids[1]}, {StopID: ids[2]}}}
	_, err = s.ReorderAfterOptimization(ctx, tenant, r.ID, res)
	require.Error(t, err)
	var mm *apperrors.StopSetMismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, []string{ids[0]}, mm.Missing)
	assert.Equal(t, []string{ids[2]}, mm.Unexpected)

	dup := model.OptimizedRoute{Stops: []model.OptimizedStop{{StopID: ids[0]}, {StopID: ids[0]}}}
	_, err = s.ReorderAfterOptimization(ctx, tenant, r.ID, dup)
	assert.True(t, apperrors.IsStopSetMismatch(err))

	after, err := s.GetRoute(ctx, tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderingStable, after.OrderingState)
}

func TestReorderRecoversFromInterruptedRun(t *testing.T) {
	st := &recordingStore{Store: store.NewMemory(), failAt: 5}
	s, _ := newService(t, st, distance.NewEuclidean(60))
	ids := seedOutlets(t, s,
		model.GeoPoint{Lat: 10, Lng: 10}, model.GeoPoint{Lat: 11, Lng: 11},
		model.GeoPoint{Lat: 12, Lng: 12}, model.GeoPoint{Lat: 13, Lng: 13})
	ctx := context.Background()
	r, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs(ids...)})
	require.NoError(t, err)

	res := model.OptimizedRoute{Stops: []model.OptimizedStop{{StopID: ids[3]}, {StopID: ids[2]}, {StopID: ids[1]}, {StopID: ids[0]}}}
	_, err = s.ReorderAfterOptimization(ctx, tenant, r.ID, res)
	require.Error(t, err)

	mid, err := s.GetRoute(ctx, tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderingReordering, mid.OrderingState)
	assert.False(t, mid.OrderTrusted())
	_, err = s.AddStop(ctx, tenant, r.ID, model.StopInput{OutletID: ids[0]})
	assert.True(t, apperrors.IsInvalidTransition(err))

	st.failAt = 0
	done, err := s.ReorderAfterOptimization(ctx, tenant, r.ID, res)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, orders(done))
	assert.Equal(t, ids[3], done.Stops[0].OutletID)
	assert.True(t, done.OrderTrusted())
}

func TestPlaceholderBase(t *testing.T) {
	stops := []model.RouteStop{{StopOrder: 1}, {StopOrder: -9}, {StopOrder: 3}}
	assert.Equal(t, 10, placeholderBase(stops))
	assert.Equal(t, 4, placeholderBase([]model.RouteStop{{StopOrder: 1}, {StopOrder: 2}, {StopOrder: 3}}))
}

func TestRecomputeTotalsAfterStopChanges(t *testing.T) {
	s, _ := newService(t, store.NewMemory(), distance.NewEuclidean(60))
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10}, model.GeoPoint{Lat: 10, Lng: 11}, model.GeoPoint{Lat: 10, Lng: 12})
	ctx := context.Background()
	r, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs(ids[0], ids[1])})
	require.NoError(t, err)
	_, _, err = s.OptimizeRoute(ctx, tenant, r.ID, model.OptimizationSettings{})
	require.NoError(t, err)

	// unchanged stops keep the optimized totals
	same, err := s.RecomputeTotals(ctx, tenant, r.ID)
	require.NoError(t, err)
	assert.True(t, same.TotalsReliable())
	assert.InDelta(t, 1.0, same.TotalEstimatedDistance, 1e-9)

	added, err := s.AddStop(ctx, tenant, r.ID, model.StopInput{OutletID: ids[2], EstimatedDurationMin: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, added.TotalStops)
	assert.Equal(t, 25, added.TotalEstimatedDuration)
	assert.Zero(t, added.TotalEstimatedDistance)
	assert.False(t, added.TotalsReliable())
	assert.Equal(t, []int{1, 2, 3}, orders(added))

	removed, err := s.RemoveStop(ctx, tenant, r.ID, added.Stops[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed.TotalStops)
	assert.Equal(t, []int{1, 2}, orders(removed))
	assert.Equal(t, 15, removed.TotalEstimatedDuration)

	_, err = s.RemoveStop(ctx, tenant, r.ID, "nope")
	assert.ErrorIs(t, err, apperrors.ErrStopNotFound)
}

func TestDeleteRouteCascades(t *testing.T) {
	st := store.NewMemory()
	s, _ := newService(t, st, distance.NewEuclidean(60))
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10})
	ctx := context.Background()
	r, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs(ids[0])})
	require.NoError(t, err)
	_, err = st.CreateAssignment(ctx, tenant, model.RouteAssignment{RouteID: r.ID, Assignee: model.UserAssignee("u2"), AssignedDate: time.Now(), Status: model.AssignmentAssigned})
	require.NoError(t, err)

	assert.True(t, apperrors.IsOutletInUse(s.DeleteOutlet(ctx, tenant, ids[0])))
	require.NoError(t, s.DeleteRoute(ctx, tenant, r.ID))

	_, err = s.GetRoute(ctx, tenant, r.ID)
	assert.ErrorIs(t, err, apperrors.ErrRouteNotFound)
	left, err := st.ListAssignments(ctx, tenant, model.AssignmentFilter{RouteID: r.ID})
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.NoError(t, s.DeleteOutlet(ctx, tenant, ids[0]))
	assert.ErrorIs(t, s.DeleteRoute(ctx, tenant, r.ID), apperrors.ErrRouteNotFound)
}

func TestUpdateStatusTransitions(t *testing.T) {
	s, _ := newService(t, store.NewMemory(), distance.NewEuclidean(60))
	ids := seedOutlets(t, s, model.GeoPoint{Lat: 10, Lng: 10})
	ctx := context.Background()
	r, err := s.CreateRoute(ctx, tenant, "u1", model.RouteInput{Name: "r", Stops: stopInputs(ids[0])})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, tenant, r.ID, model.RouteCompleted)
	assert.True(t, apperrors.IsInvalidTransition(err))
	_, err = s.UpdateStatus(ctx, tenant, r.ID, model.RouteDraft)
	assert.True(t, apperrors.IsInvalidTransition(err))

	got, err := s.UpdateStatus(ctx, tenant, r.ID, model.RouteActive)
	require.NoError(t, err)
	assert.Equal(t, model.RouteActive, got.Status)
	_, err = s.UpdateStatus(ctx, tenant, r.ID, model.RouteDraft)
	assert.True(t, apperrors.IsInvalidTransition(err))

	got, err = s.UpdateStatus(ctx, tenant, r.ID, model.RouteArchived)
	require.NoError(t, err)
	assert.Equal(t, model.RouteArchived, got.Status)

	_, err = s.UpdateStatus(ctx, tenant, r.ID, model.RouteActive)
	assert.True(t, apperrors.IsInvalidTransition(err))
	_, _, err = s.OptimizeRoute(ctx, tenant, r.ID, model.OptimizationSettings{})
	assert.ErrorIs(t, err, apperrors.ErrRouteArchived)
}
