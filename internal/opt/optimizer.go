package opt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"fieldroute/internal/apperrors"
	"fieldroute/internal/logger"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
)

const (
	// MinStops is the smallest stop count worth optimizing.
	MinStops = 2

	DefaultFuelLitersPer100Km = 8.5
	DefaultCostPerLiter       = 1.60
	DefaultBalancedTolerance  = 0.05
	defaultTieEpsilon         = 1e-9
	twoOptSweeps              = 50
)

var ErrInvalidOrdering = errors.New("provider returned an invalid ordering")

// Optimizer orders stops for a single open route.
type Optimizer struct {
	Provider           Provider
	FuelLitersPer100Km float64
	CostPerLiter       float64
	// Timeout bounds each provider call when settings carry no timeout.
	Timeout time.Duration
	// BalancedTolerance is the relative cost window inside which the balanced
	// strategy lets priority decide.
	BalancedTolerance float64
	Log               *logger.Logger
}

func New(p Provider) *Optimizer {
	return &Optimizer{
		Provider:           p,
		FuelLitersPer100Km: DefaultFuelLitersPer100Km,
		CostPerLiter:       DefaultCostPerLiter,
		Timeout:            10 * time.Second,
		BalancedTolerance:  DefaultBalancedTolerance,
	}
}

// Optimize returns stops in visiting order with cumulative metrics. It never
// substitutes estimates for a failed provider call.
func (o *Optimizer) Optimize(ctx context.Context, stops []model.GeoStop, start, end *model.Anchor, settings model.OptimizationSettings) (model.OptimizedRoute, error) {
	if settings.Type == "" {
		settings.Type = model.OptimizeDistance
	}
	if _, err := model.ParseOptimizationType(string(settings.Type)); err != nil {
		return model.OptimizedRoute{}, apperrors.Validation("optimizationType", "%v", err)
	}
	if settings.TravelMode == "" {
		settings.TravelMode = model.TravelModeDriving
	}
	if err := validateStops(stops, start, end); err != nil {
		return model.OptimizedRoute{}, err
	}
	if o.Provider == nil {
		return model.OptimizedRoute{}, &apperrors.RoutingProviderUnavailableError{Err: errors.New("no routing provider configured")}
	}

	log := logger.Or(o.Log).WithFields(map[string]interface{}{
		"strategy": settings.Type,
		"stops":    len(stops),
		"provider": o.Provider.Name(),
	})
	began := time.Now()
	timeout := o.Timeout
	if settings.TimeoutMs > 0 {
		timeout = time.Duration(settings.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		res model.OptimizedRoute
		err error
	)
	if op, ok := o.Provider.(OrderingProvider); ok {
		res, err = o.fromOrdering(ctx, op, stops, start, end, settings)
	} else {
		res, err = o.fromMatrix(ctx, stops, start, end, settings)
	}
	elapsed := time.Since(began)
	metrics.OptimizationDuration.WithLabelValues(string(settings.Type)).Observe(elapsed.Seconds())
	if err != nil {
		metrics.OptimizationRuns.WithLabelValues(string(settings.Type), "error").Inc()
		log.WithError(err).Warn("route optimization failed")
		return model.OptimizedRoute{}, err
	}
	metrics.OptimizationRuns.WithLabelValues(string(settings.Type), "ok").Inc()

	res.Strategy = settings.Type
	res.Provider = o.Provider.Name()
	res.Warnings = append(res.Warnings, o.warnings(res, settings)...)
	log.WithFields(map[string]interface{}{
		"distance_km":  round(res.TotalDistanceKm, 3),
		"duration_min": round(res.TotalDurationMin, 1),
		"warnings":     len(res.Warnings),
		"elapsed_ms":   elapsed.Milliseconds(),
	}).Info("route optimized")
	return res, nil
}

// validateStops enforces the preconditions checked before any provider call.
func validateStops(stops []model.GeoStop, start, end *model.Anchor) error {
	valid := 0
	var invalid []string
	seen := make(map[string]struct{}, len(stops))
	for _, s := range stops {
		if s.ID == "" {
			return apperrors.Validation("stops", "stop id is required")
		}
		if _, dup := seen[s.ID]; dup {
			return apperrors.Validation("stops", "duplicate stop id %s", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Location.Valid() {
			valid++
		} else {
			invalid = append(invalid, s.ID)
		}
	}
	if valid < MinStops {
		return &apperrors.InsufficientStopsError{Valid: valid, Required: MinStops, Invalid: invalid}
	}
	if len(invalid) > 0 {
		return apperrors.Validation("stops", "stops without valid coordinates: %v", invalid)
	}
	if start != nil && !start.Location.Valid() {
		return apperrors.Validation("start", "start anchor has no valid coordinates")
	}
	if end != nil && !end.Location.Valid() {
		return apperrors.Validation("end", "end anchor has no valid coordinates")
	}
	return nil
}

func (o *Optimizer) unavailable(err error) error {
	metrics.ProviderErrors.WithLabelValues(o.Provider.Name()).Inc()
	var pe *apperrors.RoutingProviderUnavailableError
	if errors.As(err, &pe) {
		return err
	}
	return &apperrors.RoutingProviderUnavailableError{Provider: o.Provider.Name(), Err: err}
}

func (o *Optimizer) fromMatrix(ctx context.Context, stops []model.GeoStop, start, end *model.Anchor, settings model.OptimizationSettings) (model.OptimizedRoute, error) {
	points := make([]model.GeoPoint, 0, len(stops)+2)
	t := &tour{nodes: stops, start: -1, end: -1}
	if start != nil {
		t.start = 0
		points = append(points, start.Location)
	}
	t.off = len(points)
	for _, s := range stops {
		points = append(points, s.Location)
	}
	if end != nil {
		t.end = len(points)
		points = append(points, end.Location)
	}

	m, err := o.Provider.Matrix(ctx, points, settings)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return model.OptimizedRoute{}, o.unavailable(err)
	}
	if !m.valid(len(points)) {
		return model.OptimizedRoute{}, o.unavailable(fmt.Errorf("matrix does not cover %d points", len(points)))
	}

	t.cost = strategyCost(m, settings)
	t.eps = o.epsilon(settings.Type)

	seq := o.solve(t)
	return o.build(t, m, seq), nil
}

// solve picks the best of the greedy and input-order candidates after 2-opt.
func (o *Optimizer) solve(t *tour) []int {
	n := len(t.nodes)
	var greedy []int
	greedyCost := 0.0
	if t.start >= 0 {
		greedy = t.nearestNeighbor(-1)
		greedyCost = t.pathCost(greedy)
	} else {
		for first := 0; first < n; first++ {
			cand := t.nearestNeighbor(first)
			c := t.pathCost(cand)
			if t.prefer(cand, c, greedy, greedyCost) {
				greedy, greedyCost = cand, c
			}
		}
	}
	input := make([]int, n)
	for i := range input {
		input[i] = i
	}

	var best []int
	bestCost := 0.0
	for _, cand := range [][]int{greedy, input} {
		improved := t.improve2Opt(cand, twoOptSweeps)
		c := t.pathCost(improved)
		if t.prefer(improved, c, best, bestCost) {
			best, bestCost = improved, c
		}
	}
	return best
}

func (o *Optimizer) epsilon(typ model.OptimizationType) func(float64) float64 {
	if typ == model.OptimizeBalanced {
		tol := o.BalancedTolerance
		if tol <= 0 {
			tol = DefaultBalancedTolerance
		}
		return func(best float64) float64 { return math.Max(tol*math.Abs(best), defaultTieEpsilon) }
	}
	return func(float64) float64 { return defaultTieEpsilon }
}

// strategyCost returns the leg cost used to rank sequences.
func strategyCost(m Matrix, settings model.OptimizationSettings) costFunc {
	switch settings.Type {
	case model.OptimizeTime:
		return func(i, j int) float64 { return m.DurationMin[i][j] }
	case model.OptimizeBalanced:
		return weighted(m, 0.5, 0.5)
	case model.OptimizeCustom:
		wd, wt := settings.DistanceWeight, settings.TimeWeight
		if wd <= 0 && wt <= 0 {
			wd = 1
		}
		return weighted(m, math.Max(wd, 0), math.Max(wt, 0))
	default:
		return func(i, j int) float64 { return m.DistanceKm[i][j] }
	}
}

// weighted normalizes distance and duration by their largest leg.
func weighted(m Matrix, wd, wt float64) costFunc {
	maxD, maxT := 0.0, 0.0
	for i := range m.DistanceKm {
		for j := range m.DistanceKm[i] {
			maxD = math.Max(maxD, m.DistanceKm[i][j])
			maxT = math.Max(maxT, m.DurationMin[i][j])
		}
	}
	if maxD == 0 {
		maxD = 1
	}
	if maxT == 0 {
		maxT = 1
	}
	return func(i, j int) float64 {
		return wd*m.DistanceKm[i][j]/maxD + wt*m.DurationMin[i][j]/maxT
	}
}

// build computes per-stop and total metrics for seq from the matrix.
func (o *Optimizer) build(t *tour, m Matrix, seq []int) model.OptimizedRoute {
	legsD := make([]float64, 0, len(seq)+1)
	legsT := make([]float64, 0, len(seq)+1)
	prev := t.start
	for _, s := range seq {
		cur := t.idx(s)
		if prev >= 0 {
			legsD = append(legsD, m.DistanceKm[prev][cur])
			legsT = append(legsT, m.DurationMin[prev][cur])
		}
		prev = cur
	}
	if t.end >= 0 {
		legsD = append(legsD, m.DistanceKm[prev][t.end])
		legsT = append(legsT, m.DurationMin[prev][t.end])
	}
	stops := make([]model.GeoStop, len(seq))
	for i, s := range seq {
		stops[i] = t.nodes[s]
	}
	return o.assemble(stops, t.start >= 0, t.end >= 0, legsD, legsT, "")
}

// assemble turns an ordered stop list and its legs into an OptimizedRoute.
// legs has one entry per consecutive pair, anchors included.
func (o *Optimizer) assemble(stops []model.GeoStop, hasStart, hasEnd bool, legsD, legsT []float64, polyline string) model.OptimizedRoute {
	res := model.OptimizedRoute{Stops: make([]model.OptimizedStop, len(stops))}
	li := 0
	cumD, cumT, clock := 0.0, 0.0, 0.0
	for i, s := range stops {
		legD, legT := 0.0, 0.0
		if i > 0 || hasStart {
			legD, legT = legsD[li], legsT[li]
			li++
		}
		if i == 0 && hasStart {
			res.StartLegKm = legD
		}
		cumD += legD
		cumT += legT
		clock += legT
		res.Stops[i] = model.OptimizedStop{
			StopID:                s.ID,
			Seq:                   i + 1,
			Location:              s.Location,
			LegDistanceKm:         legD,
			LegDurationMin:        legT,
			CumulativeDistanceKm:  cumD,
			CumulativeDurationMin: cumT,
			ArrivalOffsetMin:      clock,
			DepartureOffsetMin:    clock + float64(s.ServiceMin),
		}
		clock += float64(s.ServiceMin)
		res.ServiceMin += s.ServiceMin
	}
	if hasEnd {
		res.EndLegKm = legsD[li]
		res.EndLegMin = legsT[li]
		cumD += legsD[li]
		cumT += legsT[li]
	}
	res.TotalDistanceKm = cumD
	res.TotalDurationMin = cumT
	res.EstimatedFuelL = round(cumD*o.fuelRate()/100, 2)
	res.EstimatedCost = round(res.EstimatedFuelL*o.costRate(), 2)
	res.Polyline = polyline
	if res.Polyline == "" {
		pts := make([]model.GeoPoint, 0, len(stops))
		for _, s := range stops {
			pts = append(pts, s.Location)
		}
		res.Polyline = EncodePolyline(pts)
	}
	return res
}

func (o *Optimizer) fromOrdering(ctx context.Context, op OrderingProvider, stops []model.GeoStop, start, end *model.Anchor, settings model.OptimizationSettings) (model.OptimizedRoute, error) {
	ord, err := op.OptimizedOrdering(ctx, stops, start, end, settings)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return model.OptimizedRoute{}, o.unavailable(err)
	}
	byID := make(map[string]model.GeoStop, len(stops))
	for _, s := range stops {
		byID[s.ID] = s
	}
	if len(ord.Order) != len(stops) {
		return model.OptimizedRoute{}, o.unavailable(fmt.Errorf("%w: %d ids for %d stops", ErrInvalidOrdering, len(ord.Order), len(stops)))
	}
	ordered := make([]model.GeoStop, 0, len(stops))
	used := make(map[string]bool, len(stops))
	for _, id := range ord.Order {
		s, ok := byID[id]
		if !ok || used[id] {
			return model.OptimizedRoute{}, o.unavailable(fmt.Errorf("%w: unexpected or repeated id %q", ErrInvalidOrdering, id))
		}
		used[id] = true
		ordered = append(ordered, s)
	}
	legs := len(stops) - 1
	if start != nil {
		legs++
	}
	if end != nil {
		legs++
	}
	if len(ord.LegDistancesKm) != legs || len(ord.LegDurationsMin) != legs {
		return model.OptimizedRoute{}, o.unavailable(fmt.Errorf("%w: want %d legs, got %d/%d", ErrInvalidOrdering, legs, len(ord.LegDistancesKm), len(ord.LegDurationsMin)))
	}
	return o.assemble(ordered, start != nil, end != nil, ord.LegDistancesKm, ord.LegDurationsMin, ord.Polyline), nil
}

func (o *Optimizer) warnings(res model.OptimizedRoute, settings model.OptimizationSettings) []string {
	var out []string
	if settings.MaxRouteDistanceKm > 0 && res.TotalDistanceKm > settings.MaxRouteDistanceKm {
		out = append(out, fmt.Sprintf("total distance %.1f km exceeds maximum %.1f km", res.TotalDistanceKm, settings.MaxRouteDistanceKm))
	}
	total := res.TotalDurationMin + float64(res.ServiceMin)
	if settings.MaxRouteDurationMin > 0 && total > settings.MaxRouteDurationMin {
		out = append(out, fmt.Sprintf("estimated duration %.0f min exceeds maximum %.0f min", total, settings.MaxRouteDurationMin))
	}
	honors := false
	if pa, ok := o.Provider.(PreferenceAware); ok {
		honors = pa.HonorsPreferences()
	}
	if !honors {
		prefs := []struct {
			on   bool
			name string
		}{
			{settings.AvoidTolls, "avoid-tolls"},
			{settings.AvoidHighways, "avoid-highways"},
			{settings.PreferMainRoads, "prefer-main-roads"},
		}
		for _, p := range prefs {
			if p.on {
				out = append(out, fmt.Sprintf("routing provider %s ignores the %s preference", o.Provider.Name(), p.name))
			}
		}
	}
	sort.Strings(out)
	return out
}

func (o *Optimizer) fuelRate() float64 {
	if o.FuelLitersPer100Km > 0 {
		return o.FuelLitersPer100Km
	}
	return DefaultFuelLitersPer100Km
}

func (o *Optimizer) costRate() float64 {
	if o.CostPerLiter > 0 {
		return o.CostPerLiter
	}
	return DefaultCostPerLiter
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
