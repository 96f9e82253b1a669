package opt

import (
	"context"

	"fieldroute/internal/model"
)

// Matrix holds point-to-point travel metrics. Row i, column j is the leg i -> j.
type Matrix struct {
	DistanceKm  [][]float64 `json:"distanceKm"`
	DurationMin [][]float64 `json:"durationMin"`
}

// Size returns the number of points covered by the matrix.
func (m Matrix) Size() int { return len(m.DistanceKm) }

func (m Matrix) valid(n int) bool {
	if len(m.DistanceKm) != n || len(m.DurationMin) != n {
		return false
	}
	for i := 0; i < n; i++ {
		if len(m.DistanceKm[i]) != n || len(m.DurationMin[i]) != n {
			return false
		}
		for j := 0; j < n; j++ {
			if m.DistanceKm[i][j] < 0 || m.DurationMin[i][j] < 0 {
				return false
			}
		}
	}
	return true
}

// Provider supplies travel distance and duration between points.
type Provider interface {
	Name() string
	Matrix(ctx context.Context, points []model.GeoPoint, settings model.OptimizationSettings) (Matrix, error)
}

// Ordering is a provider-computed visiting order. Legs run between consecutive
// points including the start and end anchors when present.
type Ordering struct {
	Order           []string
	LegDistancesKm  []float64
	LegDurationsMin []float64
	Polyline        string
}

// OrderingProvider is implemented by providers that solve the ordering themselves.
type OrderingProvider interface {
	Provider
	OptimizedOrdering(ctx context.Context, stops []model.GeoStop, start, end *model.Anchor, settings model.OptimizationSettings) (Ordering, error)
}

// PreferenceAware is implemented by providers that can honour avoid-tolls and
// avoid-highways preferences.
type PreferenceAware interface {
	HonorsPreferences() bool
}
