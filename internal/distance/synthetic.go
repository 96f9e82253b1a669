package distance

import (
	"context"
	"math"

	"fieldroute/internal/model"
	"fieldroute/internal/opt"
)

const DefaultSpeedKph = 40.0

// Euclidean treats coordinates as planar kilometres. Used for tests and demos.
type Euclidean struct {
	SpeedKph float64
}

func NewEuclidean(speedKph float64) *Euclidean { return &Euclidean{SpeedKph: speedKph} }

func (e *Euclidean) Name() string { return "euclidean" }

func (e *Euclidean) Matrix(ctx context.Context, points []model.GeoPoint, _ model.OptimizationSettings) (opt.Matrix, error) {
	return buildMatrix(ctx, points, e.SpeedKph, func(a, b model.GeoPoint) float64 {
		return math.Hypot(a.Lat-b.Lat, a.Lng-b.Lng)
	})
}

// Haversine uses great-circle distance with a constant average speed.
type Haversine struct {
	SpeedKph float64
	// Circuity scales straight-line distance to approximate road distance.
	Circuity float64
}

func NewHaversine(speedKph float64) *Haversine { return &Haversine{SpeedKph: speedKph, Circuity: 1.0} }

func (h *Haversine) Name() string { return "haversine" }

func (h *Haversine) Matrix(ctx context.Context, points []model.GeoPoint, _ model.OptimizationSettings) (opt.Matrix, error) {
	c := h.Circuity
	if c <= 0 {
		c = 1
	}
	return buildMatrix(ctx, points, h.SpeedKph, func(a, b model.GeoPoint) float64 {
		return c * haversineMeters(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
	})
}

func buildMatrix(ctx context.Context, points []model.GeoPoint, speedKph float64, dist func(a, b model.GeoPoint) float64) (opt.Matrix, error) {
	if err := ctx.Err(); err != nil {
		return opt.Matrix{}, err
	}
	if speedKph <= 0 {
		speedKph = DefaultSpeedKph
	}
	n := len(points)
	m := opt.Matrix{DistanceKm: make([][]float64, n), DurationMin: make([][]float64, n)}
	for i := 0; i < n; i++ {
		m.DistanceKm[i] = make([]float64, n)
		m.DurationMin[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			d := dist(points[i], points[j])
			m.DistanceKm[i][j] = d
			m.DurationMin[i][j] = d / speedKph * 60
		}
	}
	return m, nil
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
