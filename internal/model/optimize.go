package model

import (
	"fmt"
	"strings"
)

type OptimizationType string

const (
	OptimizeDistance OptimizationType = "distance"
	OptimizeTime     OptimizationType = "time"
	OptimizeBalanced OptimizationType = "balanced"
	OptimizeCustom   OptimizationType = "custom"
)

// Strategies lists the supported optimization types.
func Strategies() []OptimizationType {
	return []OptimizationType{OptimizeDistance, OptimizeTime, OptimizeBalanced, OptimizeCustom}
}

// ParseOptimizationType accepts the four strategies; empty means distance.
func ParseOptimizationType(s string) (OptimizationType, error) {
	switch t := OptimizationType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return OptimizeDistance, nil
	case OptimizeDistance, OptimizeTime, OptimizeBalanced, OptimizeCustom:
		return t, nil
	}
	return "", fmt.Errorf("unknown optimization type %q (allowed: distance,time,balanced,custom)", s)
}

// GeoStop is one visitable location handed to the optimizer.
type GeoStop struct {
	ID         string   `json:"id"`
	Location   GeoPoint `json:"location"`
	ServiceMin int      `json:"serviceMin,omitempty"`
	Priority   int      `json:"priority,omitempty"`
}

// Anchor is a fixed start or end location that is not itself a stop.
type Anchor struct {
	Label    string   `json:"label,omitempty"`
	Location GeoPoint `json:"location"`
}

const TravelModeDriving = "driving-car"

type OptimizationSettings struct {
	Type            OptimizationType `json:"optimizationType"`
	AvoidTolls      bool             `json:"avoidTolls,omitempty"`
	AvoidHighways   bool             `json:"avoidHighways,omitempty"`
	PreferMainRoads bool             `json:"preferMainRoads,omitempty"`
	TravelMode      string           `json:"travelMode,omitempty"`
	// Soft caps. Exceeding them adds a warning.
	MaxRouteDistanceKm  float64 `json:"maxRouteDistanceKm,omitempty"`
	MaxRouteDurationMin float64 `json:"maxRouteDurationMin,omitempty"`
	// Custom strategy weights; both zero means distance only.
	DistanceWeight float64 `json:"distanceWeight,omitempty"`
	TimeWeight     float64 `json:"timeWeight,omitempty"`
	TimeoutMs      int     `json:"timeoutMs,omitempty"`
}

type OptimizedStop struct {
	StopID                string   `json:"stopId"`
	Seq                   int      `json:"seq"`
	Location              GeoPoint `json:"location"`
	LegDistanceKm         float64  `json:"legDistanceKm"`
	LegDurationMin        float64  `json:"legDurationMin"`
	CumulativeDistanceKm  float64  `json:"cumulativeDistanceKm"`
	CumulativeDurationMin float64  `json:"cumulativeDurationMin"`
	ArrivalOffsetMin      float64  `json:"arrivalOffsetMin"`
	DepartureOffsetMin    float64  `json:"departureOffsetMin"`
}

// OptimizedRoute is the optimizer output. Totals cover travel legs only,
// including anchor legs; ServiceMin is the sum of stop service durations.
type OptimizedRoute struct {
	Strategy         OptimizationType `json:"strategy"`
	Stops            []OptimizedStop  `json:"stops"`
	StartLegKm       float64          `json:"startLegKm,omitempty"`
	EndLegKm         float64          `json:"endLegKm,omitempty"`
	EndLegMin        float64          `json:"endLegMin,omitempty"`
	TotalDistanceKm  float64          `json:"totalDistanceKm"`
	TotalDurationMin float64          `json:"totalDurationMin"`
	ServiceMin       int              `json:"serviceMin"`
	EstimatedFuelL   float64          `json:"estimatedFuelL"`
	EstimatedCost    float64          `json:"estimatedCost"`
	Polyline         string           `json:"polyline,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
	Provider         string           `json:"provider,omitempty"`
}

// Order returns the stop ids in visiting order.
func (o OptimizedRoute) Order() []string {
	out := make([]string, len(o.Stops))
	for i, s := range o.Stops {
		out[i] = s.StopID
	}
	return out
}
