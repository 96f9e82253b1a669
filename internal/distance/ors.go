package distance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"fieldroute/internal/logger"
	"fieldroute/internal/model"
	"fieldroute/internal/opt"
)

const (
	DefaultORSBaseURL = "https://api.openrouteservice.org"
	// ORS caps a matrix request at 3500 cells on the public plan.
	orsMaxCells = 3500
)

// ORS implements opt.Provider using the OpenRouteService matrix endpoint.
// It is safe for concurrent use.
type ORS struct {
	client      *http.Client
	apiKey      string
	baseURL     string
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
	log         *logger.Logger
}

type ORSOption func(*ORS)

func WithHTTPClient(c *http.Client) ORSOption { return func(o *ORS) { o.client = c } }
func WithBaseURL(u string) ORSOption {
	return func(o *ORS) {
		if u != "" {
			o.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRateLimit throttles outbound requests; rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) ORSOption {
	return func(o *ORS) {
		if rps <= 0 {
			o.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithRetry(attempts int, backoff time.Duration) ORSOption {
	return func(o *ORS) {
		if attempts > 0 {
			o.maxAttempts = attempts
		}
		if backoff > 0 {
			o.backoff = backoff
		}
	}
}

func WithLogger(l *logger.Logger) ORSOption { return func(o *ORS) { o.log = logger.Or(l) } }

func NewORS(apiKey string, opts ...ORSOption) (*ORS, error) {
	if apiKey == "" {
		return nil, errors.New("ORS api key is empty")
	}
	o := &ORS{
		client:      &http.Client{Timeout: 10 * time.Second},
		apiKey:      apiKey,
		baseURL:     DefaultORSBaseURL,
		limiter:     rate.NewLimiter(rate.Limit(1), 1),
		maxAttempts: 4,
		backoff:     200 * time.Millisecond,
		log:         logger.New(),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o, nil
}

func (o *ORS) Name() string { return "ors" }

type matrixRequest struct {
	Locations [][]float64 `json:"locations"`
	Metrics   []string    `json:"metrics"`
	Units     string      `json:"units"`
}

type matrixResponse struct {
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

// Matrix fetches the full distance/duration matrix for points.
func (o *ORS) Matrix(ctx context.Context, points []model.GeoPoint, settings model.OptimizationSettings) (opt.Matrix, error) {
	n := len(points)
	if n == 0 {
		return opt.Matrix{}, nil
	}
	if n*n > orsMaxCells {
		return opt.Matrix{}, fmt.Errorf("ors matrix: %d points exceed the %d cell limit", n, orsMaxCells)
	}
	profile := settings.TravelMode
	if profile == "" {
		profile = model.TravelModeDriving
	}
	endpoint := fmt.Sprintf("%s/v2/matrix/%s", o.baseURL, profile)

	locations := make([][]float64, n)
	for i, p := range points {
		locations[i] = []float64{p.Lng, p.Lat}
	}
	payload, err := json.Marshal(matrixRequest{Locations: locations, Metrics: []string{"distance", "duration"}, Units: "km"})
	if err != nil {
		return opt.Matrix{}, fmt.Errorf("marshal matrix request: %w", err)
	}

	resp, err := o.doWithRetry(ctx, func() (*http.Request, error) {
		return o.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	})
	if err != nil {
		return opt.Matrix{}, fmt.Errorf("ors matrix request: %w", err)
	}
	defer resp.Body.Close()

	var mr matrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return opt.Matrix{}, fmt.Errorf("decode matrix response: %w", err)
	}
	if len(mr.Distances) != n || len(mr.Durations) != n {
		return opt.Matrix{}, fmt.Errorf("ors matrix: expected %d rows, got distances=%d durations=%d", n, len(mr.Distances), len(mr.Durations))
	}

	m := opt.Matrix{DistanceKm: make([][]float64, n), DurationMin: make([][]float64, n)}
	for i := 0; i < n; i++ {
		if len(mr.Distances[i]) != n || len(mr.Durations[i]) != n {
			return opt.Matrix{}, fmt.Errorf("ors matrix: row %d has wrong length", i)
		}
		m.DistanceKm[i] = make([]float64, n)
		m.DurationMin[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			d, t := mr.Distances[i][j], mr.Durations[i][j]
			if d == nil || t == nil {
				return opt.Matrix{}, fmt.Errorf("ors matrix: no route between point %d and %d", i, j)
			}
			m.DistanceKm[i][j] = *d
			m.DurationMin[i][j] = *t / 60
		}
	}
	return m, nil
}
