package distance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldroute/internal/model"
	"fieldroute/internal/opt"
)

var twoPoints = []model.GeoPoint{{Lat: 52.52, Lng: 13.40}, {Lat: 52.50, Lng: 13.45}}

func TestEuclideanMatrix(t *testing.T) {
	m, err := NewEuclidean(60).Matrix(t.Context(), []model.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 3, Lng: 4}}, model.OptimizationSettings{})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Size())
	assert.InDelta(t, 5.0, m.DistanceKm[0][1], 1e-9)
	assert.InDelta(t, 5.0, m.DistanceKm[1][0], 1e-9)
	assert.InDelta(t, 5.0, m.DurationMin[0][1], 1e-9)
	assert.Zero(t, m.DistanceKm[1][1])
}

func TestHaversineMatrix(t *testing.T) {
	m, err := NewHaversine(0).Matrix(t.Context(), []model.GeoPoint{{Lat: 10, Lng: 20}, {Lat: 11, Lng: 20}}, model.OptimizationSettings{})
	require.NoError(t, err)
	assert.InDelta(t, 111.19, m.DistanceKm[0][1], 0.01)
	assert.InDelta(t, m.DistanceKm[0][1]/DefaultSpeedKph*60, m.DurationMin[0][1], 1e-9)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = NewHaversine(40).Matrix(ctx, twoPoints, model.OptimizationSettings{})
	assert.ErrorIs(t, err, context.Canceled)
}

func orsServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int32)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(w, r, atomic.AddInt32(&calls, 1))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestORS(t *testing.T, url string) *ORS {
	t.Helper()
	o, err := NewORS("secret", WithBaseURL(url), WithRateLimit(0, 0), WithRetry(3, time.Millisecond))
	require.NoError(t, err)
	return o
}

func TestORSMatrix(t *testing.T) {
	srv, _ := orsServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
		assert.Equal(t, "/v2/matrix/driving-car", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		var req matrixRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) || !assert.Len(t, req.Locations, 2) {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		assert.Equal(t, []float64{13.40, 52.52}, req.Locations[0], "ORS expects lng,lat")
		assert.Equal(t, "km", req.Units)
		_, _ = w.Write([]byte(`{"distances":[[0,4.2],[4.5,0]],"durations":[[0,600],[660,0]]}`))
	})
	m, err := newTestORS(t, srv.URL).Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
	require.NoError(t, err)
	assert.InDelta(t, 4.2, m.DistanceKm[0][1], 1e-9)
	assert.InDelta(t, 10.0, m.DurationMin[0][1], 1e-9)
	assert.InDelta(t, 11.0, m.DurationMin[1][0], 1e-9)
}

func TestORSRetriesTransientErrors(t *testing.T) {
	srv, calls := orsServer(t, func(w http.ResponseWriter, r *http.Request, n int32) {
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"distances":[[0,1],[1,0]],"durations":[[0,60],[60,0]]}`))
	})
	_, err := newTestORS(t, srv.URL).Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestORSFailures(t *testing.T) {
	t.Run("client error is not retried", func(t *testing.T) {
		srv, calls := orsServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
			http.Error(w, "bad profile", http.StatusBadRequest)
		})
		_, err := newTestORS(t, srv.URL).Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
		var he *httpStatusError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusBadRequest, he.Code)
		assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	})
	t.Run("unroutable pair", func(t *testing.T) {
		srv, _ := orsServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
			_, _ = w.Write([]byte(`{"distances":[[0,null],[1,0]],"durations":[[0,null],[60,0]]}`))
		})
		_, err := newTestORS(t, srv.URL).Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
		assert.ErrorContains(t, err, "no route between point 0 and 1")
	})
	t.Run("retries exhausted", func(t *testing.T) {
		srv, calls := orsServer(t, func(w http.ResponseWriter, r *http.Request, _ int32) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		})
		_, err := newTestORS(t, srv.URL).Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
		require.Error(t, err)
		assert.EqualValues(t, 3, atomic.LoadInt32(calls))
	})
	t.Run("missing key", func(t *testing.T) {
		_, err := NewORS("")
		assert.Error(t, err)
	})
}

type countingProvider struct {
	calls int
	err   error
}

func (c *countingProvider) Name() string { return "counting" }

func (c *countingProvider) Matrix(ctx context.Context, points []model.GeoPoint, s model.OptimizationSettings) (opt.Matrix, error) {
	c.calls++
	if c.err != nil {
		return opt.Matrix{}, c.err
	}
	return NewEuclidean(60).Matrix(ctx, points, s)
}

func TestCacheMemoizesMatrices(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := &countingProvider{}
	c := NewCache(p, rdb, time.Hour, nil)
	assert.Equal(t, "counting", c.Name())

	first, err := c.Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
	require.NoError(t, err)
	second, err := c.Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.calls)

	_, err = c.Matrix(t.Context(), twoPoints, model.OptimizationSettings{AvoidTolls: true})
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls, "travel flags are part of the key")

	keys := mr.Keys()
	require.Len(t, keys, 2)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))
}

func TestCacheSkipsErrorsAndOutages(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	boom := errors.New("provider down")
	p := &countingProvider{err: boom}
	c := NewCache(p, rdb, time.Hour, nil)
	_, err := c.Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, mr.Keys())

	p.err = nil
	mr.Close()
	m, err := c.Matrix(t.Context(), twoPoints, model.OptimizationSettings{})
	require.NoError(t, err, "redis outage falls through to the provider")
	assert.Equal(t, 2, m.Size())
}
