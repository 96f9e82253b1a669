package distance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fieldroute/internal/logger"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
	"fieldroute/internal/opt"
)

// Cache memoizes provider matrices in Redis. Redis failures fall through to
// the wrapped provider; provider errors are never cached.
type Cache struct {
	next opt.Provider
	rdb  redis.UniversalClient
	ttl  time.Duration
	log  *logger.Logger
}

func NewCache(next opt.Provider, rdb redis.UniversalClient, ttl time.Duration, log *logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{next: next, rdb: rdb, ttl: ttl, log: logger.Or(log).WithField("component", "matrix_cache")}
}

func (c *Cache) Name() string { return c.next.Name() }

// HonorsPreferences reports the wrapped provider's capability.
func (c *Cache) HonorsPreferences() bool {
	if pa, ok := c.next.(opt.PreferenceAware); ok {
		return pa.HonorsPreferences()
	}
	return false
}

func (c *Cache) Matrix(ctx context.Context, points []model.GeoPoint, settings model.OptimizationSettings) (opt.Matrix, error) {
	key := c.key(points, settings)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var m opt.Matrix
		if jerr := json.Unmarshal(raw, &m); jerr == nil && m.Size() == len(points) {
			metrics.MatrixCacheLookups.WithLabelValues("hit").Inc()
			return m, nil
		}
		metrics.MatrixCacheLookups.WithLabelValues("corrupt").Inc()
	case errors.Is(err, redis.Nil):
		metrics.MatrixCacheLookups.WithLabelValues("miss").Inc()
	default:
		metrics.MatrixCacheLookups.WithLabelValues("error").Inc()
		c.log.WithError(err).Warn("matrix cache read failed")
	}

	m, err := c.next.Matrix(ctx, points, settings)
	if err != nil {
		return opt.Matrix{}, err
	}
	if b, jerr := json.Marshal(m); jerr == nil {
		if serr := c.rdb.Set(ctx, key, b, c.ttl).Err(); serr != nil {
			c.log.WithError(serr).Warn("matrix cache write failed")
		}
	}
	return m, nil
}

// key hashes the provider, travel flags and coordinates rounded to 1e-6 degrees.
func (c *Cache) key(points []model.GeoPoint, s model.OptimizationSettings) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%t|%t|%t", c.next.Name(), s.TravelMode, s.AvoidTolls, s.AvoidHighways, s.PreferMainRoads)
	for _, p := range points {
		h.Write([]byte("|" + strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)))
	}
	return "matrix:" + hex.EncodeToString(h.Sum(nil))
}
