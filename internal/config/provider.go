package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fieldroute/internal/distance"
	"fieldroute/internal/logger"
	"fieldroute/internal/opt"
)

// RoutingProvider builds the configured matrix provider. A non-nil rdb wraps
// it in the Redis matrix cache.
func (c Config) RoutingProvider(rdb redis.UniversalClient, log *logger.Logger) (opt.Provider, error) {
	var p opt.Provider
	switch strings.ToLower(c.Routing.Provider) {
	case ProviderEuclidean:
		p = distance.NewEuclidean(c.Routing.AverageSpeed)
	case ProviderHaversine:
		p = distance.NewHaversine(c.Routing.AverageSpeed)
	case ProviderORS:
		ors, err := distance.NewORS(c.Routing.ORSAPIKey,
			distance.WithBaseURL(c.Routing.ORSBaseURL),
			distance.WithRateLimit(c.Routing.ORSRPS, 1),
			distance.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		p = ors
	default:
		return nil, fmt.Errorf("unknown routing provider %q", c.Routing.Provider)
	}
	if rdb != nil {
		p = distance.NewCache(p, rdb, c.Routing.MatrixCacheTTL, log)
	}
	return p, nil
}

// NewOptimizer builds an optimizer over p with the configured rates and timeout.
func (c Config) NewOptimizer(p opt.Provider, log *logger.Logger) *opt.Optimizer {
	o := opt.New(p)
	o.Timeout = c.Optimizer.Timeout
	o.FuelLitersPer100Km = c.Optimizer.FuelLitersPer100Km
	o.CostPerLiter = c.Optimizer.CostPerLiter
	o.Log = logger.Or(log).WithField("component", "optimizer")
	return o
}

// Redis connects to RedisURL, or returns nil when it is unset.
func (c Config) Redis(ctx context.Context) (*redis.Client, error) {
	if c.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
