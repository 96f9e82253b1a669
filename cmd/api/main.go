package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fieldroute/internal/api"
	"fieldroute/internal/buildinfo"
	"fieldroute/internal/config"
	"fieldroute/internal/events"
	"fieldroute/internal/logger"
	"fieldroute/internal/metrics"
	"fieldroute/internal/planner"
	"fieldroute/internal/schedule"
	"fieldroute/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().WithError(err).Fatal("invalid configuration")
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.New().WithField("service", "fieldroute")
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("store init failed")
	}
	defer closeStore()

	var (
		rdb    redis.UniversalClient
		broker events.Broker = events.NewMemory()
	)
	client, err := cfg.Redis(ctx)
	if err != nil {
		log.WithError(err).Fatal("redis init failed")
	}
	if client != nil {
		defer client.Close()
		rdb = client
		broker = events.NewRedis(client, log)
		log.Info("redis enabled: event fan-out and matrix cache")
	}

	provider, err := cfg.RoutingProvider(rdb, log)
	if err != nil {
		log.WithError(err).Fatal("routing provider init failed")
	}
	plan := planner.New(st, cfg.NewOptimizer(provider, log), broker, log)
	sched := schedule.New(st, broker, log)

	var runner *schedule.Runner
	if cfg.Recurring.Cron != "" {
		runner, err = schedule.NewRunner(sched, cfg.Recurring.Cron, cfg.Recurring.HorizonDays, log)
		if err != nil {
			log.WithError(err).Fatal("recurring runner init failed")
		}
		runner.Start()
		log.WithField("cron", cfg.Recurring.Cron).Info("recurring generation scheduled")
	}

	srv := api.NewServer(plan, sched, st, broker, log, api.Options{
		RateRPS:   cfg.RateRPS,
		RateBurst: cfg.RateBurst,
		Runner:    runner,
		Debug: map[string]any{
			"port":             cfg.Port,
			"routingProvider":  cfg.Routing.Provider,
			"rateRps":          cfg.RateRPS,
			"rateBurst":        cfg.RateBurst,
			"recurringCron":    cfg.Recurring.Cron,
			"hasDatabaseUrl":   cfg.DatabaseURL != "",
			"hasRedisUrl":      cfg.RedisURL != "",
			"optimizerTimeout": cfg.Optimizer.Timeout.String(),
		},
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"addr":    httpSrv.Addr,
			"version": buildinfo.Version,
		}).Info("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if runner != nil {
		runner.Stop(shutdownCtx)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

// openStore returns Postgres when DATABASE_URL is set, otherwise the in-memory store.
func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.Ping(pctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	if cfg.DBMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		log.Info("database migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}
