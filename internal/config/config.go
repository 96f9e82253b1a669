// Package config loads service settings from defaults, an optional YAML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"fieldroute/internal/schedule"
)

const (
	ProviderEuclidean = "euclidean"
	ProviderHaversine = "haversine"
	ProviderORS       = "ors"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	DBMigrate   bool   `yaml:"db_migrate"`
	RedisURL    string `yaml:"redis_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`

	Routing   RoutingConfig   `yaml:"routing"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Recurring RecurringConfig `yaml:"recurring"`
}

type RoutingConfig struct {
	Provider       string        `yaml:"provider"`
	ORSAPIKey      string        `yaml:"ors_api_key"`
	ORSBaseURL     string        `yaml:"ors_base_url"`
	ORSRPS         float64       `yaml:"ors_rps"`
	AverageSpeed   float64       `yaml:"average_speed_kph"`
	MatrixCacheTTL time.Duration `yaml:"matrix_cache_ttl"`
}

type OptimizerConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	FuelLitersPer100Km float64       `yaml:"fuel_l_per_100km"`
	CostPerLiter       float64       `yaml:"fuel_cost_per_l"`
}

type RecurringConfig struct {
	Cron        string `yaml:"cron"`
	HorizonDays int    `yaml:"horizon_days"`
}

func Default() Config {
	return Config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "json",
		RateRPS:   20,
		RateBurst: 40,
		Routing: RoutingConfig{
			Provider:       ProviderHaversine,
			ORSRPS:         1,
			AverageSpeed:   40,
			MatrixCacheTTL: 24 * time.Hour,
		},
		Optimizer: OptimizerConfig{
			Timeout:            10 * time.Second,
			FuelLitersPer100Km: 8.5,
			CostPerLiter:       1.60,
		},
		Recurring: RecurringConfig{
			Cron:        "0 2 * * *",
			HorizonDays: 7,
		},
	}
}

// Load builds the configuration. CONFIG_FILE names the YAML file; without it
// config.yaml is read when present. A missing .env is not an error.
func Load() (Config, error) {
	cfg := Default()
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = "config.yaml"
	}
	if err := cfg.loadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables. lookup is os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	boolean("DB_MIGRATE", &c.DBMigrate)
	str("REDIS_URL", &c.RedisURL)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	float("RATE_RPS", &c.RateRPS)
	integer("RATE_BURST", &c.RateBurst)
	str("ROUTING_PROVIDER", &c.Routing.Provider)
	str("ORS_API_KEY", &c.Routing.ORSAPIKey)
	str("ORS_BASE_URL", &c.Routing.ORSBaseURL)
	float("ORS_RPS", &c.Routing.ORSRPS)
	float("AVERAGE_SPEED_KPH", &c.Routing.AverageSpeed)
	duration("MATRIX_CACHE_TTL", &c.Routing.MatrixCacheTTL)
	duration("OPTIMIZER_TIMEOUT", &c.Optimizer.Timeout)
	float("FUEL_L_PER_100KM", &c.Optimizer.FuelLitersPer100Km)
	float("FUEL_COST_PER_L", &c.Optimizer.CostPerLiter)
	str("RECURRING_CRON", &c.Recurring.Cron)
	integer("RECURRING_HORIZON_DAYS", &c.Recurring.HorizonDays)
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch strings.ToLower(c.Routing.Provider) {
	case ProviderEuclidean, ProviderHaversine:
	case ProviderORS:
		if c.Routing.ORSAPIKey == "" {
			errs = append(errs, errors.New("ORS_API_KEY is required for the ors provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown routing provider %q", c.Routing.Provider))
	}
	if c.Routing.AverageSpeed <= 0 {
		errs = append(errs, errors.New("average speed must be positive"))
	}
	if c.Optimizer.FuelLitersPer100Km <= 0 || c.Optimizer.CostPerLiter <= 0 {
		errs = append(errs, errors.New("fuel rates must be positive"))
	}
	if c.Optimizer.Timeout <= 0 {
		errs = append(errs, errors.New("optimizer timeout must be positive"))
	}
	if c.RateRPS < 0 || c.RateBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.Recurring.HorizonDays <= 0 {
		errs = append(errs, errors.New("recurring horizon must be positive"))
	}
	if c.Recurring.Cron != "" {
		if err := schedule.ValidateSpec(c.Recurring.Cron); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Addr returns the listen address for Port.
func (c Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}
