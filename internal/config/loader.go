package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "spendgate.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SPENDGATE_PORT")
	setString(&cfg.Server.CORSOrigin, "SPENDGATE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SPENDGATE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SPENDGATE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SPENDGATE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "SPENDGATE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "SPENDGATE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "SPENDGATE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SPENDGATE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SPENDGATE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "SPENDGATE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SPENDGATE_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "SPENDGATE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "SPENDGATE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "SPENDGATE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "SPENDGATE_RATE_MAX_IDLE_TIME")
	setInt64(&cfg.Cache.L1MaxSizeMB, "SPENDGATE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "SPENDGATE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "SPENDGATE_CACHE_L2_TTL")
	setDuration(&cfg.Pricing.FreshnessTTL, "SPENDGATE_PRICING_FRESHNESS_TTL")
	setDuration(&cfg.Pricing.StoreTimeout, "SPENDGATE_PRICING_STORE_TIMEOUT")
	setDuration(&cfg.Ledger.LimitTTL, "SPENDGATE_LEDGER_LIMIT_TTL")
	setDuration(&cfg.Ledger.SpendTTL, "SPENDGATE_LEDGER_SPEND_TTL")
	setDuration(&cfg.Ledger.StoreTimeout, "SPENDGATE_LEDGER_STORE_TIMEOUT")
	setIntSlice(&cfg.Ledger.AlertThresholds, "SPENDGATE_ALERT_THRESHOLDS")
	setInt(&cfg.Retry.MaxAttempts, "SPENDGATE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "SPENDGATE_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "SPENDGATE_RETRY_MAX_DELAY")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "SPENDGATE_SERVICE_NAME")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if len(cfg.Ledger.AlertThresholds) > 0 {
		if !sort.IntsAreSorted(cfg.Ledger.AlertThresholds) {
			return errors.New("ledger.alert_thresholds must be ascending")
		}
		for _, pct := range cfg.Ledger.AlertThresholds {
			if pct < 1 || pct > 100 {
				return errors.New("ledger.alert_thresholds must be within 1..100")
			}
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setIntSlice parses a comma-separated list of integers, e.g. "80,95,100".
func setIntSlice(dst *[]int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return
		}
		out = append(out, n)
	}
	*dst = out
}
