package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"portal/cmd/internal/envcfg"
)

// ErrConfig is returned for invalid server configuration.
var ErrConfig = errors.New("app: invalid config")

// Config contains the server runtime configuration.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// DatabaseURL is optional. Without it users live in memory and audit
	// records go to the logger.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// ReadinessRequireDB makes /readyz fail unless the database is reachable.
	ReadinessRequireDB bool

	RedisURL string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// OTelEndpoint is the OTLP gRPC collector. Empty disables export.
	OTelEndpoint string
	OTelInsecure bool
	ServiceName  string

	// SweepSchedule is a cron spec for the session index sweep. Empty disables it.
	SweepSchedule string

	// DevAdminEmail and DevAdminPassword seed an admin into the in-memory
	// user store. Ignored when a database is configured.
	DevAdminEmail    string
	DevAdminPassword string
}

// DefaultConfig returns development defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:             "0.0.0.0:8080",
		LogLevel:             "info",
		ReadHeaderTimeout:    5 * time.Second,
		ReadTimeout:          15 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		MaxHeaderBytes:       1 << 20,
		DBMaxConns:           10,
		RedisURL:             "redis://localhost:6379/0",
		CORSAllowCredentials: true,
		CORSMaxAgeSeconds:    600,
		ServiceName:          "portal",
		SweepSchedule:        "@every 5m",
	}
}

// LoadConfig reads server keys:
//   - PORTAL_HTTP_ADDR, PORTAL_LOG_LEVEL
//   - PORTAL_HTTP_READ_HEADER_TIMEOUT, PORTAL_HTTP_READ_TIMEOUT, PORTAL_HTTP_WRITE_TIMEOUT,
//     PORTAL_HTTP_IDLE_TIMEOUT, PORTAL_SHUTDOWN_TIMEOUT, PORTAL_HTTP_MAX_HEADER_BYTES
//   - PORTAL_DATABASE_URL, PORTAL_DB_MAX_CONNS, PORTAL_DB_MIN_CONNS, PORTAL_READINESS_REQUIRE_DB
//   - PORTAL_REDIS_URL
//   - PORTAL_CORS_ALLOWED_ORIGINS, PORTAL_CORS_ALLOW_CREDENTIALS, PORTAL_CORS_MAX_AGE_SECONDS
//   - PORTAL_OTEL_ENDPOINT, PORTAL_OTEL_INSECURE, PORTAL_SERVICE_NAME
//   - PORTAL_SWEEP_SCHEDULE ("off" disables)
//   - PORTAL_DEV_ADMIN_EMAIL, PORTAL_DEV_ADMIN_PASSWORD
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	var err error

	wrap := func(err error) (Config, error) { return Config{}, fmt.Errorf("%w: %w", ErrConfig, err) }

	cfg.HTTPAddr = envcfg.String(v, "PORTAL_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = envcfg.String(v, "PORTAL_LOG_LEVEL", cfg.LogLevel)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PORTAL_HTTP_READ_HEADER_TIMEOUT", &cfg.ReadHeaderTimeout},
		{"PORTAL_HTTP_READ_TIMEOUT", &cfg.ReadTimeout},
		{"PORTAL_HTTP_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"PORTAL_HTTP_IDLE_TIMEOUT", &cfg.IdleTimeout},
		{"PORTAL_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envcfg.Duration(v, d.key, *d.dst, false); err != nil {
			return wrap(err)
		}
	}
	if cfg.MaxHeaderBytes, err = envcfg.Int(v, "PORTAL_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes, 4<<10, 8<<20); err != nil {
		return wrap(err)
	}

	cfg.DatabaseURL = envcfg.String(v, "PORTAL_DATABASE_URL", "")
	maxConns, err := envcfg.Int(v, "PORTAL_DB_MAX_CONNS", int(cfg.DBMaxConns), 1, 1000)
	if err != nil {
		return wrap(err)
	}
	minConns, err := envcfg.Int(v, "PORTAL_DB_MIN_CONNS", int(cfg.DBMinConns), 0, 1000)
	if err != nil {
		return wrap(err)
	}
	cfg.DBMaxConns, cfg.DBMinConns = int32(maxConns), int32(minConns)
	if cfg.ReadinessRequireDB, err = envcfg.Bool(v, "PORTAL_READINESS_REQUIRE_DB", false); err != nil {
		return wrap(err)
	}

	cfg.RedisURL = envcfg.String(v, "PORTAL_REDIS_URL", cfg.RedisURL)

	cfg.CORSAllowedOrigins = envcfg.CSV(v, "PORTAL_CORS_ALLOWED_ORIGINS", "")
	if cfg.CORSAllowCredentials, err = envcfg.Bool(v, "PORTAL_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials); err != nil {
		return wrap(err)
	}
	if cfg.CORSMaxAgeSeconds, err = envcfg.Int(v, "PORTAL_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds, 0, 86400); err != nil {
		return wrap(err)
	}

	cfg.OTelEndpoint = envcfg.String(v, "PORTAL_OTEL_ENDPOINT", "")
	if cfg.OTelInsecure, err = envcfg.Bool(v, "PORTAL_OTEL_INSECURE", false); err != nil {
		return wrap(err)
	}
	cfg.ServiceName = envcfg.String(v, "PORTAL_SERVICE_NAME", cfg.ServiceName)

	cfg.SweepSchedule = envcfg.String(v, "PORTAL_SWEEP_SCHEDULE", cfg.SweepSchedule)
	if strings.EqualFold(cfg.SweepSchedule, "off") {
		cfg.SweepSchedule = ""
	}
	cfg.DevAdminEmail = envcfg.String(v, "PORTAL_DEV_ADMIN_EMAIL", "")
	cfg.DevAdminPassword = envcfg.String(v, "PORTAL_DEV_ADMIN_PASSWORD", "")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("%w: PORTAL_REDIS_URL is required", ErrConfig)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("%w: PORTAL_DB_MIN_CONNS exceeds PORTAL_DB_MAX_CONNS", ErrConfig)
	}
	for _, o := range c.CORSAllowedOrigins {
		if o == "*" && c.CORSAllowCredentials {
			return fmt.Errorf("%w: wildcard CORS origin cannot allow credentials", ErrConfig)
		}
	}
	if (c.DevAdminEmail == "") != (c.DevAdminPassword == "") {
		return fmt.Errorf("%w: PORTAL_DEV_ADMIN_EMAIL and PORTAL_DEV_ADMIN_PASSWORD go together", ErrConfig)
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("%w: PORTAL_SWEEP_SCHEDULE: %w", ErrConfig, err)
		}
	}
	return nil
}
