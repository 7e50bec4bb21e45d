package app

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func envViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(envViper())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.SweepSchedule != "@every 5m" || cfg.DatabaseURL != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("PORTAL_HTTP_ADDR", ":9000")
	t.Setenv("PORTAL_HTTP_READ_TIMEOUT", "20s")
	t.Setenv("PORTAL_CORS_ALLOWED_ORIGINS", "https://portal.school.example, http://127.0.0.1:*")
	t.Setenv("PORTAL_SWEEP_SCHEDULE", "off")
	t.Setenv("PORTAL_DB_MAX_CONNS", "4")

	cfg, err := LoadConfig(envViper())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.ReadTimeout != 20*time.Second || cfg.DBMaxConns != 4 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://127.0.0.1:*" {
		t.Fatalf("origins: %#v", cfg.CORSAllowedOrigins)
	}
	if cfg.SweepSchedule != "" {
		t.Fatalf("sweep should be disabled, got %q", cfg.SweepSchedule)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "bad duration", env: map[string]string{"PORTAL_HTTP_IDLE_TIMEOUT": "forever"}},
		{name: "bad cron", env: map[string]string{"PORTAL_SWEEP_SCHEDULE": "every so often"}},
		{name: "min above max conns", env: map[string]string{"PORTAL_DB_MAX_CONNS": "2", "PORTAL_DB_MIN_CONNS": "5"}},
		{name: "wildcard with credentials", env: map[string]string{"PORTAL_CORS_ALLOWED_ORIGINS": "*"}},
		{name: "admin email without password", env: map[string]string{"PORTAL_DEV_ADMIN_EMAIL": "admin@school.example"}},
		{name: "bad bool", env: map[string]string{"PORTAL_READINESS_REQUIRE_DB": "maybe"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(envViper()); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}
