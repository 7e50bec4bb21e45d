package authclient

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
	if cfg.SafetyMargin != 2*time.Minute || cfg.MinDelay != 10*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("PORTAL_CLIENT_BASE_URL", "https://portal.school.example")
	t.Setenv("PORTAL_CLIENT_SAFETY_MARGIN", "5m")
	t.Setenv("PORTAL_CLIENT_STORE_PATH", "/tmp/portal-test/session.json")

	cfg, err := LoadConfig(envViper())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BaseURL != "https://portal.school.example" || cfg.SafetyMargin != 5*time.Minute || cfg.StorePath != "/tmp/portal-test/session.json" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad scheme", key: "PORTAL_CLIENT_BASE_URL", val: "ftp://portal"},
		{name: "no host", key: "PORTAL_CLIENT_BASE_URL", val: "https://"},
		{name: "bad duration", key: "PORTAL_CLIENT_MIN_DELAY", val: "soon"},
		{name: "timeout exceeds margin", key: "PORTAL_CLIENT_REFRESH_TIMEOUT", val: "3m"},
		{name: "zero http timeout", key: "PORTAL_CLIENT_HTTP_TIMEOUT", val: "0s"},
		{name: "http timeout exceeds margin", key: "PORTAL_CLIENT_HTTP_TIMEOUT", val: "2m"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := LoadConfig(envViper()); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}
