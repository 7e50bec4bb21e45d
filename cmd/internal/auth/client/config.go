package authclient

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"portal/cmd/internal/envcfg"
)

// Config controls the client token lifecycle.
type Config struct {
	// BaseURL is the server origin, e.g. https://portal.example.edu.
	BaseURL string

	// SafetyMargin is how long before expiry renewal fires.
	SafetyMargin time.Duration
	// MinDelay floors the renewal delay so clock skew cannot cause a tight loop.
	MinDelay time.Duration
	// RefreshTimeout bounds one renewal. It must be shorter than SafetyMargin.
	RefreshTimeout time.Duration

	// HTTPTimeout bounds each request of the default transport. It must be
	// shorter than SafetyMargin.
	HTTPTimeout time.Duration

	// StorePath is the durable backend file. Empty disables the backend.
	StorePath string

	// AccessCookieName and SessionCookieName name the cookie mirror entries.
	AccessCookieName  string
	SessionCookieName string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8080",
		SafetyMargin:      2 * time.Minute,
		MinDelay:          10 * time.Second,
		RefreshTimeout:    30 * time.Second,
		HTTPTimeout:       15 * time.Second,
		StorePath:         defaultStorePath(),
		AccessCookieName:  "portal_access_token",
		SessionCookieName: "portal_session",
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "portal", "session.json")
}

// LoadConfig reads PORTAL_CLIENT_* keys:
//   - PORTAL_CLIENT_BASE_URL
//   - PORTAL_CLIENT_SAFETY_MARGIN, PORTAL_CLIENT_MIN_DELAY, PORTAL_CLIENT_REFRESH_TIMEOUT
//   - PORTAL_CLIENT_HTTP_TIMEOUT, PORTAL_CLIENT_STORE_PATH
//   - PORTAL_CLIENT_COOKIE_NAME, PORTAL_CLIENT_SESSION_COOKIE_NAME
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	var err error

	wrap := func(err error) (Config, error) { return Config{}, fmt.Errorf("%w: %w", ErrConfig, err) }

	cfg.BaseURL = envcfg.String(v, "PORTAL_CLIENT_BASE_URL", cfg.BaseURL)
	if cfg.SafetyMargin, err = envcfg.Duration(v, "PORTAL_CLIENT_SAFETY_MARGIN", cfg.SafetyMargin, false); err != nil {
		return wrap(err)
	}
	if cfg.MinDelay, err = envcfg.Duration(v, "PORTAL_CLIENT_MIN_DELAY", cfg.MinDelay, false); err != nil {
		return wrap(err)
	}
	if cfg.RefreshTimeout, err = envcfg.Duration(v, "PORTAL_CLIENT_REFRESH_TIMEOUT", cfg.RefreshTimeout, false); err != nil {
		return wrap(err)
	}
	if cfg.HTTPTimeout, err = envcfg.Duration(v, "PORTAL_CLIENT_HTTP_TIMEOUT", cfg.HTTPTimeout, false); err != nil {
		return wrap(err)
	}
	cfg.StorePath = envcfg.String(v, "PORTAL_CLIENT_STORE_PATH", cfg.StorePath)
	cfg.AccessCookieName = envcfg.String(v, "PORTAL_CLIENT_COOKIE_NAME", cfg.AccessCookieName)
	cfg.SessionCookieName = envcfg.String(v, "PORTAL_CLIENT_SESSION_COOKIE_NAME", cfg.SessionCookieName)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants between fields.
func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: base url %q", ErrConfig, c.BaseURL)
	}
	if c.MinDelay <= 0 || c.SafetyMargin <= 0 || c.RefreshTimeout <= 0 || c.HTTPTimeout <= 0 {
		return fmt.Errorf("%w: durations must be positive", ErrConfig)
	}
	if c.RefreshTimeout >= c.SafetyMargin {
		return fmt.Errorf("%w: refresh timeout %v must be shorter than safety margin %v", ErrConfig, c.RefreshTimeout, c.SafetyMargin)
	}
	if c.HTTPTimeout >= c.SafetyMargin {
		return fmt.Errorf("%w: http timeout %v must be shorter than safety margin %v", ErrConfig, c.HTTPTimeout, c.SafetyMargin)
	}
	if c.AccessCookieName == "" || c.SessionCookieName == "" {
		return fmt.Errorf("%w: %w", ErrConfig, errors.New("cookie names are required"))
	}
	return nil
}
