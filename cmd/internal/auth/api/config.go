package authapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"portal/cmd/internal/envcfg"
)

// ErrConfig is returned for invalid API configuration.
var ErrConfig = errors.New("authapi: invalid config")

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Failed-login throttle windows. A zero max disables that dimension.
	LoginIPMax            int
	LoginIPWindow         time.Duration
	LoginIdentifierMax    int
	LoginIdentifierWindow time.Duration
	ThrottleKeyPrefix     string

	// Access-token cookie mirror.
	AccessCookieName string
	CookiePath       string
	CookieDomain     string
	CookieSecure     bool
	CookieSameSite   http.SameSite

	// TouchSessions records last activity on every authenticated request.
	TouchSessions bool
}

// DefaultConfig returns production-leaning defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:          1 << 20,
		LoginIPMax:            20,
		LoginIPWindow:         5 * time.Minute,
		LoginIdentifierMax:    5,
		LoginIdentifierWindow: 15 * time.Minute,
		ThrottleKeyPrefix:     "portal:",
		AccessCookieName:      "portal_access_token",
		CookiePath:            "/",
		CookieSecure:          true,
		CookieSameSite:        http.SameSiteLaxMode,
		TouchSessions:         true,
	}
}

// LoadConfig reads PORTAL_AUTH_* API keys:
//   - PORTAL_AUTH_TRUST_PROXY, PORTAL_AUTH_MAX_BODY_BYTES
//   - PORTAL_AUTH_LOGIN_IP_MAX, PORTAL_AUTH_LOGIN_IP_WINDOW
//   - PORTAL_AUTH_LOGIN_IDENTIFIER_MAX, PORTAL_AUTH_LOGIN_IDENTIFIER_WINDOW
//   - PORTAL_AUTH_COOKIE_NAME, PORTAL_AUTH_COOKIE_PATH, PORTAL_AUTH_COOKIE_DOMAIN
//   - PORTAL_AUTH_COOKIE_SECURE, PORTAL_AUTH_COOKIE_SAMESITE
//   - PORTAL_AUTH_TOUCH_SESSIONS, PORTAL_AUTH_KEY_PREFIX
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	var err error

	wrap := func(err error) (Config, error) { return Config{}, fmt.Errorf("%w: %w", ErrConfig, err) }

	if cfg.TrustProxy, err = envcfg.Bool(v, "PORTAL_AUTH_TRUST_PROXY", cfg.TrustProxy); err != nil {
		return wrap(err)
	}
	maxBody, err := envcfg.Int(v, "PORTAL_AUTH_MAX_BODY_BYTES", int(cfg.MaxBodyBytes), 1<<10, 16<<20)
	if err != nil {
		return wrap(err)
	}
	cfg.MaxBodyBytes = int64(maxBody)

	if cfg.LoginIPMax, err = envcfg.Int(v, "PORTAL_AUTH_LOGIN_IP_MAX", cfg.LoginIPMax, 0, 10000); err != nil {
		return wrap(err)
	}
	if cfg.LoginIPWindow, err = envcfg.Duration(v, "PORTAL_AUTH_LOGIN_IP_WINDOW", cfg.LoginIPWindow, false); err != nil {
		return wrap(err)
	}
	if cfg.LoginIdentifierMax, err = envcfg.Int(v, "PORTAL_AUTH_LOGIN_IDENTIFIER_MAX", cfg.LoginIdentifierMax, 0, 1000); err != nil {
		return wrap(err)
	}
	if cfg.LoginIdentifierWindow, err = envcfg.Duration(v, "PORTAL_AUTH_LOGIN_IDENTIFIER_WINDOW", cfg.LoginIdentifierWindow, false); err != nil {
		return wrap(err)
	}
	cfg.ThrottleKeyPrefix = envcfg.String(v, "PORTAL_AUTH_KEY_PREFIX", cfg.ThrottleKeyPrefix)

	cfg.AccessCookieName = envcfg.String(v, "PORTAL_AUTH_COOKIE_NAME", cfg.AccessCookieName)
	cfg.CookiePath = envcfg.String(v, "PORTAL_AUTH_COOKIE_PATH", cfg.CookiePath)
	cfg.CookieDomain = envcfg.String(v, "PORTAL_AUTH_COOKIE_DOMAIN", "")
	if cfg.CookieSecure, err = envcfg.Bool(v, "PORTAL_AUTH_COOKIE_SECURE", cfg.CookieSecure); err != nil {
		return wrap(err)
	}
	cfg.CookieSameSite = parseSameSite(envcfg.String(v, "PORTAL_AUTH_COOKIE_SAMESITE", "lax"))
	if cfg.TouchSessions, err = envcfg.Bool(v, "PORTAL_AUTH_TOUCH_SESSIONS", cfg.TouchSessions); err != nil {
		return wrap(err)
	}

	// Browsers drop SameSite=None cookies that are not Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode {
		cfg.CookieSecure = true
	}
	if strings.TrimSpace(cfg.AccessCookieName) == "" {
		return wrap(errors.New("cookie name is required"))
	}
	return cfg, nil
}

func parseSameSite(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}
