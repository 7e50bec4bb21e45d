package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"portal/cmd/internal/envcfg"
)

// Token formats.
const (
	FormatPaseto = "paseto"
	FormatJWT    = "jwt"
)

// Reuse policies applied when a superseded refresh token is redeemed.
const (
	// ReusePolicyRevoke revokes the session and every access token it issued.
	ReusePolicyRevoke = "revoke"
	// ReusePolicyDrain revokes the session for refresh and blacklists every
	// superseded access token; the newest access token lives until it expires.
	ReusePolicyDrain = "drain"
)

// Config defines all runtime configuration for the session subsystem.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// TokenFormat selects the access token format: "paseto" or "jwt".
	TokenFormat string

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public access tokens.
	PasetoV4SecretKeyHex string

	// JWTSecret is the HS256 key used when TokenFormat is "jwt".
	JWTSecret string

	AccessTokenTTL time.Duration

	// SessionTTL bounds a session created without "remember me";
	// RememberTTL bounds one created with it. Each refresh extends the
	// session by the same TTL from the moment of rotation.
	SessionTTL  time.Duration
	RememberTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// RefreshTokenBytes defines the number of random bytes used
	// to generate opaque refresh tokens.
	RefreshTokenBytes int

	// RefreshGrace is how long a superseded refresh token still returns the
	// pair it was rotated into. Zero disables the window.
	RefreshGrace time.Duration

	ReusePolicy string

	// KeyPrefix namespaces every Redis key.
	KeyPrefix string

	// TokenHMACKey keys refresh token hashing. Empty selects plain SHA-256.
	TokenHMACKey     string
	RequireTokenHMAC bool
}

// DefaultConfig returns defaults suitable for development.
// A signing key must still be supplied.
func DefaultConfig() Config {
	return Config{
		Issuer:            "portal",
		TokenFormat:       FormatPaseto,
		AccessTokenTTL:    15 * time.Minute,
		SessionTTL:        24 * time.Hour,
		RememberTTL:       7 * 24 * time.Hour,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
		ReusePolicy:       ReusePolicyRevoke,
		KeyPrefix:         "portal:",
	}
}

// LoadConfig loads session configuration.
//
// Keys (durations are Go duration strings):
//   - PORTAL_AUTH_ISSUER, PORTAL_AUTH_TOKEN_FORMAT
//   - PORTAL_PASETO_V4_SECRET_KEY_HEX (paseto), PORTAL_JWT_SECRET (jwt)
//   - PORTAL_AUTH_ACCESS_TTL, PORTAL_AUTH_SESSION_TTL, PORTAL_AUTH_REMEMBER_TTL
//   - PORTAL_AUTH_CLOCK_SKEW, PORTAL_AUTH_REFRESH_TOKEN_BYTES
//   - PORTAL_AUTH_REFRESH_GRACE, PORTAL_AUTH_REUSE_POLICY
//   - PORTAL_AUTH_KEY_PREFIX
//   - PORTAL_TOKEN_HMAC_KEY, PORTAL_REQUIRE_TOKEN_HMAC
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	var err error

	cfg.Issuer = envcfg.String(v, "PORTAL_AUTH_ISSUER", cfg.Issuer)
	cfg.TokenFormat = strings.ToLower(envcfg.String(v, "PORTAL_AUTH_TOKEN_FORMAT", cfg.TokenFormat))
	cfg.PasetoV4SecretKeyHex = envcfg.String(v, "PORTAL_PASETO_V4_SECRET_KEY_HEX", "")
	cfg.JWTSecret = envcfg.String(v, "PORTAL_JWT_SECRET", "")
	cfg.ReusePolicy = strings.ToLower(envcfg.String(v, "PORTAL_AUTH_REUSE_POLICY", cfg.ReusePolicy))
	cfg.KeyPrefix = envcfg.String(v, "PORTAL_AUTH_KEY_PREFIX", cfg.KeyPrefix)
	cfg.TokenHMACKey = envcfg.String(v, "PORTAL_TOKEN_HMAC_KEY", "")

	durations := []struct {
		key       string
		dst       *time.Duration
		allowZero bool
	}{
		{"PORTAL_AUTH_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"PORTAL_AUTH_SESSION_TTL", &cfg.SessionTTL, false},
		{"PORTAL_AUTH_REMEMBER_TTL", &cfg.RememberTTL, false},
		{"PORTAL_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
		{"PORTAL_AUTH_REFRESH_GRACE", &cfg.RefreshGrace, true},
	}
	for _, d := range durations {
		if *d.dst, err = envcfg.Duration(v, d.key, *d.dst, d.allowZero); err != nil {
			return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	if cfg.RefreshTokenBytes, err = envcfg.Int(v, "PORTAL_AUTH_REFRESH_TOKEN_BYTES", cfg.RefreshTokenBytes, 32, 64); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.RequireTokenHMAC, err = envcfg.Bool(v, "PORTAL_REQUIRE_TOKEN_HMAC", false); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	switch c.TokenFormat {
	case FormatPaseto:
		if strings.TrimSpace(c.PasetoV4SecretKeyHex) == "" {
			return fmt.Errorf("%w: PORTAL_PASETO_V4_SECRET_KEY_HEX is required", ErrConfig)
		}
	case FormatJWT:
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("%w: PORTAL_JWT_SECRET must be at least 32 bytes", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown token format %q", ErrConfig, c.TokenFormat)
	}

	switch c.ReusePolicy {
	case ReusePolicyRevoke, ReusePolicyDrain:
	default:
		return fmt.Errorf("%w: unknown reuse policy %q", ErrConfig, c.ReusePolicy)
	}

	if c.Issuer == "" || c.KeyPrefix == "" {
		return fmt.Errorf("%w: issuer and key prefix are required", ErrConfig)
	}
	if c.AccessTokenTTL <= 0 || c.SessionTTL <= 0 || c.RememberTTL <= 0 {
		return fmt.Errorf("%w: ttls must be positive", ErrConfig)
	}
	if c.AccessTokenTTL >= c.SessionTTL {
		return fmt.Errorf("%w: access ttl must be shorter than session ttl", ErrConfig)
	}
	if c.RememberTTL < c.SessionTTL {
		return fmt.Errorf("%w: remember ttl must not be shorter than session ttl", ErrConfig)
	}
	if c.RefreshGrace < 0 || c.RefreshGrace > time.Minute {
		return fmt.Errorf("%w: refresh grace must be within 0..1m", ErrConfig)
	}
	if c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64 {
		return fmt.Errorf("%w: refresh token bytes must be within 32..64", ErrConfig)
	}
	return nil
}
