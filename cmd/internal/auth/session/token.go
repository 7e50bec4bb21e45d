package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccessTokenManager issues and decodes short-lived access tokens.
//
// Parse checks signature, issuer and structure only. Expiry is evaluated by
// the caller so that an expired token and a forged one report different
// reasons.
type AccessTokenManager interface {
	Issue(sub Subject, sessionID string, now time.Time) (string, AccessClaims, error)
	Parse(token string) (AccessClaims, error)
	Format() string
}

// NewAccessTokenManager builds the manager selected by cfg.TokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	switch cfg.TokenFormat {
	case FormatPaseto, "":
		return NewPasetoV4PublicManager(cfg)
	case FormatJWT:
		return NewJWTManager(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown token format %q", ErrConfig, cfg.TokenFormat)
	}
}

func newClaims(issuer string, ttl time.Duration, sub Subject, sessionID string, now time.Time) AccessClaims {
	now = now.UTC().Truncate(time.Second)
	return AccessClaims{
		Issuer:      issuer,
		UserID:      sub.UserID,
		Role:        sub.Role,
		Permissions: append([]string(nil), sub.Permissions...),
		SessionID:   sessionID,
		TokenID:     uuid.NewString(),
		IssuedAt:    now,
		NotBefore:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// maxTokenLen bounds parser input.
const maxTokenLen = 8192

func checkStructure(c AccessClaims) error {
	if c.UserID == "" || c.SessionID == "" || c.TokenID == "" || c.ExpiresAt.IsZero() {
		return ErrMalformedToken
	}
	return nil
}

func tokenShapeOK(tok string) bool {
	return tok != "" && len(tok) <= maxTokenLen && strings.TrimSpace(tok) == tok
}
