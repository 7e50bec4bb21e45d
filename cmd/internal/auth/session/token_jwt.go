package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"perms"`
	SessionID   string   `json:"sid"`
	jwt.RegisteredClaims
}

type jwtManager struct {
	issuer string
	ttl    time.Duration
	key    []byte
}

// NewJWTManager builds an HS256 AccessTokenManager.
func NewJWTManager(cfg Config) (AccessTokenManager, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("%w: jwt secret too short", ErrConfig)
	}
	return &jwtManager{
		issuer: cfg.Issuer,
		ttl:    cfg.AccessTokenTTL,
		key:    []byte(cfg.JWTSecret),
	}, nil
}

func (m *jwtManager) Format() string { return FormatJWT }

func (m *jwtManager) Issue(sub Subject, sessionID string, now time.Time) (string, AccessClaims, error) {
	c := newClaims(m.issuer, m.ttl, sub, sessionID, now)

	claims := jwtClaims{
		Role:        c.Role,
		Permissions: c.Permissions,
		SessionID:   c.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.TokenID,
			Subject:   c.UserID,
			Issuer:    c.Issuer,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			NotBefore: jwt.NewNumericDate(c.NotBefore),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", AccessClaims{}, err
	}
	return signed, c, nil
}

func (m *jwtManager) Parse(token string) (AccessClaims, error) {
	if !tokenShapeOK(token) {
		return AccessClaims{}, ErrMalformedToken
	}

	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil || !parsed.Valid {
		return AccessClaims{}, ErrMalformedToken
	}
	if claims.Issuer != m.issuer {
		return AccessClaims{}, ErrMalformedToken
	}

	c := AccessClaims{
		Issuer:      claims.Issuer,
		UserID:      claims.Subject,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		SessionID:   claims.SessionID,
		TokenID:     claims.ID,
	}
	if claims.IssuedAt != nil {
		c.IssuedAt = claims.IssuedAt.Time
	}
	if claims.NotBefore != nil {
		c.NotBefore = claims.NotBefore.Time
	}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}

	if err := checkStructure(c); err != nil {
		return AccessClaims{}, err
	}
	return c, nil
}
