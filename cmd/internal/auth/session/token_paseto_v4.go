package session

import (
	"fmt"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type pasetoV4PublicManager struct {
	issuer string
	ttl    time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces the issuer rule.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: paseto secret key: %w", ErrConfig, err)
	}

	return &pasetoV4PublicManager{
		issuer: cfg.Issuer,
		ttl:    cfg.AccessTokenTTL,
		secret: secret,
		public: secret.Public(),
	}, nil
}

func (m *pasetoV4PublicManager) Format() string { return FormatPaseto }

// PublicKeyHex exposes the verification key for out-of-process verifiers.
func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(sub Subject, sessionID string, now time.Time) (string, AccessClaims, error) {
	c := newClaims(m.issuer, m.ttl, sub, sessionID, now)

	tok := paseto.NewToken()
	tok.SetIssuer(c.Issuer)
	tok.SetSubject(c.UserID)
	tok.SetJti(c.TokenID)
	tok.SetIssuedAt(c.IssuedAt)
	tok.SetNotBefore(c.NotBefore)
	tok.SetExpiration(c.ExpiresAt)

	if err := tok.Set("role", c.Role); err != nil {
		return "", AccessClaims{}, err
	}
	if err := tok.Set("perms", c.Permissions); err != nil {
		return "", AccessClaims{}, err
	}
	if err := tok.Set("sid", c.SessionID); err != nil {
		return "", AccessClaims{}, err
	}

	return tok.V4Sign(m.secret, nil), c, nil
}

func (m *pasetoV4PublicManager) Parse(token string) (AccessClaims, error) {
	if !tokenShapeOK(token) {
		return AccessClaims{}, ErrMalformedToken
	}

	// Build a fresh parser per call to avoid accumulating rules across parses.
	// Expiry is left to the caller.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrMalformedToken
	}

	var c AccessClaims
	c.Issuer, _ = parsed.GetIssuer()
	c.UserID, _ = parsed.GetSubject()
	c.TokenID, _ = parsed.GetJti()
	c.IssuedAt, _ = parsed.GetIssuedAt()
	c.NotBefore, _ = parsed.GetNotBefore()
	c.ExpiresAt, _ = parsed.GetExpiration()
	c.Role, _ = parsed.GetString("role")
	c.SessionID, _ = parsed.GetString("sid")
	if err := parsed.Get("perms", &c.Permissions); err != nil {
		return AccessClaims{}, ErrMalformedToken
	}

	if err := checkStructure(c); err != nil {
		return AccessClaims{}, err
	}
	return c, nil
}
