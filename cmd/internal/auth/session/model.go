package session

import (
	"slices"
	"time"

	"portal/cmd/identity"
)

// Session is the server's authoritative record binding a user, the hash of
// the current refresh token and a validity window.
type Session struct {
	ID           string
	UserID       string
	UserAgent    string
	IP           string
	DeviceType   DeviceType
	RememberMe   bool
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	RotatedAt    time.Time

	RefreshHash string

	// AccessJTI and AccessExp identify the newest access token minted for
	// this session.
	AccessJTI string
	AccessExp time.Time

	Revoked   bool
	RevokedAt time.Time

	// DrainJTI is set when the session was revoked under the drain policy.
	DrainJTI string
}

// Live reports whether the session can still authorize requests at now.
func (s Session) Live(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

// DeviceContext describes the client that is signing in.
type DeviceContext struct {
	UserAgent string
	IP        string
}

// Subject is the identity embedded into access tokens.
type Subject struct {
	UserID      string
	Role        string
	Permissions []string
}

// AccessClaims is the decoded claim set of an access token.
type AccessClaims struct {
	Issuer      string
	UserID      string
	Role        string
	Permissions []string
	SessionID   string
	TokenID     string
	IssuedAt    time.Time
	NotBefore   time.Time
	ExpiresAt   time.Time
}

// HasPermission reports whether the claims carry perm.
func (c AccessClaims) HasPermission(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// Issued is the result of a sign-in or a refresh rotation.
type Issued struct {
	SessionID    string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time

	// User is populated on sign-in only.
	User *identity.User
}

// ExpiresIn is the access token lifetime remaining at now, in whole seconds.
func (i Issued) ExpiresIn(now time.Time) int64 {
	d := i.AccessExp.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Stats summarizes the live session population.
type Stats struct {
	ActiveSessions int64
	ActiveUsers    int64
	ByDevice       map[DeviceType]int64
}

// SweepResult reports index entries removed by Sweep.
type SweepResult struct {
	Expired  int64
	Dangling int64
}
