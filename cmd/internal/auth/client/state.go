package authclient

import (
	"slices"
	"time"
)

// User is the profile snapshot returned at login.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	Permissions   []string  `json:"permissions"`
	InstitutionID *string   `json:"institutionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Record is the persisted token material. Every backend stores this schema;
// the cookie mirror stores only AccessToken, SessionID and ExpiresAt.
type Record struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	SessionID    string    `json:"sessionId"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         *User     `json:"user,omitempty"`
	Permissions  []string  `json:"permissions,omitempty"`
	RememberMe   bool      `json:"rememberMe"`
}

// Empty reports whether r carries no access token.
func (r Record) Empty() bool { return r.AccessToken == "" }

// Expired reports whether the access token has reached its natural expiry.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt.IsZero() || !now.Before(r.ExpiresAt)
}

// Renewable reports whether r can be exchanged for a new pair.
func (r Record) Renewable() bool { return r.RefreshToken != "" }

func (r Record) clone() Record {
	out := r
	out.Permissions = slices.Clone(r.Permissions)
	if r.User != nil {
		u := *r.User
		u.Permissions = slices.Clone(r.User.Permissions)
		out.User = &u
	}
	return out
}

// State is an immutable snapshot of the client's authentication state.
type State struct {
	IsAuthenticated bool
	User            *User
	AccessToken     string
	RefreshToken    string
	SessionID       string
	ExpiresAt       time.Time
	Permissions     []string
}

func stateOf(r Record, now time.Time) State {
	if r.Empty() || r.Expired(now) {
		return State{}
	}
	c := r.clone()
	return State{
		IsAuthenticated: true,
		User:            c.User,
		AccessToken:     c.AccessToken,
		RefreshToken:    c.RefreshToken,
		SessionID:       c.SessionID,
		ExpiresAt:       c.ExpiresAt,
		Permissions:     c.Permissions,
	}
}

// HasPermission reports whether the snapshot carries perm.
func (s State) HasPermission(perm string) bool {
	return slices.Contains(s.Permissions, perm)
}

// Usable reports whether r can authenticate now or be renewed into a record
// that can.
func (r Record) Usable(now time.Time) bool {
	return !r.Empty() && (!r.Expired(now) || r.Renewable())
}
