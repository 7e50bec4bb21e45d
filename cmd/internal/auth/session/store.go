package session

import (
	"context"
	"time"
)

// RotateOutcome is the result of an atomic refresh rotation attempt.
type RotateOutcome int

const (
	// RotateOK means the presented hash was current and has been replaced.
	RotateOK RotateOutcome = iota
	// RotateSuperseded means the presented hash is no longer current.
	RotateSuperseded
	// RotateNotFound means the session record no longer exists.
	RotateNotFound
	// RotateRevoked means the session was revoked.
	RotateRevoked
)

// Rotation describes a refresh rotation to apply atomically.
type Rotation struct {
	SessionID string
	OldHash   string
	NewHash   string
	NewExpiry time.Time
	Now       time.Time

	// Newly minted access token bound to the session.
	AccessJTI string
	AccessExp time.Time

	// Grace, when non-nil, is stored under OldHash for GraceTTL.
	Grace    []byte
	GraceTTL time.Duration
}

// RevokedAccess identifies an access token made unusable by a revocation,
// so callers can blacklist it until its natural expiry.
type RevokedAccess struct {
	JTI       string
	ExpiresAt time.Time
}

// Store is the authoritative session record. Mutations are atomic at the store.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, sessionID string) (Session, error)

	// FindByRefreshHash resolves any hash the session ever held to its id.
	FindByRefreshHash(ctx context.Context, hash string) (string, error)

	RotateRefreshToken(ctx context.Context, r Rotation) (RotateOutcome, error)

	// GraceEntry returns the sealed pair stored for a superseded hash, or nil.
	GraceEntry(ctx context.Context, oldHash string) ([]byte, error)

	// Revoke marks a session revoked. It reports whether the session was live,
	// and returns the access tokens issued for it that have not yet expired.
	// With drain set, the session's newest access token is left off the list
	// and recorded as the draining token.
	Revoke(ctx context.Context, sessionID string, now time.Time, drain bool) (bool, []RevokedAccess, error)

	// RevokeAll revokes every live session of a user and returns how many it
	// transitioned, along with their unexpired access tokens.
	RevokeAll(ctx context.Context, userID string, now time.Time) (int, []RevokedAccess, error)

	ListByUser(ctx context.Context, userID string, now time.Time) ([]Session, error)
	Touch(ctx context.Context, sessionID string, now time.Time) error

	Stats(ctx context.Context, now time.Time) (Stats, error)
	Sweep(ctx context.Context, now time.Time) (SweepResult, error)
}

// Blacklist records revoked access token identifiers until their natural expiry.
type Blacklist interface {
	Add(ctx context.Context, tokenID string, ttl time.Duration) error
	Contains(ctx context.Context, tokenID string) (bool, error)
}
