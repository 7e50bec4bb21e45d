package identity

import (
	"context"
	"time"
)

// User is the portal's security principal as seen by the auth subsystem.
type User struct {
	ID            string
	Email         string
	Name          string
	Role          string
	Permissions   []string
	InstitutionID *string
	Active        bool
	CreatedAt     time.Time
}

// HasPermission reports whether the user's role grants perm.
func (u User) HasPermission(perm string) bool {
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Credential pairs a user with the stored hash of their secret.
type Credential struct {
	User         User
	PasswordHash string
}

// CreateUserInput describes a user provisioned with an already-hashed secret.
type CreateUserInput struct {
	Email         string
	Name          string
	Role          string
	PasswordHash  string
	InstitutionID *string
	Now           time.Time
}

// Store is the identity persistence boundary consumed by the auth subsystem.
type Store interface {
	// GetCredentialByIdentifier returns the credential for a normalized identifier.
	GetCredentialByIdentifier(ctx context.Context, identifier string) (Credential, error)

	// GetUserByID loads a user by id.
	GetUserByID(ctx context.Context, userID string) (User, error)

	// UpdatePasswordHash replaces a user's stored hash (rehash-on-login).
	UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error

	// CreateUser provisions a user.
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
}
