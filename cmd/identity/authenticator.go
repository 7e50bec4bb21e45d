package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"portal/cmd/security/password"
)

// Authenticator verifies primary credentials.
//
// Every failure path returns ErrInvalidCredentials and performs one hash
// verification, so response timing does not reveal whether an identifier exists.
type Authenticator struct {
	store     Store
	passwords password.Config
	log       *slog.Logger
	now       func() time.Time
	dummyHash string
}

// NewAuthenticator builds an Authenticator. The dummy hash is computed once
// with the configured parameters so unknown identifiers cost the same as known ones.
func NewAuthenticator(store Store, cfg password.Config, log *slog.Logger) (*Authenticator, error) {
	if store == nil {
		return nil, errors.New("identity: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	dummy, err := cfg.Hash("portal-dummy-secret-for-timing")
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		store:     store,
		passwords: cfg,
		log:       log,
		now:       time.Now,
		dummyHash: dummy,
	}, nil
}

// Authenticate resolves identifier + secret to an active user.
func (a *Authenticator) Authenticate(ctx context.Context, identifier, secret string) (User, error) {
	const op = "identity.Authenticate"

	if strings.TrimSpace(identifier) == "" || secret == "" {
		_, _ = a.passwords.Verify(a.dummyHash, secret)
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	cred, err := a.store.GetCredentialByIdentifier(ctx, identifier)
	if err != nil {
		_, _ = a.passwords.Verify(a.dummyHash, secret)
		if IsNotFound(err) || IsInvalidInput(err) {
			return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
		}
		return User{}, err
	}

	ok, err := a.passwords.Verify(cred.PasswordHash, secret)
	if err != nil {
		a.log.WarnContext(ctx, "identity.authenticate.bad_hash", "user_id", cred.User.ID, "err", err)
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}
	if !ok || !cred.User.Active {
		return User{}, OpError{Op: op, Kind: ErrInvalidCredentials}
	}

	if a.passwords.NeedsRehash(cred.PasswordHash) {
		a.rehash(ctx, cred.User.ID, secret)
	}
	return cred.User, nil
}

// rehash upgrades a legacy or weaker hash. Failure never blocks sign-in.
func (a *Authenticator) rehash(ctx context.Context, userID, secret string) {
	h, err := a.passwords.Hash(secret)
	if err != nil {
		// Existing secrets may predate the current policy.
		a.log.InfoContext(ctx, "identity.rehash.skip", "user_id", userID, "err", err)
		return
	}
	if err := a.store.UpdatePasswordHash(ctx, userID, h, a.now().UTC()); err != nil {
		a.log.WarnContext(ctx, "identity.rehash.fail", "user_id", userID, "err", err)
		return
	}
	a.log.InfoContext(ctx, "identity.rehash.ok", "user_id", userID)
}
