package identity

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"portal/cmd/identity/ids"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]User
	hashes    map[string]string // user id -> hash
	byEmail   map[string]string // normalized email -> user id
	rolePerms map[string][]string
}

// NewMemoryStore returns an empty store. rolePerms maps a role to the
// permissions it grants.
func NewMemoryStore(rolePerms map[string][]string) *MemoryStore {
	rp := make(map[string][]string, len(rolePerms))
	for role, perms := range rolePerms {
		rp[role] = slices.Sorted(slices.Values(perms))
	}
	return &MemoryStore{
		users:     make(map[string]User),
		hashes:    make(map[string]string),
		byEmail:   make(map[string]string),
		rolePerms: rp,
	}
}

func (s *MemoryStore) withPerms(u User) User {
	u.Permissions = slices.Clone(s.rolePerms[u.Role])
	return u
}

func (s *MemoryStore) GetCredentialByIdentifier(ctx context.Context, identifier string) (Credential, error) {
	const op = "identity.GetCredentialByIdentifier"
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return Credential{}, pgInvalid(op, "missing identifier")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	uid, ok := s.byEmail[id]
	if !ok {
		return Credential{}, NotFoundError{Op: op, Resource: "user"}
	}
	return Credential{User: s.withPerms(s.users[uid]), PasswordHash: s.hashes[uid]}, nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUserByID"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[strings.TrimSpace(userID)]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	return s.withPerms(u), nil
}

func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, userID, hash string, _ time.Time) error {
	const op = "identity.UpdatePasswordHash"
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return NotFoundError{Op: op, Resource: "credential"}
	}
	s.hashes[userID] = hash
	return nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	email := strings.TrimSpace(in.Email)
	role := strings.TrimSpace(in.Role)
	switch {
	case email == "":
		return User{}, pgInvalid(op, "email is required")
	case strings.TrimSpace(in.PasswordHash) == "":
		return User{}, pgInvalid(op, "password hash is required")
	case role == "":
		return User{}, pgInvalid(op, "role is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	norm := NormalizeEmail(email)
	if _, exists := s.byEmail[norm]; exists {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	u := User{
		ID:            id,
		Email:         email,
		Name:          strings.TrimSpace(in.Name),
		Role:          role,
		InstitutionID: in.InstitutionID,
		Active:        true,
		CreatedAt:     now.UTC(),
	}
	s.users[id] = u
	s.hashes[id] = in.PasswordHash
	s.byEmail[norm] = id
	return s.withPerms(u), nil
}

// SetActive flips a user's active flag.
func (s *MemoryStore) SetActive(userID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Active = active
		s.users[userID] = u
	}
}
