package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"portal/cmd/identity/ids"
)

// PostgresStore implements identity persistence over PostgreSQL.
//
// Notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Permissions are resolved from role_permissions at read time, never cached here.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the identity store (default "portal").
// The schema name is validated to be a legal PostgreSQL identifier.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "portal",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// userSelect returns the shared projection. The credential join is optional.
func (s *PostgresStore) userSelect(withHash bool) string {
	users := pgIdent(s.schema, "users")
	perms := pgIdent(s.schema, "role_permissions")
	creds := pgIdent(s.schema, "user_credentials")

	cols := `u.id, u.email, u.name, u.role, u.institution_id, u.active, u.created_at,
	         COALESCE((SELECT array_agg(rp.permission ORDER BY rp.permission)
	                     FROM ` + perms + ` rp WHERE rp.role = u.role), '{}')`
	if withHash {
		return `SELECT ` + cols + `, c.password_hash
		          FROM ` + users + ` u
		          JOIN ` + creds + ` c ON c.user_id = u.id`
	}
	return `SELECT ` + cols + ` FROM ` + users + ` u`
}

func scanUser(row pgx.Row, hash *string) (User, error) {
	var (
		u     User
		inst  *string
		perms []string
	)
	dest := []any{&u.ID, &u.Email, &u.Name, &u.Role, &inst, &u.Active, &u.CreatedAt, &perms}
	if hash != nil {
		dest = append(dest, hash)
	}
	if err := row.Scan(dest...); err != nil {
		return User{}, err
	}
	u.InstitutionID = inst
	u.Permissions = perms
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// GetCredentialByIdentifier loads the user and password hash for an email identifier.
func (s *PostgresStore) GetCredentialByIdentifier(ctx context.Context, identifier string) (Credential, error) {
	const op = "identity.GetCredentialByIdentifier"

	if s == nil || s.pool == nil {
		return Credential{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	id := NormalizeIdentifier(identifier)
	if id == "" {
		return Credential{}, pgInvalid(op, "missing identifier")
	}

	var hash string
	u, err := scanUser(s.pool.QueryRow(ctx, s.userSelect(true)+` WHERE u.email_norm = $1`, id), &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, NotFoundError{Op: op, Resource: "user"}
		}
		return Credential{}, err
	}
	return Credential{User: u, PasswordHash: hash}, nil
}

// GetUserByID loads a user by id.
func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUserByID"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, pgInvalid(op, "missing user_id")
	}

	u, err := scanUser(s.pool.QueryRow(ctx, s.userSelect(false)+` WHERE u.id = $1`, userID), nil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, NotFoundError{Op: op, Resource: "user"}
		}
		return User{}, err
	}
	return u, nil
}

// UpdatePasswordHash replaces the stored hash for a user.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"

	if s == nil || s.pool == nil {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(hash) == "" {
		return pgInvalid(op, "missing user_id or hash")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "user_credentials")+`
		    SET password_hash = $2, updated_at = $3
		  WHERE user_id = $1`,
		userID, hash, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "credential"}
	}
	return nil
}

// CreateUser creates a user and its credential transactionally.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if s == nil || s.pool == nil {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	email := strings.TrimSpace(in.Email)
	if email == "" {
		return User{}, pgInvalid(op, "email is required")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return User{}, pgInvalid(op, "password hash is required")
	}
	role := strings.TrimSpace(in.Role)
	if role == "" {
		return User{}, pgInvalid(op, "role is required")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	userID, err := ids.NewULID(now)
	if err != nil {
		return User{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "users")+` (
		     id, email, email_norm, name, role, institution_id, active, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)`,
		userID, email, NormalizeEmail(email), strings.TrimSpace(in.Name), role, in.InstitutionID, now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "user_credentials")+` (user_id, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)`,
		userID, in.PasswordHash, now,
	)
	if err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}

	return s.GetUserByID(ctx, userID)
}

// pgInvalid standardizes invalid input errors.
func pgInvalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// pgIdentIsValid checks if a string is a safe Postgres identifier.
func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_email_norm", strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
