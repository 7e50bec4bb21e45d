package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"portal/cmd/identity"
	"portal/cmd/identity/ids"
	"portal/cmd/security/token"
)

// Authenticator verifies primary credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, identifier, secret string) (identity.User, error)
}

// Users resolves the current profile of a session's owner.
type Users interface {
	GetUserByID(ctx context.Context, userID string) (identity.User, error)
}

// Service implements the session operations: sign-in, validation, refresh
// rotation with reuse detection, and revocation.
//
// It holds no per-request mutable state; the Store is the only shared
// resource and every mutation on it is atomic.
type Service struct {
	cfg       Config
	store     Store
	blacklist Blacklist
	tokens    AccessTokenManager
	auth      Authenticator
	users     Users
	hasher    token.Hasher

	events  Publisher
	metrics *Metrics
	log     *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures optional Service collaborators.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Deps are the required collaborators of a Service.
type Deps struct {
	Store     Store
	Blacklist Blacklist
	Tokens    AccessTokenManager
	Auth      Authenticator
	Users     Users
}

// NewService constructs a Service.
func NewService(cfg Config, deps Deps, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Blacklist == nil || deps.Tokens == nil || deps.Auth == nil || deps.Users == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrConfig)
	}
	hasher, err := token.NewHasher(cfg.TokenHMACKey, cfg.RequireTokenHMAC)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		blacklist: deps.Blacklist,
		tokens:    deps.Tokens,
		auth:      deps.Auth,
		users:     deps.Users,
		hasher:    hasher,
		events:    nopPublisher{},
		log:       slog.Default(),
		tracer:    otel.Tracer("portal/session"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Config returns the active configuration.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) sessionTTL(rememberMe bool) time.Duration {
	if rememberMe {
		return s.cfg.RememberTTL
	}
	return s.cfg.SessionTTL
}

func (s *Service) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "session."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (s *Service) finish(span trace.Span, op string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = ReasonCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	}
	span.SetAttributes(attribute.String("portal.auth.result", result))
	s.metrics.observe(op, result, time.Since(started))
	span.End()
}

// LoginInput carries primary credentials and the client context.
type LoginInput struct {
	Identifier string
	Secret     string
	RememberMe bool
	Device     DeviceContext
}

// Login validates credentials, creates one session and returns a fresh pair.
// On failure it returns ErrInvalidCredentials without revealing whether the
// identifier exists; no state is touched.
func (s *Service) Login(ctx context.Context, in LoginInput) (out Issued, err error) {
	ctx, span, started := s.start(ctx, "login", attribute.Bool("portal.auth.remember_me", in.RememberMe))
	defer func() { s.finish(span, "login", started, err) }()

	u, err := s.auth.Authenticate(ctx, in.Identifier, in.Secret)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			return Issued{}, ErrInvalidCredentials
		}
		return Issued{}, fmt.Errorf("session.login: authenticate: %w", err)
	}

	now := s.now().UTC()
	sid, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}
	refreshPlain, refreshHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes, s.hasher)
	if err != nil {
		return Issued{}, err
	}

	access, claims, err := s.tokens.Issue(Subject{UserID: u.ID, Role: u.Role, Permissions: u.Permissions}, sid, now)
	if err != nil {
		return Issued{}, fmt.Errorf("session.login: issue access token: %w", err)
	}

	exp := now.Add(s.sessionTTL(in.RememberMe))
	sess := Session{
		ID:           sid,
		UserID:       u.ID,
		UserAgent:    truncate(in.Device.UserAgent, 512),
		IP:           in.Device.IP,
		DeviceType:   DetectDeviceType(in.Device.UserAgent),
		RememberMe:   in.RememberMe,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    exp,
		RefreshHash:  refreshHash,
		AccessJTI:    claims.TokenID,
		AccessExp:    claims.ExpiresAt,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return Issued{}, err
	}

	span.SetAttributes(attribute.String("portal.session.id", sid))
	return Issued{
		SessionID:    sid,
		AccessToken:  access,
		AccessExp:    claims.ExpiresAt,
		RefreshToken: refreshPlain,
		RefreshExp:   exp,
		User:         &u,
	}, nil
}

// Validate is the gate for every protected operation. Checks run in order and
// stop at the first failure: signature/structure, expiry, blacklist, session
// liveness.
func (s *Service) Validate(ctx context.Context, accessToken string) (claims AccessClaims, err error) {
	ctx, span, started := s.start(ctx, "validate")
	defer func() { s.finish(span, "validate", started, err) }()

	claims, err = s.tokens.Parse(accessToken)
	if err != nil {
		return AccessClaims{}, ErrMalformedToken
	}

	now := s.now()
	if !now.Before(claims.ExpiresAt.Add(s.cfg.ClockSkew)) {
		return AccessClaims{}, ErrExpiredToken
	}
	if claims.NotBefore.After(now.Add(s.cfg.ClockSkew)) {
		return AccessClaims{}, ErrMalformedToken
	}

	listed, err := s.blacklist.Contains(ctx, claims.TokenID)
	if err != nil {
		return AccessClaims{}, err
	}
	if listed {
		return AccessClaims{}, ErrRevokedToken
	}

	sess, err := s.store.Get(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}
	if sess.UserID != claims.UserID {
		return AccessClaims{}, ErrMalformedToken
	}
	if sess.Revoked && (sess.DrainJTI == "" || sess.DrainJTI != claims.TokenID) {
		return AccessClaims{}, ErrRevokedToken
	}
	if !now.Before(sess.ExpiresAt) {
		return AccessClaims{}, ErrSessionNotFound
	}

	return claims, nil
}

// Refresh exchanges the current refresh token of a session for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (out Issued, err error) {
	ctx, span, started := s.start(ctx, "refresh")
	defer func() { s.finish(span, "refresh", started, err) }()

	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" || len(refreshToken) > maxRefreshTokenLen {
		return Issued{}, ErrSessionNotFound
	}
	hash := s.hasher.Hash(refreshToken)
	now := s.now().UTC()

	sid, err := s.store.FindByRefreshHash(ctx, hash)
	if err != nil {
		return Issued{}, err
	}
	span.SetAttributes(attribute.String("portal.session.id", sid))

	sess, err := s.store.Get(ctx, sid)
	if err != nil {
		return Issued{}, err
	}
	if sess.Revoked {
		return Issued{}, ErrRevokedToken
	}
	if !now.Before(sess.ExpiresAt) {
		return Issued{}, ErrExpiredToken
	}
	if !token.Equal(sess.RefreshHash, hash) {
		return s.superseded(ctx, sess, refreshToken, hash, now)
	}

	u, err := s.users.GetUserByID(ctx, sess.UserID)
	if err != nil || !u.Active {
		if err != nil && !identity.IsNotFound(err) {
			return Issued{}, fmt.Errorf("session.refresh: load user: %w", err)
		}
		// The owner is gone or disabled: end the session instead of renewing it.
		if rerr := s.revoke(ctx, sess.ID, sess.UserID, now, false, "user_inactive"); rerr != nil {
			return Issued{}, rerr
		}
		return Issued{}, ErrRevokedToken
	}

	newPlain, newHash, err := newOpaqueRefreshToken(s.cfg.RefreshTokenBytes, s.hasher)
	if err != nil {
		return Issued{}, err
	}
	access, claims, err := s.tokens.Issue(Subject{UserID: u.ID, Role: u.Role, Permissions: u.Permissions}, sess.ID, now)
	if err != nil {
		return Issued{}, fmt.Errorf("session.refresh: issue access token: %w", err)
	}
	newExp := now.Add(s.sessionTTL(sess.RememberMe))

	rot := Rotation{
		SessionID: sess.ID,
		OldHash:   hash,
		NewHash:   newHash,
		NewExpiry: newExp,
		Now:       now,
		AccessJTI: claims.TokenID,
		AccessExp: claims.ExpiresAt,
	}
	if s.cfg.RefreshGrace > 0 {
		blob, err := sealGrace(refreshToken, gracePair{
			AccessToken:  access,
			AccessExp:    claims.ExpiresAt,
			RefreshToken: newPlain,
			RefreshExp:   newExp,
		})
		if err != nil {
			return Issued{}, err
		}
		rot.Grace = blob
		rot.GraceTTL = s.cfg.RefreshGrace
	}

	outcome, err := s.store.RotateRefreshToken(ctx, rot)
	if err != nil {
		return Issued{}, err
	}
	switch outcome {
	case RotateOK:
	case RotateSuperseded:
		// Lost a concurrent redemption between read and rotate.
		return s.superseded(ctx, sess, refreshToken, hash, now)
	case RotateRevoked:
		return Issued{}, ErrRevokedToken
	default:
		return Issued{}, ErrSessionNotFound
	}

	return Issued{
		SessionID:    sess.ID,
		AccessToken:  access,
		AccessExp:    claims.ExpiresAt,
		RefreshToken: newPlain,
		RefreshExp:   newExp,
	}, nil
}

// superseded handles a refresh token that was valid once but has since been
// rotated: either a grace replay or a reuse event.
func (s *Service) superseded(ctx context.Context, sess Session, plain, hash string, now time.Time) (Issued, error) {
	if s.cfg.RefreshGrace > 0 {
		blob, err := s.store.GraceEntry(ctx, hash)
		if err != nil {
			return Issued{}, err
		}
		if blob != nil {
			p, err := openGrace(plain, blob)
			if err == nil && now.Before(p.AccessExp) {
				s.log.InfoContext(ctx, "session.refresh.grace_replay", "session_id", sess.ID)
				return Issued{
					SessionID:    sess.ID,
					AccessToken:  p.AccessToken,
					AccessExp:    p.AccessExp,
					RefreshToken: p.RefreshToken,
					RefreshExp:   p.RefreshExp,
				}, nil
			}
		}
	}

	s.log.WarnContext(ctx, "session.refresh.reuse_detected",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"policy", s.cfg.ReusePolicy,
	)
	drain := s.cfg.ReusePolicy == ReusePolicyDrain
	if err := s.revoke(ctx, sess.ID, sess.UserID, now, drain, "refresh_reuse"); err != nil {
		return Issued{}, err
	}
	return Issued{}, ErrRefreshTokenReuse
}

// revoke revokes one session, blacklists its unexpired access tokens and
// publishes the event.
func (s *Service) revoke(ctx context.Context, sessionID, userID string, now time.Time, drain bool, cause string) error {
	wasLive, live, err := s.store.Revoke(ctx, sessionID, now, drain)
	if err != nil {
		return err
	}
	if err := s.blacklistAll(ctx, live, now); err != nil {
		return err
	}
	if wasLive {
		s.metrics.sessionsRevoked(cause, 1)
		s.publish(ctx, Event{Kind: EventSessionRevoked, UserID: userID, SessionID: sessionID, Count: 1, Reason: cause, At: now})
	}
	return nil
}

func (s *Service) blacklistOne(ctx context.Context, jti string, exp, now time.Time) error {
	// Entries outlive the token's acceptance window, skew included.
	ttl := exp.Sub(now) + s.cfg.ClockSkew
	if err := s.blacklist.Add(ctx, jti, ttl); err != nil {
		return err
	}
	s.metrics.tokensBlacklisted(1)
	return nil
}

func (s *Service) blacklistAll(ctx context.Context, live []RevokedAccess, now time.Time) error {
	for _, ra := range live {
		if err := s.blacklistOne(ctx, ra.JTI, ra.ExpiresAt, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "session.events.publish.fail", "kind", string(ev.Kind), "err", err)
	}
}

// Logout blacklists the presented access token and revokes its session.
// Logging out of a session that is already gone succeeds.
func (s *Service) Logout(ctx context.Context, claims AccessClaims) (err error) {
	ctx, span, started := s.start(ctx, "logout", attribute.String("portal.session.id", claims.SessionID))
	defer func() { s.finish(span, "logout", started, err) }()

	now := s.now().UTC()
	if err := s.blacklistOne(ctx, claims.TokenID, claims.ExpiresAt, now); err != nil {
		return err
	}
	if err := s.revoke(ctx, claims.SessionID, claims.UserID, now, false, "logout"); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return nil
}

// LogoutAll revokes every live session of userID, blacklists their access
// tokens and returns how many sessions were revoked.
func (s *Service) LogoutAll(ctx context.Context, userID string) (n int, err error) {
	ctx, span, started := s.start(ctx, "logout_all", attribute.String("portal.user.id", userID))
	defer func() { s.finish(span, "logout_all", started, err) }()

	now := s.now().UTC()
	n, live, err := s.store.RevokeAll(ctx, userID, now)
	if err != nil {
		return 0, err
	}
	if err := s.blacklistAll(ctx, live, now); err != nil {
		return 0, err
	}

	s.metrics.sessionsRevoked("logout_all", n)
	s.publish(ctx, Event{Kind: EventSessionsRevokedAll, UserID: userID, Count: n, Reason: "logout_all", At: now})
	return n, nil
}

// TerminateSession revokes one live session owned by userID. Sessions owned
// by someone else are reported as not found.
func (s *Service) TerminateSession(ctx context.Context, userID, sessionID string) (err error) {
	ctx, span, started := s.start(ctx, "terminate", attribute.String("portal.session.id", sessionID))
	defer func() { s.finish(span, "terminate", started, err) }()

	now := s.now().UTC()
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID || !sess.Live(now) {
		return ErrSessionNotFound
	}
	return s.revoke(ctx, sessionID, userID, now, false, "terminated")
}

// ListUserSessions returns the live sessions of userID, most recently active first.
func (s *Service) ListUserSessions(ctx context.Context, userID string) ([]Session, error) {
	return s.store.ListByUser(ctx, userID, s.now().UTC())
}

// Touch records activity on a session. Callers treat failures as non-fatal.
func (s *Service) Touch(ctx context.Context, sessionID string) error {
	return s.store.Touch(ctx, sessionID, s.now().UTC())
}

// Stats summarizes live sessions.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	return s.store.Stats(ctx, s.now().UTC())
}

// Sweep prunes stale index entries.
func (s *Service) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span, started := s.start(ctx, "sweep")
	defer func() { s.finish(span, "sweep", started, err) }()

	res, err = s.store.Sweep(ctx, s.now().UTC())
	if err != nil {
		return res, err
	}
	s.log.InfoContext(ctx, "session.sweep.done", "expired", res.Expired, "dangling", res.Dangling)
	return res, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
