package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"portal/cmd/identity"
)

const testSecret = "correct horse battery"

// testClock drives both the service clock and miniredis TTLs.
type testClock struct {
	mu  sync.Mutex
	now time.Time
	mr  *miniredis.Miniredis
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	c.mr.SetTime(now)
	c.mr.FastForward(d)
}

// stubUsers is an in-memory Authenticator + Users.
type stubUsers struct {
	mu    sync.Mutex
	users map[string]identity.User // keyed by email
}

func newStubUsers(users ...identity.User) *stubUsers {
	s := &stubUsers{users: make(map[string]identity.User)}
	for _, u := range users {
		s.users[u.Email] = u
	}
	return s
}

func (s *stubUsers) Authenticate(_ context.Context, identifier, secret string) (identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[identity.NormalizeIdentifier(identifier)]
	if !ok || secret != testSecret || !u.Active {
		return identity.User{}, identity.OpError{Op: "identity.Authenticate", Kind: identity.ErrInvalidCredentials}
	}
	return u, nil
}

func (s *stubUsers) GetUserByID(_ context.Context, id string) (identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return identity.User{}, identity.NotFoundError{Op: "identity.GetUserByID", Resource: "user"}
}

func (s *stubUsers) setActive(email string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[email]
	u.Active = active
	s.users[email] = u
}

var (
	teacherUser = identity.User{
		ID:          "01J0TEACHER000000000000000",
		Email:       "teacher@school.example",
		Name:        "Ada Teacher",
		Role:        "teacher",
		Permissions: []string{"attendance:write", "grades:write"},
		Active:      true,
	}
	studentUser = identity.User{
		ID:     "01J0STUDENT000000000000000",
		Email:  "student@school.example",
		Role:   "student",
		Active: true,
	}
)

type testEnv struct {
	svc   *Service
	store *RedisStore
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	clock *testClock
	users *stubUsers
	pub   *recordingPublisher
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) kinds() []EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventKind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.TokenHMACKey = "test-hmac-key-test-hmac-key-0123"
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	mr.SetTime(start)
	clock := &testClock{now: start, mr: mr}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := NewRedisStore(rdb, cfg.KeyPrefix)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	tokens, err := NewAccessTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}
	users := newStubUsers(teacherUser, studentUser)
	pub := &recordingPublisher{}

	svc, err := NewService(cfg, Deps{
		Store:     store,
		Blacklist: store,
		Tokens:    tokens,
		Auth:      users,
		Users:     users,
	},
		WithClock(clock.Now),
		WithPublisher(pub),
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	return &testEnv{svc: svc, store: store, mr: mr, rdb: rdb, clock: clock, users: users, pub: pub}
}

func (e *testEnv) login(t *testing.T, email string, remember bool, ua string) Issued {
	t.Helper()
	out, err := e.svc.Login(context.Background(), LoginInput{
		Identifier: email,
		Secret:     testSecret,
		RememberMe: remember,
		Device:     DeviceContext{UserAgent: ua, IP: "203.0.113.7"},
	})
	if err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
	return out
}
