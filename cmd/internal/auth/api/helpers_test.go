package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"portal/cmd/identity"
	"portal/cmd/internal/auth/session"
	"portal/cmd/security/password"
)

const (
	teacherEmail   = "teacher@school.example"
	adminEmail     = "admin@school.example"
	registrarEmail = "registrar@school.example"
	goodSecret     = "correct horse battery"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	mr  *miniredis.Miniredis
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	c.mr.SetTime(now)
	c.mr.FastForward(d)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *recordingAudit) Record(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAudit) has(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.ContainsFunc(a.entries, func(e AuditEntry) bool { return e.Action == action })
}

type apiEnv struct {
	srv    *httptest.Server
	mr     *miniredis.Miniredis
	clock  *fakeClock
	users  *identity.MemoryStore
	audits *recordingAudit
}

func newAPIEnv(t *testing.T, mutate func(*Config)) *apiEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	mr.SetTime(start)
	clock := &fakeClock{now: start, mr: mr}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1

	users := identity.NewMemoryStore(map[string][]string{
		"teacher":   {"grades:write"},
		"registrar": {PermManageSessions},
	})
	hash, err := pw.Hash(goodSecret)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for _, u := range []struct{ email, role string }{
		{teacherEmail, "teacher"},
		{adminEmail, "admin"},
		{registrarEmail, "registrar"},
	} {
		if _, err := users.CreateUser(context.Background(), identity.CreateUserInput{
			Email: u.email, Name: u.role, Role: u.role, PasswordHash: hash, Now: start,
		}); err != nil {
			t.Fatalf("CreateUser(%s): %v", u.email, err)
		}
	}

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	auth, err := identity.NewAuthenticator(users, pw, log)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	store, err := session.NewRedisStore(rdb, scfg.KeyPrefix)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	tokens, err := session.NewAccessTokenManager(scfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}
	svc, err := session.NewService(scfg, session.Deps{
		Store: store, Blacklist: store, Tokens: tokens, Auth: auth, Users: users,
	}, session.WithClock(clock.Now), session.WithLogger(log))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	throttle, err := NewLoginThrottle(rdb, cfg)
	if err != nil {
		t.Fatalf("NewLoginThrottle: %v", err)
	}
	audits := &recordingAudit{}
	h, err := NewHandler(log, svc, users, cfg,
		WithLoginThrottle(throttle),
		WithAuditSink(audits),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	r := mux.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, mr: mr, clock: clock, users: users, audits: audits}
}

type reqOpt func(*http.Request)

func withBearer(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func withCookie(name, value string) reqOpt {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: name, Value: value}) }
}

func withUA(ua string) reqOpt {
	return func(r *http.Request) { r.Header.Set("User-Agent", ua) }
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, opts ...reqOpt) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}

	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, out
}

func (e *apiEnv) login(t *testing.T, email string, remember bool, opts ...reqOpt) loginResponse {
	t.Helper()
	res, body := e.do(t, http.MethodPost, "/auth/login", map[string]any{
		"identifier": email, "secret": goodSecret, "rememberMe": remember,
	}, opts...)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d body=%s", email, res.StatusCode, body)
	}
	var out loginResponse
	mustDecode(t, body, &out)
	return out
}

func mustDecode(t *testing.T, body []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(body, dst); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e errorResponse
	mustDecode(t, body, &e)
	return e.Error.Code
}
