package authclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"portal/cmd/identity"
	authapi "portal/cmd/internal/auth/api"
	"portal/cmd/internal/auth/session"
	"portal/cmd/internal/realtime"
	"portal/cmd/security/password"
)

const (
	studentEmail = "student@school.example"
	goodSecret   = "correct horse battery"
)

// fakeClock drives the client scheduler, the server clock and miniredis TTLs.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	mr     *miniredis.Miniredis
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns the number of timers that have not fired or been stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves time forward and runs due timers in order on the caller's
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	if c.mr != nil {
		c.mr.SetTime(now)
		c.mr.FastForward(d)
	}
	slices.SortFunc(due, func(a, b *fakeTimer) int { return a.at.Compare(b.at) })
	for _, t := range due {
		t.f()
	}
}

type serverEnv struct {
	srv   *httptest.Server
	mr    *miniredis.Miniredis
	clock *fakeClock
	svc   *session.Service
	hub   *realtime.Hub
	users *identity.MemoryStore
}

// newServerEnv runs the real auth API and events gateway over miniredis.
// The clock starts at the current wall time so cookie jar expiry agrees.
func newServerEnv(t *testing.T, mutate func(*session.Config)) *serverEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	start := time.Now().UTC().Truncate(time.Second)
	mr.SetTime(start)
	clock := newFakeClock(start)
	clock.mr = mr

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1
	hash, err := pw.Hash(goodSecret)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	users := identity.NewMemoryStore(map[string][]string{"student": {"grades:read"}})
	if _, err := users.CreateUser(context.Background(), identity.CreateUserInput{
		Email: studentEmail, Name: "Student", Role: "student", PasswordHash: hash, Now: start,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	auth, err := identity.NewAuthenticator(users, pw, log)
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	if mutate != nil {
		mutate(&scfg)
	}
	store, err := session.NewRedisStore(rdb, scfg.KeyPrefix)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	tokens, err := session.NewAccessTokenManager(scfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}
	hub := realtime.NewHub(log)
	svc, err := session.NewService(scfg, session.Deps{
		Store: store, Blacklist: store, Tokens: tokens, Auth: auth, Users: users,
	}, session.WithClock(clock.Now), session.WithLogger(log), session.WithPublisher(hub))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	acfg := authapi.DefaultConfig()
	acfg.CookieSecure = false
	h, err := authapi.NewHandler(log, svc, users, acfg, authapi.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	gw, err := realtime.NewWSGateway(log, hub, h, realtime.DefaultConfig())
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	r := mux.NewRouter()
	r.Handle("/auth/events", gw).Methods(http.MethodGet)
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &serverEnv{srv: srv, mr: mr, clock: clock, svc: svc, hub: hub, users: users}
}

type clientOpts struct {
	storePath string
	jar       http.CookieJar
	session   Backend
}

func (e *serverEnv) newClient(t *testing.T, o clientOpts) *Client {
	t.Helper()

	cfg := DefaultConfig()
	cfg.BaseURL = e.srv.URL
	cfg.StorePath = o.storePath
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(t.TempDir(), "session.json")
	}

	jar := o.jar
	if jar == nil {
		var err error
		if jar, err = cookiejar.New(nil); err != nil {
			t.Fatalf("cookiejar: %v", err)
		}
	}
	opts := []Option{
		WithClock(e.clock),
		WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
		WithHTTPClient(&http.Client{Jar: jar, Timeout: 5 * time.Second}),
	}
	if o.session != nil {
		opts = append(opts, WithSessionBackend(o.session))
	}

	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// events records broadcaster notifications.
type events struct {
	mu   sync.Mutex
	list []Event
}

func (e *events) observe(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
	return nil
}

func (e *events) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventKind, 0, len(e.list))
	for _, ev := range e.list {
		out = append(out, ev.Kind)
	}
	return out
}

func (e *events) count(kind EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.list {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// raw performs a request against the server without the client, returning
// the status and the error code of the envelope, if any.
func (e *serverEnv) raw(t *testing.T, method, path, bearer string, body io.Reader) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 == 2 {
		return resp.StatusCode, ""
	}
	apiErr := decodeAPIError(resp).(*APIError)
	return resp.StatusCode, apiErr.Code
}
