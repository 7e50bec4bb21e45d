package authclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Client manages one execution context's session: login, persistence,
// proactive renewal, logout and state notifications.
type Client struct {
	cfg   Config
	log   *slog.Logger
	clock Clock
	hc    *http.Client
	api   *api
	store *Store
	bc    *Broadcaster
	sched *Scheduler
	sf    singleflight.Group

	durable Backend
	session Backend

	mu  sync.RWMutex
	rec Record
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithHTTPClient sets the transport. Its cookie jar, when present, backs the
// cookie mirror.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithDurableBackend replaces the file-backed durable backend.
func WithDurableBackend(b Backend) Option {
	return func(c *Client) { c.durable = b }
}

// WithSessionBackend replaces the process-memory session backend.
func WithSessionBackend(b Backend) Option {
	return func(c *Client) { c.session = b }
}

// New constructs a Client. It does not touch the network; call Restore to
// resume a persisted session or Login to start one.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, log: slog.Default(), clock: realClock{}}
	if cfg.StorePath != "" {
		c.durable = NewFileBackend(cfg.StorePath)
	}
	c.session = NewMemoryBackend()
	for _, o := range opts {
		o(c)
	}

	if c.hc == nil {
		c.hc = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if c.hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc := *c.hc
		hc.Jar = jar
		c.hc = &hc
	}

	cookie := NewCookieBackend(c.hc.Jar, base, cfg.AccessCookieName, cfg.SessionCookieName)
	c.api = &api{base: base, hc: c.hc}
	c.store = NewStore(c.log, c.clock.Now, c.durable, c.session, cookie)
	c.bc = NewBroadcaster(c.log)
	c.sched = NewScheduler(c.log, c.clock, cfg, c.renew, c.forceLogout)
	return c, nil
}

func (c *Client) current() Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rec
}

func (c *Client) setRecord(rec Record) {
	c.mu.Lock()
	c.rec = rec.clone()
	c.mu.Unlock()
}

// adopt makes rec current and persists it. Storage failure degrades to an
// in-memory session.
func (c *Client) adopt(ctx context.Context, rec Record) {
	c.setRecord(rec)
	if _, err := c.store.Save(ctx, rec); err != nil {
		c.log.Warn("client.store.save.fail", "session_id", rec.SessionID, "err", err)
	}
}

func (c *Client) notify(kind EventKind, cause error) {
	now := c.clock.Now()
	c.bc.Notify(Event{Kind: kind, State: stateOf(c.current(), now), At: now, Err: cause})
}

func recordFrom(resp tokenResponse, rememberMe bool, user *User, perms []string) Record {
	if resp.User != nil {
		user = resp.User
		perms = resp.User.Permissions
	}
	return Record{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		SessionID:    resp.SessionID,
		ExpiresAt:    resp.ExpiresAt.UTC(),
		User:         user,
		Permissions:  perms,
		RememberMe:   rememberMe,
	}.clone()
}

// Login exchanges primary credentials for a session.
func (c *Client) Login(ctx context.Context, identifier, secret string, rememberMe bool) (State, error) {
	resp, err := c.api.login(ctx, identifier, secret, rememberMe)
	if err != nil {
		return State{}, err
	}
	rec := recordFrom(resp, rememberMe, nil, nil)
	c.adopt(ctx, rec)
	c.sched.Arm(rec.ExpiresAt)
	c.log.Info("client.login", "session_id", rec.SessionID, "remember_me", rememberMe)
	c.notify(EventLogin, nil)
	return c.State(), nil
}

// Refresh renews the pair now. A failure proving the session dead forces a
// logout; transport failures leave the state untouched.
func (c *Client) Refresh(ctx context.Context) (State, error) {
	exp, err := c.renew(ctx)
	if err != nil {
		if isSessionFatal(err) {
			c.forceLogout(err)
		}
		return State{}, err
	}
	c.sched.Arm(exp)
	return c.State(), nil
}

// renew collapses concurrent renewals in this context into one call. The
// shared call runs under its own RefreshTimeout, detached from whichever
// caller started it; each caller still waits no longer than its own ctx.
func (c *Client) renew(ctx context.Context) (time.Time, error) {
	ch := c.sf.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
		defer cancel()
		return c.doRefresh(rctx)
	})
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return time.Time{}, res.Err
		}
		return res.Val.(time.Time), nil
	}
}

func (c *Client) doRefresh(ctx context.Context) (time.Time, error) {
	cur := c.current()
	if cur.Empty() || !cur.Renewable() {
		return time.Time{}, ErrNotAuthenticated
	}
	now := c.clock.Now()

	// Another context sharing the durable store may already have rotated the
	// pair; redeeming ours again would be reuse.
	if cur.RememberMe {
		if d, ok := c.store.LoadDurable(ctx); ok &&
			d.SessionID == cur.SessionID &&
			d.RefreshToken != cur.RefreshToken &&
			d.ExpiresAt.After(cur.ExpiresAt) &&
			d.ExpiresAt.Sub(now) > c.cfg.SafetyMargin {
			c.adopt(ctx, d)
			c.log.Info("client.refresh.adopted", "session_id", d.SessionID)
			c.notify(EventRefresh, nil)
			return d.ExpiresAt, nil
		}
	}

	resp, err := c.api.refresh(ctx, cur.RefreshToken)
	if err != nil {
		c.log.Warn("client.refresh.fail", "session_id", cur.SessionID, "err", err)
		return time.Time{}, err
	}
	rec := recordFrom(resp, cur.RememberMe, cur.User, cur.Permissions)
	c.adopt(ctx, rec)
	c.notify(EventRefresh, nil)
	return rec.ExpiresAt, nil
}

// forceLogout clears local state after an unrecoverable failure. It runs at
// most once per session.
func (c *Client) forceLogout(cause error) {
	c.mu.Lock()
	if c.rec.Empty() {
		c.mu.Unlock()
		return
	}
	sid := c.rec.SessionID
	c.rec = Record{}
	c.mu.Unlock()

	c.sched.Cancel()
	c.store.Clear(context.Background())
	c.log.Warn("client.forced_logout", "session_id", sid, "err", cause)
	c.notify(EventForcedLogout, cause)
}

func (c *Client) clearLocal(ctx context.Context) {
	c.sched.Cancel()
	c.setRecord(Record{})
	c.store.Clear(ctx)
}

// Logout revokes the session on the server and clears every backend. A
// session known only to a backend is revoked too, and an expired access token
// is renewed first so the refresh token cannot outlive the logout. Local
// state is always cleared; a server-side failure other than an already dead
// session is returned.
func (c *Client) Logout(ctx context.Context) error {
	c.sched.Cancel()
	cur := c.current()
	if cur.Empty() {
		if rec, _, ok := c.store.Load(ctx); ok {
			cur = rec
			c.setRecord(rec)
		}
	}

	var serverErr error
	if !cur.Empty() {
		tok, err := c.logoutToken(ctx, cur)
		if err == nil && tok != "" {
			err = c.api.logout(ctx, tok)
		}
		if err != nil && !isSessionFatal(err) {
			c.log.Warn("client.logout.server.fail", "session_id", cur.SessionID, "err", err)
			serverErr = err
		}
	}

	c.clearLocal(ctx)
	c.log.Info("client.logout", "session_id", cur.SessionID)
	c.notify(EventLogout, nil)
	return serverErr
}

// logoutToken returns an access token able to authorize the logout call. It
// is empty when the record holds neither a live access token nor a refresh
// token.
func (c *Client) logoutToken(ctx context.Context, rec Record) (string, error) {
	if !rec.Expired(c.clock.Now()) {
		return rec.AccessToken, nil
	}
	if !rec.Renewable() {
		return "", nil
	}
	if _, err := c.renew(ctx); err != nil {
		return "", err
	}
	return c.current().AccessToken, nil
}

// LogoutAll revokes every session of the user and returns how many were live.
func (c *Client) LogoutAll(ctx context.Context) (int, error) {
	tok, err := c.AccessToken(ctx)
	if err != nil {
		return 0, err
	}
	n, err := c.api.logoutAll(ctx, tok)
	if err != nil {
		if isSessionFatal(err) {
			c.forceLogout(err)
		}
		return 0, err
	}
	c.clearLocal(ctx)
	c.log.Info("client.logout_all", "revoked", n)
	c.notify(EventLogout, nil)
	return n, nil
}

// Restore resumes a persisted session, renewing it first when only the
// refresh token is still usable.
func (c *Client) Restore(ctx context.Context) (State, error) {
	rec, source, ok := c.store.Load(ctx)
	if !ok {
		return State{}, ErrNotAuthenticated
	}
	c.setRecord(rec)

	switch {
	case rec.Expired(c.clock.Now()):
		if _, err := c.Refresh(ctx); err != nil {
			return State{}, err
		}
	case rec.Renewable():
		c.sched.Arm(rec.ExpiresAt)
	}

	c.log.Info("client.restore", "session_id", rec.SessionID, "source", source)
	c.notify(EventRestore, nil)
	return c.State(), nil
}

// AccessToken returns a currently valid access token, falling back through
// the persistence backends and renewing when only the refresh token is left.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	now := c.clock.Now()
	cur := c.current()
	if !cur.Empty() && !cur.Expired(now) {
		return cur.AccessToken, nil
	}

	if rec, source, ok := c.store.Load(ctx); ok {
		if !rec.Expired(now) {
			c.setRecord(rec)
			c.log.Debug("client.token.fallback", "source", source)
			return rec.AccessToken, nil
		}
		if !cur.Renewable() {
			cur = rec
			c.setRecord(rec)
		}
	}

	if cur.Renewable() {
		st, err := c.Refresh(ctx)
		if err != nil {
			return "", err
		}
		return st.AccessToken, nil
	}
	if !cur.Empty() {
		return "", ErrExpiredToken
	}
	return "", ErrNotAuthenticated
}

// IsAuthenticated reports whether an unexpired access token is held.
func (c *Client) IsAuthenticated() bool {
	rec := c.current()
	return !rec.Empty() && !rec.Expired(c.clock.Now())
}

// State returns an immutable snapshot.
func (c *Client) State() State {
	return stateOf(c.current(), c.clock.Now())
}

// Subscribe registers an observer for state transitions.
func (c *Client) Subscribe(obs Observer) (unsubscribe func()) {
	return c.bc.Subscribe(obs)
}

// NextRenewal reports when the renewal timer fires.
func (c *Client) NextRenewal() (time.Time, bool) {
	return c.sched.NextRenewal()
}

// SchedulerState reports the renewal state machine's state.
func (c *Client) SchedulerState() SchedState {
	return c.sched.State()
}

// Do sends req with the access token attached. An ExpiredToken response is
// renewed and retried once when the body can be replayed. Any other 401 is
// returned as *APIError; one proving the session dead forces a logout.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	tok, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req, tok)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	apiErr := decodeAPIError(resp)
	_ = resp.Body.Close()

	replayable := req.Body == nil || req.GetBody != nil
	if errors.Is(apiErr, ErrExpiredToken) && c.current().Renewable() && replayable {
		st, err := c.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return c.send(req, st.AccessToken)
	}
	if isSessionFatal(apiErr) {
		c.forceLogout(apiErr)
	}
	return nil, apiErr
}

func (c *Client) send(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return c.hc.Do(r)
}

// Close stops renewal. Persisted state is kept for a later Restore.
func (c *Client) Close() {
	c.sched.Cancel()
	c.hc.CloseIdleConnections()
}
