// Package app wires the portal auth server runtime: config, logging, storage
// clients, the session service, HTTP routes and the auth events gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"portal/cmd/identity"
	authapi "portal/cmd/internal/auth/api"
	"portal/cmd/internal/auth/session"
	"portal/cmd/internal/realtime"
	"portal/cmd/security/password"
)

// dbSchema is the Postgres schema holding users, credentials and the audit log.
const dbSchema = "portal"

// DefaultRolePermissions seeds the in-memory identity store. With a database
// the role_permissions table is authoritative.
var DefaultRolePermissions = map[string][]string{
	"admin":       {authapi.PermManageSessions, "users:manage", "grades:read", "grades:write"},
	"institution": {"users:manage", "grades:read", "grades:write"},
	"teacher":     {"grades:read", "grades:write"},
	"student":     {"grades:read"},
}

// App is the portal server runtime. It owns every long-lived resource.
type App struct {
	cfg Config
	log Logger

	rdb       *redis.Client
	dbPool    *pgxpool.Pool
	dbEnabled bool
	tracer    *sdktrace.TracerProvider
	registry  *prometheus.Registry

	sessions *session.Service
	auth     *authapi.Handler
	hub      *realtime.Hub
	ws       *realtime.WSGateway
	events   *realtime.Subscriber
	sweeper  *cron.Cron
}

// New constructs a fully wired App. v supplies the per-package settings.
func New(ctx context.Context, cfg Config, v *viper.Viper, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, nil)
	}
	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.tracer, err = NewTracerProvider(ctx, cfg); err != nil {
		return nil, err
	}
	if a.rdb, err = NewRedisClient(ctx, cfg.RedisURL); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	pwCfg, err := password.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	users, err := a.newUserStore(ctx, pwCfg)
	if err != nil {
		return nil, err
	}
	authn, err := identity.NewAuthenticator(users, pwCfg, log)
	if err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	store, err := session.NewRedisStore(a.rdb, sessCfg.KeyPrefix)
	if err != nil {
		return nil, err
	}
	tokens, err := session.NewAccessTokenManager(sessCfg)
	if err != nil {
		return nil, err
	}

	rtCfg, err := realtime.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	publisher := realtime.NewRedisPublisher(a.rdb, rtCfg.EventsChannel)

	a.sessions, err = session.NewService(sessCfg, session.Deps{
		Store:     store,
		Blacklist: store,
		Tokens:    tokens,
		Auth:      authn,
		Users:     users,
	},
		session.WithLogger(log),
		session.WithPublisher(publisher),
		session.WithMetrics(session.NewMetrics(a.registry)),
		session.WithTracer(a.tracer.Tracer("portal/session")),
	)
	if err != nil {
		return nil, err
	}

	apiCfg, err := authapi.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	throttle, err := authapi.NewLoginThrottle(a.rdb, apiCfg)
	if err != nil {
		return nil, err
	}
	var audits authapi.AuditSink = authapi.LogAudit{Log: log}
	if a.dbEnabled {
		if audits, err = authapi.NewPostgresAudit(a.dbPool, dbSchema, log); err != nil {
			return nil, err
		}
	}
	a.auth, err = authapi.NewHandler(log, a.sessions, users, apiCfg,
		authapi.WithLoginThrottle(throttle),
		authapi.WithAuditSink(audits),
	)
	if err != nil {
		return nil, err
	}

	a.hub = realtime.NewHub(log)
	if a.ws, err = realtime.NewWSGateway(log, a.hub, a.auth, rtCfg); err != nil {
		return nil, err
	}
	a.events = realtime.NewSubscriber(log, a.rdb, rtCfg.EventsChannel, a.hub)

	if cfg.SweepSchedule != "" {
		if a.sweeper, err = NewSweepScheduler(log, cfg.SweepSchedule, a.sessions, time.Minute); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	return a, nil
}

// newUserStore selects Postgres when configured and the in-memory store otherwise.
func (a *App) newUserStore(ctx context.Context, pwCfg password.Config) (identity.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_users")
		users := identity.NewMemoryStore(DefaultRolePermissions)
		if a.cfg.DevAdminEmail != "" {
			if err := seedAdmin(ctx, users, pwCfg, a.cfg.DevAdminEmail, a.cfg.DevAdminPassword); err != nil {
				return nil, err
			}
			a.log.Info("db.inmemory.admin_seeded", "email", a.cfg.DevAdminEmail)
		}
		return users, nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.dbPool, a.dbEnabled = pool, true
	a.log.Info("db.enabled.postgres_users")

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(dbSchema))
	if err != nil {
		return nil, err
	}
	return users, nil
}

func seedAdmin(ctx context.Context, users identity.Store, pwCfg password.Config, email, secret string) error {
	if err := pwCfg.Validate(secret); err != nil {
		return fmt.Errorf("%w: PORTAL_DEV_ADMIN_PASSWORD: %w", ErrConfig, err)
	}
	hash, err := pwCfg.Hash(secret)
	if err != nil {
		return err
	}
	_, err = users.CreateUser(ctx, identity.CreateUserInput{
		Email:        email,
		Name:         "Administrator",
		Role:         "admin",
		PasswordHash: hash,
		Now:          time.Now().UTC(),
	})
	return err
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	return WithRequestLogging(WithSecurityHeaders(WithCORS(a.router(), a.cfg, a.log)), a.log)
}

// Run starts the HTTP server, the events subscriber and the sweeper and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"events_url", wsBaseURL(base)+"/auth/events",
		"db_enabled", a.dbEnabled,
		"sweep", a.cfg.SweepSchedule,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error { return a.events.Run(gctx) })
	if a.sweeper != nil {
		a.sweeper.Start()
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if a.sweeper != nil {
			<-a.sweeper.Stop().Done()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.close(closeCtx)

	if err != nil {
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *App) close(ctx context.Context) {
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.log.Warn("otel.shutdown.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	switch {
	case strings.HasPrefix(addr, "0.0.0.0:"):
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	case strings.HasPrefix(addr, "[::]:"):
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "[::]:")
	case strings.HasPrefix(addr, ":"):
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
