package app

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *App) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Registered before the auth subrouter so the /auth prefix does not shadow it.
	r.Handle("/auth/events", a.ws).Methods(http.MethodGet)
	a.auth.Register(r)

	return r
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := PingRedis(r.Context(), a.rdb, 2*time.Second); err != nil {
		a.log.Info("readyz.redis.not_ready", "err", err)
		http.Error(w, "redis not ready", http.StatusServiceUnavailable)
		return
	}

	if a.cfg.ReadinessRequireDB && !a.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.dbEnabled && a.dbPool != nil {
		if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
			a.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}
