package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session subsystem's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ops      *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	revoked  *prometheus.CounterVec
	blacklst prometheus.Counter
}

// NewMetrics registers collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "auth",
			Name:      "operations_total",
			Help:      "Session operations by outcome reason code.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portal",
			Subsystem: "auth",
			Name:      "operation_duration_seconds",
			Help:      "Session operation latency.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		revoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "auth",
			Name:      "sessions_revoked_total",
			Help:      "Sessions revoked by cause.",
		}, []string{"cause"}),
		blacklst: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portal",
			Subsystem: "auth",
			Name:      "access_tokens_blacklisted_total",
			Help:      "Access token identifiers added to the blacklist.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.latency, m.revoked, m.blacklst)
	}
	return m
}

func (m *Metrics) observe(op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) sessionsRevoked(cause string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.revoked.WithLabelValues(cause).Add(float64(n))
}

func (m *Metrics) tokensBlacklisted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.blacklst.Add(float64(n))
}
