// Package metrics provides Prometheus metrics collection for featuregate.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "featuregate"

// Collector holds all Prometheus metrics for featuregate.
// A nil *Collector is valid and records nothing.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Resolution metrics
	Resolutions       *prometheus.CounterVec
	ResolveDuration   prometheus.Histogram
	UpstreamFailures  *prometheus.CounterVec
	CacheLookups      *prometheus.CounterVec
	CacheInvalidation *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge

	// Admin metrics
	AdminMutations *prometheus.CounterVec
	Reconciles     *prometheus.CounterVec

	// Auth metrics
	AuthFailures *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),

		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Entitlement decisions by reason and outcome",
			},
			[]string{"reason", "allowed"},
		),
		ResolveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolve_duration_seconds",
				Help:      "Time spent resolving one entitlement against the stores",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		UpstreamFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_failures_total",
				Help:      "Resolutions that failed closed because a store was unreachable",
			},
			[]string{"source"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Session cache lookups by result (hit, miss, coalesced)",
			},
			[]string{"result"},
		),
		CacheInvalidation: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Session cache invalidations by scope",
			},
			[]string{"scope"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Number of live resolution sessions",
			},
		),

		AdminMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_mutations_total",
				Help:      "Override mutations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		Reconciles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admin_reconciles_total",
				Help:      "Admin view re-fetches by outcome (applied, stale, failed)",
			},
			[]string{"outcome"},
		),

		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of admin authentication failures",
			},
			[]string{"reason"},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObserveResolution records one decision.
func (c *Collector) ObserveResolution(reason string, allowed bool, seconds float64) {
	if c == nil {
		return
	}
	c.Resolutions.WithLabelValues(reason, strconv.FormatBool(allowed)).Inc()
	c.ResolveDuration.Observe(seconds)
}

// UpstreamFailure records a fail-closed resolution.
func (c *Collector) UpstreamFailure(source string) {
	if c == nil {
		return
	}
	c.UpstreamFailures.WithLabelValues(source).Inc()
}

// CacheLookup records a session cache lookup result.
func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// CacheInvalidated records an invalidation of the given scope (key, session, tenant).
func (c *Collector) CacheInvalidated(scope string) {
	if c == nil {
		return
	}
	c.CacheInvalidation.WithLabelValues(scope).Inc()
}

// SessionsActive sets the live session gauge.
func (c *Collector) SessionsActive(n int) {
	if c == nil {
		return
	}
	c.ActiveSessions.Set(float64(n))
}

// AdminMutation records the outcome of a grant, edit or revoke.
func (c *Collector) AdminMutation(op string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.AdminMutations.WithLabelValues(op, outcome).Inc()
}

// Reconcile records an admin view re-fetch outcome.
func (c *Collector) Reconcile(outcome string) {
	if c == nil {
		return
	}
	c.Reconciles.WithLabelValues(outcome).Inc()
}

// AuthFailure records a rejected admin request.
func (c *Collector) AuthFailure(reason string) {
	if c == nil {
		return
	}
	c.AuthFailures.WithLabelValues(reason).Inc()
}

// StatusClass buckets an HTTP status code ("2xx", "4xx", ...).
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
