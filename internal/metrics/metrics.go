package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gate metrics
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_auth_decisions_total",
			Help: "Total number of authorization decisions by outcome",
		},
		[]string{"outcome"},
	)

	AuthDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tollgate_auth_duration_seconds",
			Help:    "Time taken to authorize a request",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"tier"},
	)

	QuotaIncrements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_quota_increments_total",
			Help: "Total number of quota increment calls",
		},
		[]string{"result"},
	)

	// Key metrics
	KeysIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_api_keys_issued_total",
			Help: "Total number of API keys created or rotated",
		},
		[]string{"environment"},
	)

	// Vault metrics
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_token_refreshes_total",
			Help: "Total number of OAuth token refresh attempts",
		},
		[]string{"result"},
	)

	ScheduledRefreshes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_scheduled_refreshes",
			Help: "Number of armed refresh timers",
		},
	)

	// Audit metrics
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_audit_queue_depth",
			Help: "Current number of audit events waiting to be flushed",
		},
	)

	AuditDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tollgate_audit_events_dropped_total",
			Help: "Total number of audit events dropped",
		},
		[]string{"reason"},
	)

	AuditFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tollgate_audit_flush_errors_total",
			Help: "Total number of failed audit batch writes",
		},
	)

	AuditLoggerDisabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tollgate_audit_logger_disabled",
			Help: "1 when the audit logger has disabled itself after repeated sink failures",
		},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAuthDecision records a gate outcome ("admitted" or a denial code)
// and how long it took.
func RecordAuthDecision(outcome string, seconds float64) {
	AuthDecisions.WithLabelValues(outcome).Inc()
	AuthDuration.Observe(seconds)
}

// RecordRateLimited records a rate-limit rejection for tier.
func RecordRateLimited(tier string) {
	RateLimited.WithLabelValues(tier).Inc()
}

// RecordQuotaIncrement records a quota increment as counted, duplicate or error.
func RecordQuotaIncrement(result string) {
	QuotaIncrements.WithLabelValues(result).Inc()
}

// RecordKeyIssued records a newly issued API key.
func RecordKeyIssued(env string) {
	KeysIssued.WithLabelValues(env).Inc()
}

// RecordTokenRefresh records a refresh outcome
func RecordTokenRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	TokenRefreshes.WithLabelValues(result).Inc()
}

// SetScheduledRefreshes sets the number of armed refresh timers
func SetScheduledRefreshes(n int) {
	ScheduledRefreshes.Set(float64(n))
}

// SetAuditQueueDepth sets the audit queue depth
func SetAuditQueueDepth(n int) {
	AuditQueueDepth.Set(float64(n))
}

// RecordAuditDropped records audit events lost to overflow or a disabled logger
func RecordAuditDropped(reason string, n int) {
	AuditDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordAuditFlushError records a failed batch write
func RecordAuditFlushError() {
	AuditFlushErrors.Inc()
}

// SetAuditLoggerDisabled flips the audit health gauge
func SetAuditLoggerDisabled(disabled bool) {
	v := 0.0
	if disabled {
		v = 1
	}
	AuditLoggerDisabled.Set(v)
}
