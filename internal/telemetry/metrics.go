// Package telemetry provides application-level observability for accessgate.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<AG_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is NOT served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Rate limiter decisions by action class
//   - Verification code requests and verification outcomes
//   - Politician session issue, validation, revocation and pruning
//   - Principal resolution by kind
//   - Verification email delivery outcomes
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric carries an identifier (email, politician id, IP address) as a label.
// Outcome labels are drawn from small closed sets.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// RateLimitDecisionsTotal counts fixed-window limiter outcomes with labels
// {action, outcome}; outcome is "allowed", "rejected" or "error".
//
// Example PromQL queries:
//   - Rejection ratio for code requests:
//     sum(rate(ratelimit_decisions_total{action="request-code",outcome="rejected"}[15m])) / sum(rate(ratelimit_decisions_total{action="request-code"}[15m]))
var RateLimitDecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Total number of rate limiter decisions, by action class and outcome.",
	},
	[]string{"action", "outcome"},
)

// Verification metrics.
//
// VerificationCodesRequestedTotal counts codes persisted by requestCode.
// VerificationAttemptsTotal counts verifyCode outcomes labelled {result}:
// verified, not_found, already_verified, expired, invalid_code, rate_limited, error.
//
// Example PromQL queries:
//   - Brute-force signal:  rate(verification_attempts_total{result="invalid_code"}[5m])
var (
	VerificationCodesRequestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "verification_codes_requested_total",
			Help: "Total number of verification codes issued.",
		},
	)

	VerificationAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_attempts_total",
			Help: "Total number of verification code checks, by result.",
		},
		[]string{"result"},
	)
)

// Session metrics.
//
// SessionValidationsTotal is labelled {result}: valid, unauthorized, error.
// SessionsRevokedTotal is labelled {scope}: single, all.
var (
	SessionsIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "politician_sessions_issued_total",
			Help: "Total number of politician sessions issued.",
		},
	)

	SessionValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "politician_session_validations_total",
			Help: "Total number of politician session validations, by result.",
		},
		[]string{"result"},
	)

	SessionsRevokedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "politician_sessions_revoked_total",
			Help: "Total number of politician sessions revoked, by scope.",
		},
		[]string{"scope"},
	)

	SessionsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "politician_sessions_pruned_total",
			Help: "Total number of long-expired politician sessions deleted by the pruner.",
		},
	)
)

// PrincipalsResolvedTotal counts gate resolutions labelled {kind}:
// anonymous, user, politician, admin.
//
// Example PromQL queries:
//   - Authenticated share:  sum(rate(principals_resolved_total{kind!="anonymous"}[5m])) / sum(rate(principals_resolved_total[5m]))
var PrincipalsResolvedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "principals_resolved_total",
		Help: "Total number of principals resolved by the authorization gate, by kind.",
	},
	[]string{"kind"},
)

// EmailDeliveriesTotal counts verification email sends labelled {result}: sent, failed.
// A climbing failed series while codes are still being requested means users are
// receiving verification ids without codes.
var EmailDeliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "verification_email_deliveries_total",
		Help: "Total number of verification email delivery attempts, by result.",
	},
	[]string{"result"},
)

// DBOpenConnections tracks open connections held by the sql.DB pool. It is
// sampled every 30 seconds by StartDBStatsCollector.
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <AG_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB
// pool statistics every 30 seconds and updates DBOpenConnections. The goroutine
// exits once the database becomes unreachable, which happens on shutdown after
// db.Close().
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
