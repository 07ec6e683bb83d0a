package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orchestrator metrics
	AuthorizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securecore_authorizations_total",
			Help: "Total guarded operations by decision",
		},
		[]string{"decision", "resource_type"},
	)

	RiskScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "securecore_risk_score",
			Help:    "Distribution of computed risk scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// Ledger metrics
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securecore_ledger_appends_total",
			Help: "Audit events appended by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	IntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "securecore_ledger_integrity_failures_total",
			Help: "Audit events that failed chain verification",
		},
	)

	// Field encryption metrics
	FieldOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securecore_field_crypto_ops_total",
			Help: "Field encrypt/decrypt operations by mode and result",
		},
		[]string{"op", "result"},
	)

	// MFA metrics
	MFAVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securecore_mfa_verifications_total",
			Help: "MFA verification attempts by method and result",
		},
		[]string{"method", "result"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "securecore_ratelimit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"tier"},
	)
)
