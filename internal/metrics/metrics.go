// Package metrics exposes Prometheus instruments for the license server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal counts validation requests by outcome.
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Name:      "validations_total",
		Help:      "Validation requests by outcome.",
	}, []string{"outcome"})

	// FallbackVerdictsTotal counts validations served from the emergency
	// cache while the circuit breaker is open.
	FallbackVerdictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "license",
		Name:      "fallback_verdicts_total",
		Help:      "Validations answered from the fallback cache.",
	})

	// BreakerState reports the circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "license",
		Name:      "breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
	})

	// WebhookEvents counts webhook deliveries by event type and disposition.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Name:      "webhook_events_total",
		Help:      "Webhook deliveries by event type and disposition.",
	}, []string{"event_type", "disposition"})

	// SessionConflicts counts start attempts refused because another device
	// holds the license slot.
	SessionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "license",
		Name:      "session_conflicts_total",
		Help:      "Session starts refused due to an active session on another device.",
	})

	// SessionsKicked counts sessions displaced by takeover.
	SessionsKicked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "license",
		Name:      "sessions_kicked_total",
		Help:      "Sessions displaced by takeover.",
	})

	// RecoveryRequests counts credential recovery attempts by disposition.
	RecoveryRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "license",
		Name:      "recovery_requests_total",
		Help:      "Credential recovery attempts by disposition.",
	}, []string{"disposition"})
)
