// Package metrics holds the Prometheus collectors shared by the session
// components. Collectors are registered with the default registry on init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RateLimitDecisions counts rate limiter outcomes per route.
	// result is one of allowed, rejected, degraded.
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_rate_limit_decisions_total",
			Help: "Rate limiter decisions by route and result",
		},
		[]string{"route", "result"},
	)

	// IdempotencyOutcomes counts guard outcomes per route.
	// outcome is one of executed, replayed, in_flight, not_persisted, skipped, degraded.
	IdempotencyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_idempotency_outcomes_total",
			Help: "Idempotency guard outcomes by route",
		},
		[]string{"route", "outcome"},
	)

	// RotationOutcomes counts refresh attempts by outcome
	// (rotated, reuse_detected, invalid, error).
	RotationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_refresh_rotations_total",
			Help: "Refresh token rotation attempts by outcome",
		},
		[]string{"outcome"},
	)

	// EventsPublished counts persisted security events by event name.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_security_events_published_total",
			Help: "Security events written to the queue",
		},
		[]string{"event", "priority"},
	)

	// EventsDelivered counts events pushed to clients and marked processed.
	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_security_events_delivered_total",
			Help: "Security events delivered to clients",
		},
		[]string{"channel"},
	)

	// KVDegraded counts KV operations that failed or timed out and were
	// skipped by their caller.
	KVDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_kv_degraded_total",
			Help: "KV operations that failed open",
		},
		[]string{"component", "op"},
	)

	// SweepDeleted counts rows removed by the cleanup job.
	SweepDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_sweeper_deleted_total",
			Help: "Rows removed by the periodic cleanup",
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(RateLimitDecisions)
	prometheus.MustRegister(IdempotencyOutcomes)
	prometheus.MustRegister(RotationOutcomes)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDelivered)
	prometheus.MustRegister(KVDegraded)
	prometheus.MustRegister(SweepDeleted)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
