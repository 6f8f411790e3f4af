package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts submissions by outcome (queued, sent, failed,
	// pending, cached, rejected).
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierq_submissions_total",
			Help: "Total number of delivery submissions",
		},
		[]string{"outcome"},
	)

	// AttemptsTotal counts transport attempts by result kind
	// (success, transient, rate_limited, permanent_local, permanent_global).
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierq_transport_attempts_total",
			Help: "Total number of transport send attempts",
		},
		[]string{"transport", "result"},
	)

	// DeliveriesTotal counts terminal outcomes per transport.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierq_deliveries_total",
			Help: "Total number of terminal delivery outcomes",
		},
		[]string{"transport", "status"},
	)

	// BreakerState exposes circuit state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courierq_breaker_state",
			Help: "Circuit breaker state per transport (0=closed, 1=open, 2=half-open)",
		},
		[]string{"transport"},
	)

	// BreakerShortCircuits counts calls rejected while a breaker was open.
	BreakerShortCircuits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierq_breaker_short_circuits_total",
			Help: "Total number of attempts rejected by an open circuit breaker",
		},
		[]string{"transport"},
	)

	// JobsQueued gauge for jobs waiting or delayed.
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courierq_jobs_queued",
			Help: "Number of jobs waiting for a worker",
		},
	)

	// JobsProcessing gauge for jobs held by workers.
	JobsProcessing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courierq_jobs_processing",
			Help: "Number of jobs currently being processed",
		},
	)

	// QueueLevelRetries counts safety-net requeues of attempts that errored
	// outside the engine's own retry loop.
	QueueLevelRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courierq_queue_level_retries_total",
			Help: "Total number of queue-level safety-net retries",
		},
	)

	// JobTimeouts counts watchdog expirations.
	JobTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courierq_job_timeouts_total",
			Help: "Total number of jobs failed by the processing watchdog",
		},
	)

	// RateLimitRejections counts submissions rejected at admission.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierq_rate_limit_rejections_total",
			Help: "Total number of submissions rejected by the rate limiter",
		},
		[]string{"key"},
	)

	// IdempotencyHits counts duplicate submissions short-circuited by the
	// idempotency store.
	IdempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courierq_idempotency_hits_total",
			Help: "Total number of duplicate submissions served from the idempotency store",
		},
		[]string{"state"},
	)
)
