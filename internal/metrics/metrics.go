// Package metrics declares the Prometheus series for the signaling runner.
// Kept close to business logic, mirroring the teacher's metrics package:
// Namespace "signaling", Subsystem groups per component, Gauge for current
// state, Counter for cumulative events, Histogram for latency distributions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveRunners tracks the current number of live per-participant
	// runner tasks (Gauge).
	ActiveRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "runner",
		Name:      "active_total",
		Help:      "Current number of active per-participant runner tasks",
	})

	// RoomParticipants tracks present participants per RoomId (GaugeVec).
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of present participants per room",
	}, []string{"room_id"})

	// RoomsCreated / RoomsDestroyed are cumulative room lifecycle counters.
	RoomsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "created_total",
		Help:      "Total rooms/sub-rooms created",
	}, []string{"kind"}) // kind: "conference" | "breakout"

	RoomsDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "room",
		Name:      "destroyed_total",
		Help:      "Total rooms/sub-rooms destroyed",
	}, []string{"kind"})

	// RoomLockContention counts exhausted room-lock acquisitions (§4.2 Locked).
	RoomLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "roomlock",
		Name:      "contention_total",
		Help:      "Total room-lock acquisitions abandoned due to contention",
	})

	// RoomLockFailures counts StoreUnavailable acquisition/release failures.
	RoomLockFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "roomlock",
		Name:      "failures_total",
		Help:      "Total room-lock operations that failed due to backend unavailability",
	}, []string{"op"}) // op: "lock" | "unlock"

	// DestroyDuration tracks the wall-clock time of the destruction protocol
	// (§4.11), labeled by final outcome.
	DestroyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "destroy",
		Name:      "duration_seconds",
		Help:      "Duration of the participant destruction protocol",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"}) // outcome: "success" | "error"

	// CleanupScopeTotal counts how often each CleanupScope is computed
	// (§4.12), useful for alerting on unexpected Global churn.
	CleanupScopeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "destroy",
		Name:      "cleanup_scope_total",
		Help:      "Total CleanupScope decisions made during teardown",
	}, []string{"scope"}) // scope: "none" | "local" | "global"

	// GracePeriodCancellations counts grace-period aborts due to a new
	// joiner (§4.11 Phase 2, §8 P7).
	GracePeriodCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "destroy",
		Name:      "grace_period_cancelled_total",
		Help:      "Total grace periods aborted by a new joiner",
	})

	// TariffRejections counts JoinBlocked(ParticipantLimitReached) outcomes
	// (§4.6, §8 P4).
	TariffRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "tariff",
		Name:      "rejections_total",
		Help:      "Total joins rejected by tariff enforcement",
	}, []string{"reason"})

	// ExchangeMessagesTotal counts published/received exchange envelopes.
	ExchangeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "exchange",
		Name:      "messages_total",
		Help:      "Total exchange envelopes published or received",
	}, []string{"direction", "routing_key"}) // direction: "publish" | "receive"

	// CircuitBreakerState mirrors the teacher's circuit-breaker gauge, one
	// series per wrapped backend (attrs, roomlock, exchange).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signaling",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of each backend's circuit breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by an open circuit.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by an open circuit breaker",
	}, []string{"service"})

	// WebsocketEvents mirrors the teacher's event/status counter for the
	// control protocol's client-facing commands.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket control events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks time spent handling one inbound WS
	// message end-to-end.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signaling",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing one inbound WebSocket message",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})
)
