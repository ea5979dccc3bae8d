// Package metrics defines the Prometheus collectors for the session
// multiplexer. All collectors are registered via promauto at init time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	// ActiveSessions tracks the number of live protocol connections.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of live messaging sessions",
		},
	)

	// PairingCodesIssued tracks pairing codes surfaced to callers.
	PairingCodesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairing_codes_issued_total",
			Help: "Total pairing codes issued to callers",
		},
	)

	// ConnectionOutcomes tracks terminal connection attempt outcomes.
	ConnectionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_outcomes_total",
			Help: "Terminal connection attempt outcomes by kind",
		},
		[]string{"outcome"},
	)

	// Disconnects tracks classified close events.
	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disconnects_total",
			Help: "Protocol disconnects by disposition",
		},
		[]string{"disposition"},
	)
)

// Escrow metrics
var (
	// EscrowOpsTotal tracks escrow operations by operation and status.
	EscrowOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Total escrow operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// EscrowOpDuration tracks escrow operation latency in seconds.
	EscrowOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Escrow operation duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

// Blob store circuit breaker metrics
var (
	// CircuitBreakerStateChanges tracks breaker state transitions.
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks the current breaker state
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
