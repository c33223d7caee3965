package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting transfer metrics.
// Implementations can export metrics to various backends.
type MetricsCollector interface {
	// Transfers
	RecordTransfer(outcome, reason string, duration time.Duration)
	RecordLockWait(backend string, acquired bool, duration time.Duration)
	RecordAuditFailure(reason string)

	// Circuit breaker
	RecordCircuitState(name string, state CircuitState)

	// Event publisher
	RecordQueueDepth(sink string, depth int)
	RecordEventDropped(sink string)
	RecordEventPublished(sink string, success bool, duration time.Duration)
}

// Outcome labels used by RecordTransfer.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeRejected   = "rejected"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the store has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is used when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordTransfer(outcome, reason string, duration time.Duration)        {}
func (NoOpCollector) RecordLockWait(backend string, acquired bool, duration time.Duration) {}
func (NoOpCollector) RecordAuditFailure(reason string)                                     {}
func (NoOpCollector) RecordCircuitState(name string, state CircuitState)                   {}
func (NoOpCollector) RecordQueueDepth(sink string, depth int)                              {}
func (NoOpCollector) RecordEventDropped(sink string)                                       {}
func (NoOpCollector) RecordEventPublished(sink string, success bool, duration time.Duration) {
}
