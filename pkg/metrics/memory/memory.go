package memory

import (
	"sync"
	"time"

	"ledger-transfer/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	// transfers counts outcomes keyed by "outcome/reason"
	transfers         map[string]int64
	transferLatencies []time.Duration

	lockWaits    []time.Duration
	lockFailures int64

	auditFailures map[string]int64

	circuits map[string]*CircuitMetrics
	sinks    map[string]*SinkMetrics
}

// CircuitMetrics holds metrics for a single circuit breaker.
type CircuitMetrics struct {
	State CircuitState
	Opens int64
}

// CircuitState aliases the shared state type so callers need one import.
type CircuitState = metrics.CircuitState

// SinkMetrics holds metrics for a single event sink.
type SinkMetrics struct {
	QueueDepth int
	Dropped    int64
	Published  int64
	Errors     int64
	Latencies  []time.Duration
}

var _ metrics.MetricsCollector = (*MemoryCollector)(nil)

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		transfers:     make(map[string]int64),
		auditFailures: make(map[string]int64),
		circuits:      make(map[string]*CircuitMetrics),
		sinks:         make(map[string]*SinkMetrics),
	}
}

func transferKey(outcome, reason string) string {
	return outcome + "/" + reason
}

// sink returns the SinkMetrics for name, creating it if needed. Callers hold mu.
func (mc *MemoryCollector) sink(name string) *SinkMetrics {
	sm, ok := mc.sinks[name]
	if !ok {
		sm = &SinkMetrics{}
		mc.sinks[name] = sm
	}
	return sm
}

// RecordTransfer records a finished transfer.
func (mc *MemoryCollector) RecordTransfer(outcome, reason string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.transfers[transferKey(outcome, reason)]++
	mc.transferLatencies = append(mc.transferLatencies, duration)
}

// RecordLockWait records time spent acquiring account locks.
func (mc *MemoryCollector) RecordLockWait(backend string, acquired bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.lockWaits = append(mc.lockWaits, duration)
	if !acquired {
		mc.lockFailures++
	}
}

// RecordAuditFailure records a failure record that could not be written.
func (mc *MemoryCollector) RecordAuditFailure(reason string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.auditFailures[reason]++
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	cm, ok := mc.circuits[name]
	if !ok {
		cm = &CircuitMetrics{}
		mc.circuits[name] = cm
	}

	// Count transitions to open
	if cm.State != metrics.CircuitOpen && state == metrics.CircuitOpen {
		cm.Opens++
	}
	cm.State = state
}

// RecordQueueDepth records the current event queue depth.
func (mc *MemoryCollector) RecordQueueDepth(sink string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.sink(sink).QueueDepth = depth
}

// RecordEventDropped records an event dropped on backpressure.
func (mc *MemoryCollector) RecordEventDropped(sink string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.sink(sink).Dropped++
}

// RecordEventPublished records a delivery attempt.
func (mc *MemoryCollector) RecordEventPublished(sink string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	sm := mc.sink(sink)
	sm.Published++
	if !success {
		sm.Errors++
	}
	sm.Latencies = append(sm.Latencies, duration)
}

// Transfers returns how many transfers ended with outcome and reason.
func (mc *MemoryCollector) Transfers(outcome, reason string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return mc.transfers[transferKey(outcome, reason)]
}

// Snapshot is a copy of the collected metrics.
type Snapshot struct {
	Transfers     map[string]int64
	LockWaits     int
	LockFailures  int64
	AuditFailures map[string]int64
	Circuits      map[string]CircuitMetrics
	Sinks         map[string]SinkMetrics
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := Snapshot{
		Transfers:     make(map[string]int64, len(mc.transfers)),
		LockWaits:     len(mc.lockWaits),
		LockFailures:  mc.lockFailures,
		AuditFailures: make(map[string]int64, len(mc.auditFailures)),
		Circuits:      make(map[string]CircuitMetrics, len(mc.circuits)),
		Sinks:         make(map[string]SinkMetrics, len(mc.sinks)),
	}
	for k, v := range mc.transfers {
		s.Transfers[k] = v
	}
	for k, v := range mc.auditFailures {
		s.AuditFailures[k] = v
	}
	for k, v := range mc.circuits {
		s.Circuits[k] = *v
	}
	for k, v := range mc.sinks {
		cp := *v
		cp.Latencies = append([]time.Duration(nil), v.Latencies...)
		s.Sinks[k] = cp
	}
	return s
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.transfers = make(map[string]int64)
	mc.transferLatencies = nil
	mc.lockWaits = nil
	mc.lockFailures = 0
	mc.auditFailures = make(map[string]int64)
	mc.circuits = make(map[string]*CircuitMetrics)
	mc.sinks = make(map[string]*SinkMetrics)
}
