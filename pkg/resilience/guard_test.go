package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"ledger-transfer/pkg/metrics"
	"ledger-transfer/pkg/metrics/memory"
)

var errBackend = errors.New("backend down")
var errBusiness = errors.New("insufficient balance")

func TestGuard_Success(t *testing.T) {
	g := NewGuard(DefaultResilientConfig())

	calls := 0
	err := g.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("Expected guarded context to carry a deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if g.State() != metrics.CircuitClosed {
		t.Errorf("Expected closed breaker, got %s", g.State())
	}
}

func TestGuard_Timeout(t *testing.T) {
	g := NewGuard(DefaultResilientConfig().WithTimeout(20 * time.Millisecond))

	err := g.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected the original error to stay in the chain, got %v", err)
	}
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	config := DefaultResilientConfig().WithCircuitBreakerTimeout(time.Minute)
	config.CircuitBreakerConfig.ReadyToTrip = nil
	mc := memory.NewMemoryCollector()
	g := NewGuardWithMetrics(config, mc)

	for i := 0; i < 5; i++ {
		err := g.Do(context.Background(), func(ctx context.Context) error { return errBackend })
		if !errors.Is(err, errBackend) {
			t.Fatalf("Call %d: expected backend error, got %v", i, err)
		}
	}

	called := false
	err := g.Do(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected open breaker to skip the call")
	}

	cm := mc.Snapshot().Circuits["ledger"]
	if cm.State != metrics.CircuitOpen || cm.Opens != 1 {
		t.Errorf("Expected one recorded open, got %+v", cm)
	}
}

func TestGuard_IgnoresBusinessFailures(t *testing.T) {
	config := DefaultResilientConfig()
	config.CircuitBreakerConfig.ReadyToTrip = nil
	config.IsFailure = func(err error) bool { return !errors.Is(err, errBusiness) }
	g := NewGuard(config)

	for i := 0; i < 20; i++ {
		err := g.Do(context.Background(), func(ctx context.Context) error { return errBusiness })
		if !errors.Is(err, errBusiness) {
			t.Fatalf("Expected business error to pass through, got %v", err)
		}
	}
	if g.State() != metrics.CircuitClosed {
		t.Errorf("Expected business failures to leave the breaker closed, got %s", g.State())
	}
}

func TestDefaultResilientConfig_ReadyToTrip(t *testing.T) {
	trip := DefaultResilientConfig().CircuitBreakerConfig.ReadyToTrip

	if trip(Counts{Requests: 5, TotalFailures: 5}) {
		t.Error("Expected no trip below the minimum request count")
	}
	if !trip(Counts{Requests: 12, TotalFailures: 3}) {
		t.Error("Expected trip at 25% failures")
	}
	if trip(Counts{Requests: 12, TotalFailures: 2}) {
		t.Error("Expected no trip below 25% failures")
	}
}
