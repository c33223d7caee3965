package resilience

import (
	"context"
	"errors"
	"time"

	"ledger-transfer/pkg/logging"
	"ledger-transfer/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrCircuitOpen is returned when the breaker rejects a call.
	ErrCircuitOpen = errors.New("resilience: circuit breaker open")

	// ErrTimeout is returned when a guarded call outlives its deadline.
	ErrTimeout = errors.New("resilience: operation timeout")
)

// Guard runs calls against a backing store through a circuit breaker and a
// per-call deadline.
type Guard struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// NewGuard creates a guard without metrics.
func NewGuard(config ResilientConfig) *Guard {
	return NewGuardWithMetrics(config, metrics.NoOpCollector{})
}

// NewGuardWithMetrics creates a guard that reports breaker transitions.
func NewGuardWithMetrics(config ResilientConfig, metricsCollector metrics.MetricsCollector) *Guard {
	if config.Name == "" {
		config.Name = "guard"
	}
	logger := logging.Global().Named("resilience").Named(config.Name)

	g := &Guard{
		name:    config.Name,
		timeout: config.Timeout,
		metrics: metricsCollector,
		logger:  logger,
	}

	logger.Info("guard initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	isFailure := config.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.CircuitBreakerConfig.ReadyToTrip != nil {
				return config.CircuitBreakerConfig.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isFailure(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			g.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	}

	g.cb = gobreaker.NewCircuitBreaker(settings)
	return g
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Name returns the breaker name.
func (g *Guard) Name() string {
	return g.name
}

// State returns the current breaker state.
func (g *Guard) State() metrics.CircuitState {
	return toCircuitState(g.cb.State())
}

// Do runs fn with the guard's deadline applied to ctx. Rejections become
// ErrCircuitOpen. A call that fails after its deadline passed is reported as
// ErrTimeout wrapping the original error.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.logger.Warn("circuit breaker open - request rejected")
		return ErrCircuitOpen
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		g.logger.Warn("operation timeout",
			zap.Duration("timeout", g.timeout),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return errors.Join(ErrTimeout, err)
	}
	return err
}
