package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ledger-transfer/pkg/logging"
	"ledger-transfer/pkg/metrics"

	"go.uber.org/zap"
)

// AsyncPublisher hands events to a Sink from a worker pool fed by a bounded
// queue. Publish never waits longer than MaxWaitTime.
type AsyncPublisher struct {
	sink       Sink
	queue      chan Event
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
	config     AsyncConfig
	metrics    metrics.MetricsCollector
	logger     *logging.Logger
	sinkName   string

	// Statistics (accessed atomically)
	dropped   int64
	accepted  int64
	delivered int64
	failed    int64

	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

var _ Publisher = (*AsyncPublisher)(nil)

// AsyncConfig configures the async publisher behavior.
type AsyncConfig struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time to wait if queue is full (default: 10ms)
	MaxWaitTime time.Duration

	// DeliveryTimeout bounds a single Sink.Deliver call (default: 5s)
	DeliveryTimeout time.Duration

	// ReportInterval is how often queue depth is reported (default: 5s)
	ReportInterval time.Duration
}

// DefaultAsyncConfig returns the defaults applied to zero fields.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:       1000,
		Workers:         2,
		MaxWaitTime:     10 * time.Millisecond,
		DeliveryTimeout: 5 * time.Second,
		ReportInterval:  5 * time.Second,
	}
}

// NewAsyncPublisher creates a publisher without metrics.
func NewAsyncPublisher(sink Sink, config AsyncConfig) *AsyncPublisher {
	return NewAsyncPublisherWithMetrics(sink, config, metrics.NoOpCollector{})
}

// NewAsyncPublisherWithMetrics starts the workers immediately; the
// publisher must be closed with Close.
func NewAsyncPublisherWithMetrics(sink Sink, config AsyncConfig, metricsCollector metrics.MetricsCollector) *AsyncPublisher {
	defaults := DefaultAsyncConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = defaults.MaxWaitTime
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = defaults.ReportInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &AsyncPublisher{
		sink:          sink,
		queue:         make(chan Event, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metricsCollector,
		logger:        logging.Global().Named("events").Named(sink.Name()),
		sinkName:      sink.Name(),
		metricsTicker: time.NewTicker(config.ReportInterval),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.reportMetrics()

	return p
}

// Publish enqueues event. If the queue is full it waits up to MaxWaitTime
// and then drops the event with ErrQueueFull.
func (p *AsyncPublisher) Publish(ctx context.Context, event Event) error {
	select {
	case <-p.ctx.Done():
		return ErrPublisherClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	timer := time.NewTimer(p.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case p.queue <- event:
		atomic.AddInt64(&p.accepted, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&p.dropped, 1)
		p.metrics.RecordEventDropped(p.sinkName)
		p.logger.Warn("event dropped", zap.String("event_type", string(event.Type)), zap.String("event_id", event.ID))
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPublisherClosed
	}
}

func (p *AsyncPublisher) worker() {
	defer p.wg.Done()

	for {
		select {
		case event := <-p.queue:
			p.deliver(event)
		case <-p.ctx.Done():
			// Drain remaining events before exiting
			for {
				select {
				case event := <-p.queue:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *AsyncPublisher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := p.sink.Deliver(ctx, event)
	p.metrics.RecordEventPublished(p.sinkName, err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("event delivery failed",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		return
	}
	atomic.AddInt64(&p.delivered, 1)
}

// Flush waits until the queue is empty or timeout passes.
func (p *AsyncPublisher) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if len(p.queue) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops accepting events, delivers what is queued and waits for the
// workers. It is safe to call more than once.
func (p *AsyncPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.metricsStop)
		p.metricsTicker.Stop()
		p.cancelFunc()
		p.wg.Wait()
	})
	return nil
}

func (p *AsyncPublisher) reportMetrics() {
	for {
		select {
		case <-p.metricsTicker.C:
			p.metrics.RecordQueueDepth(p.sinkName, len(p.queue))
		case <-p.metricsStop:
			return
		}
	}
}

// AsyncStats provides statistics about publisher operations.
type AsyncStats struct {
	// QueueDepth is the current number of pending events
	QueueDepth int

	// Dropped is the number of events dropped due to backpressure
	Dropped int64

	// Accepted is the number of events enqueued
	Accepted int64

	// Delivered is the number of events the sink accepted
	Delivered int64

	// Failed is the number of events the sink rejected
	Failed int64
}

// Stats returns current statistics.
func (p *AsyncPublisher) Stats() AsyncStats {
	return AsyncStats{
		QueueDepth: len(p.queue),
		Dropped:    atomic.LoadInt64(&p.dropped),
		Accepted:   atomic.LoadInt64(&p.accepted),
		Delivered:  atomic.LoadInt64(&p.delivered),
		Failed:     atomic.LoadInt64(&p.failed),
	}
}
