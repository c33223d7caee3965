package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ledger-transfer/pkg/metrics/memory"

	amqp "github.com/rabbitmq/amqp091-go"
)

// recordingSink stores delivered events and can be told to block or fail.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, event Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) delivered() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestNew(t *testing.T) {
	e := New(TypeTransferCommitted, "req-1", map[string]int{"transferId": 7})
	if e.ID == "" {
		t.Error("Expected generated id")
	}
	if e.Type != TypeTransferCommitted || e.RequestID != "req-1" {
		t.Errorf("Unexpected event %+v", e)
	}
	if e.OccurredAt.IsZero() {
		t.Error("Expected timestamp")
	}
}

func TestAsyncPublisher_Defaults(t *testing.T) {
	p := NewAsyncPublisher(&recordingSink{}, AsyncConfig{})
	defer p.Close()

	if cap(p.queue) != 1000 {
		t.Errorf("Expected default queue size 1000, got %d", cap(p.queue))
	}
	if p.workers != 2 {
		t.Errorf("Expected default workers 2, got %d", p.workers)
	}
}

func TestAsyncPublisher_DeliversOnClose(t *testing.T) {
	sink := &recordingSink{}
	p := NewAsyncPublisher(sink, AsyncConfig{QueueSize: 10, Workers: 1})

	for i := 0; i < 5; i++ {
		if err := p.Publish(context.Background(), New(TypeTransferCommitted, "", i)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := len(sink.delivered()); got != 5 {
		t.Errorf("Expected 5 delivered events, got %d", got)
	}
	if stats := p.Stats(); stats.Accepted != 5 || stats.Delivered != 5 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	if err := p.Publish(context.Background(), New(TypeTransferCommitted, "", 0)); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("Expected ErrPublisherClosed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Expected second Close to succeed, got %v", err)
	}
}

func TestAsyncPublisher_DropsOnBackpressure(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	mc := memory.NewMemoryCollector()
	p := NewAsyncPublisherWithMetrics(sink, AsyncConfig{QueueSize: 1, Workers: 1, MaxWaitTime: 5 * time.Millisecond}, mc)

	// First event occupies the worker, second fills the queue.
	_ = p.Publish(context.Background(), New(TypeTransferCommitted, "", 1))
	time.Sleep(20 * time.Millisecond)
	_ = p.Publish(context.Background(), New(TypeTransferCommitted, "", 2))

	err := p.Publish(context.Background(), New(TypeTransferCommitted, "", 3))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}

	close(sink.block)
	p.Close()

	if p.Stats().Dropped != 1 {
		t.Errorf("Expected 1 drop, got %d", p.Stats().Dropped)
	}
	if mc.Snapshot().Sinks["recording"].Dropped != 1 {
		t.Errorf("Expected drop to be recorded in metrics")
	}
}

func TestAsyncPublisher_CountsFailures(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	p := NewAsyncPublisher(sink, AsyncConfig{Workers: 1})

	_ = p.Publish(context.Background(), New(TypeTransferRolledBack, "", nil))
	p.Close()

	if p.Stats().Failed != 1 {
		t.Errorf("Expected 1 failure, got %d", p.Stats().Failed)
	}
}

type fakeChannel struct {
	declared  string
	kind      string
	published []amqp.Publishing
	keys      []string
	closed    bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = name
	c.kind = kind
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.keys = append(c.keys, key)
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestRabbitSink_Deliver(t *testing.T) {
	ch := &fakeChannel{}
	sink, err := NewRabbitSink(ch, "")
	if err != nil {
		t.Fatalf("NewRabbitSink failed: %v", err)
	}
	if ch.declared != "ledger.transfers" || ch.kind != "topic" {
		t.Errorf("Unexpected exchange %q (%s)", ch.declared, ch.kind)
	}

	e := New(TypeTransferCommitted, "req-9", map[string]string{"amount": "10.00"})
	if err := sink.Deliver(context.Background(), e); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if len(ch.published) != 1 || ch.keys[0] != "transfer.committed" {
		t.Fatalf("Expected one message routed by type, got %v", ch.keys)
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId != e.ID {
		t.Errorf("Unexpected publishing %+v", msg)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	if decoded.RequestID != "req-9" {
		t.Errorf("Expected request id in body, got %q", decoded.RequestID)
	}

	if err := sink.Close(); err != nil || !ch.closed {
		t.Errorf("Expected channel to close, err=%v", err)
	}
}
