// Package events carries transfer outcomes to downstream consumers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind. It doubles as the AMQP routing key.
type Type string

const (
	TypeTransferCommitted  Type = "transfer.committed"
	TypeTransferRolledBack Type = "transfer.rolled_back"
)

// Event is one message handed to a Publisher.
type Event struct {
	ID         string      `json:"id"`
	Type       Type        `json:"type"`
	OccurredAt time.Time   `json:"occurredAt"`
	RequestID  string      `json:"requestId,omitempty"`
	Data       interface{} `json:"data"`
}

// New stamps an event with a fresh id and the current time.
func New(t Type, requestID string, data interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		RequestID:  requestID,
		Data:       data,
	}
}

// Publisher accepts events. Publish must not block on delivery.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Sink delivers a single event synchronously.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// Errors returned by publishers.
var (
	// ErrQueueFull is returned when the queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("events: queue full, event dropped")

	// ErrPublisherClosed is returned when publishing to a closed publisher
	ErrPublisherClosed = errors.New("events: publisher is closed")

	// ErrFlushTimeout is returned when Flush() times out waiting for queue to drain
	ErrFlushTimeout = errors.New("events: flush timeout exceeded")
)

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (NopPublisher) Close() error                                   { return nil }
