package transferlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the final outcome stored for a transfer attempt.
type Status string

const (
	// StatusSuccess marks a transfer whose unit of work committed.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed marks a transfer that was rolled back.
	StatusFailed Status = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ErrInvalidRecord is returned when a record violates the log's shape rules.
var ErrInvalidRecord = errors.New("transferlog: invalid record")

// Record is one immutable entry in the transfer log.
//
// FromAccount and ToAccount are historical pointers: the log does not require
// the referenced accounts to exist.
type Record struct {
	ID           int64           `json:"transferId"`
	FromAccount  int64           `json:"fromAccount"`
	ToAccount    int64           `json:"toAccount"`
	Amount       decimal.Decimal `json:"amount"`
	Status       Status          `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Validate checks the record before it is appended.
// An error message is required for FAILED records and forbidden for SUCCESS.
func (r Record) Validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRecord)
	}

	switch r.Status {
	case StatusSuccess:
		if r.ErrorMessage != "" {
			return fmt.Errorf("%w: successful record carries an error message", ErrInvalidRecord)
		}
	case StatusFailed:
		if r.ErrorMessage == "" {
			return fmt.Errorf("%w: failed record needs an error message", ErrInvalidRecord)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}

	return nil
}

// Appender writes records. Implementations never update or delete.
type Appender interface {
	// Append stores the record and returns its generated transfer id.
	Append(ctx context.Context, record Record) (int64, error)
}

// Reader exposes the log for reporting.
type Reader interface {
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// Log is an Appender that can also be read back.
type Log interface {
	Appender
	Reader
}
