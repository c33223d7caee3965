package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Ledger store errors. Store implementations wrap these so callers can use
// errors.Is regardless of the backend.
var (
	// ErrAccountNotFound is returned when no account has the requested id
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrConstraintViolation is returned when a write would break the
	// non-negative balance rule
	ErrConstraintViolation = errors.New("ledger: balance constraint violation")

	// ErrConflict is returned by Commit when an account changed underneath
	// the unit of work
	ErrConflict = errors.New("ledger: concurrent modification")

	// ErrUnitClosed is returned when a unit of work is used after Commit or Rollback
	ErrUnitClosed = errors.New("ledger: unit of work already closed")

	// ErrInvalidAccount is returned when seeding an account with a bad shape
	ErrInvalidAccount = errors.New("ledger: invalid account")
)

// IsNotFound reports whether err means the account does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}

// IsConstraintViolation reports whether err came from the balance constraint.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// NotFound wraps ErrAccountNotFound with the offending id.
func NotFound(id int64) error {
	return fmt.Errorf("%w: %d", ErrAccountNotFound, id)
}

// ClassifyError returns a low-cardinality label for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, ErrConstraintViolation):
		return "constraint"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnitClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection") || strings.Contains(msg, "dial"):
		return "connection"
	case strings.Contains(msg, "deadlock"):
		return "deadlock"
	default:
		return "other"
	}
}
