package transfer

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors. They are returned before any unit of work opens and
// never produce a transfer record.
var (
	ErrMissingAccount = errors.New("transfer: source and destination accounts are required")
	ErrSameAccount    = errors.New("transfer: source and destination must differ")
	ErrInvalidAmount  = errors.New("transfer: amount must be a positive value")
)

// maxAmount is the exclusive upper bound that fits NUMERIC(15,2).
var maxAmount = decimal.New(1, 13)

// ValidationError rejects a malformed request.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err rejected the request before it started.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func invalid(err error, format string, args ...interface{}) error {
	return &ValidationError{Err: err, Detail: fmt.Sprintf(format, args...)}
}

// Validate checks the request shape. Account existence is not checked here.
func (r Request) Validate() error {
	if r.From <= 0 {
		return invalid(ErrMissingAccount, "fromAccountId %d", r.From)
	}
	if r.To <= 0 {
		return invalid(ErrMissingAccount, "toAccountId %d", r.To)
	}
	if r.From == r.To {
		return invalid(ErrSameAccount, "account %d", r.From)
	}
	if !r.Amount.IsPositive() {
		return invalid(ErrInvalidAmount, "got %s", r.Amount.String())
	}
	if !r.Amount.Equal(r.Amount.Truncate(2)) {
		return invalid(ErrInvalidAmount, "%s has more than two decimal places", r.Amount.String())
	}
	if r.Amount.GreaterThanOrEqual(maxAmount) {
		return invalid(ErrInvalidAmount, "%s exceeds the maximum", r.Amount.String())
	}
	return nil
}
