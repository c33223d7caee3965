package transfer

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// State is a step of the transfer state machine.
type State string

const (
	StateValidating          State = "Validating"
	StateLocking             State = "Locking"
	StateBeginning           State = "Beginning"
	StateCheckingSource      State = "CheckingSource"
	StateCheckingDestination State = "CheckingDestination"
	StateFaultInjection      State = "FaultInjection"
	StateDebiting            State = "Debiting"
	StateCrediting           State = "Crediting"
	StateLogging             State = "Logging"
	StateCommitting          State = "Committing"
	StateCommitted           State = "Committed"
	StateRollingBack         State = "RollingBack"
	StateLoggingFailure      State = "LoggingFailure"
	StateFailed              State = "Failed"
)

// Reason classifies a rolled back transfer.
type Reason string

const (
	ReasonAccountNotFound     Reason = "AccountNotFound"
	ReasonInsufficientBalance Reason = "InsufficientBalance"
	ReasonSimulatedFailure    Reason = "SimulatedFailure"
	ReasonSystemError         Reason = "SystemError"
)

// Business reports whether the reason is a well-formed request that could
// not be satisfied, as opposed to a fault in the system.
func (r Reason) Business() bool {
	return r != ReasonSystemError
}

// Outcome labels returned to callers.
const (
	OutcomeCommitted  = "COMMITTED"
	OutcomeRolledBack = "ROLLED_BACK"
)

// Request asks to move Amount from one account to another.
type Request struct {
	From            int64
	To              int64
	Amount          decimal.Decimal
	SimulateFailure bool

	// RequestID correlates logs and events. Optional.
	RequestID string
}

// Outcome is the terminal result of a transfer that passed validation.
type Outcome struct {
	// Committed is true when the ledger changed.
	Committed bool

	// TransferID identifies the record written for this attempt. It is zero
	// only when a failure record could not be written.
	TransferID int64

	// FromBalance and ToBalance are set on commit.
	FromBalance decimal.Decimal
	ToBalance   decimal.Decimal

	// Failure is set when the transfer rolled back.
	Failure *Failure
}

// Label returns COMMITTED or ROLLED_BACK.
func (o Outcome) Label() string {
	if o.Committed {
		return OutcomeCommitted
	}
	return OutcomeRolledBack
}

// Failure describes why a transfer rolled back.
type Failure struct {
	Reason  Reason
	Message string

	// State is where the failure happened.
	State State

	// Err is the underlying cause, if any.
	Err error

	// AuditErr is set when the failure record itself could not be written.
	AuditErr error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("transfer: %s in %s: %s: %v", f.Reason, f.State, f.Message, f.Err)
	}
	return fmt.Sprintf("transfer: %s in %s: %s", f.Reason, f.State, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// IsSystemFailure reports whether err carries a SystemError failure, or is
// not a transfer failure at all. Guards count only these against the store.
func IsSystemFailure(err error) bool {
	if err == nil {
		return false
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason == ReasonSystemError
	}
	return true
}
