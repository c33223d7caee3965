// Package transfer moves funds between two ledger accounts as one
// all-or-nothing unit of work and records every attempt in the transfer log.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-transfer/pkg/events"
	"ledger-transfer/pkg/ledger"
	"ledger-transfer/pkg/lock"
	"ledger-transfer/pkg/logging"
	"ledger-transfer/pkg/metrics"
	"ledger-transfer/pkg/resilience"
	"ledger-transfer/pkg/transferlog"

	"go.uber.org/zap"
)

const simulatedFailureMessage = "Simulated error: Transaction intentionally failed for testing"

// Config bounds the time a transfer may spend in each phase.
type Config struct {
	// UnitTimeout bounds Beginning through Committing.
	UnitTimeout time.Duration

	// LockTimeout bounds waiting for account locks.
	LockTimeout time.Duration

	// AuditTimeout bounds writing a failure record after rollback.
	AuditTimeout time.Duration

	// Breaker configures the circuit breaker around the unit of work. Its
	// Timeout and IsFailure are set by the engine.
	Breaker resilience.ResilientConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		UnitTimeout:  5 * time.Second,
		LockTimeout:  3 * time.Second,
		AuditTimeout: 2 * time.Second,
		Breaker:      resilience.DefaultResilientConfig(),
	}
}

// Dependencies are the collaborators of an Engine. Store and Journal are
// required; the rest fall back to in-process defaults.
type Dependencies struct {
	Store ledger.Store

	// Journal receives failure records outside any unit of work.
	Journal transferlog.Appender

	Locker    lock.Locker
	Publisher events.Publisher
	Metrics   metrics.MetricsCollector
}

// Engine executes transfers. It is safe for concurrent use.
type Engine struct {
	store     ledger.Store
	journal   transferlog.Appender
	locker    lock.Locker
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	guard     *resilience.Guard
	config    Config
	logger    *logging.Logger
}

// NewEngine wires an engine.
func NewEngine(deps Dependencies, config Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("transfer: ledger store is required")
	}
	if deps.Journal == nil {
		return nil, errors.New("transfer: transfer log is required")
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOpCollector{}
	}

	defaults := DefaultConfig()
	if config.UnitTimeout <= 0 {
		config.UnitTimeout = defaults.UnitTimeout
	}
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaults.LockTimeout
	}
	if config.AuditTimeout <= 0 {
		config.AuditTimeout = defaults.AuditTimeout
	}

	breaker := config.Breaker
	if breaker.Name == "" {
		breaker = defaults.Breaker
	}
	breaker.Timeout = config.UnitTimeout
	breaker.IsFailure = IsSystemFailure
	config.Breaker = breaker

	return &Engine{
		store:     deps.Store,
		journal:   deps.Journal,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		guard:     resilience.NewGuardWithMetrics(breaker, deps.Metrics),
		config:    config,
		logger:    logging.Global().Named("transfer"),
	}, nil
}

// Guard exposes the circuit breaker so callers can report its state.
func (e *Engine) Guard() *resilience.Guard {
	return e.guard
}

// Transfer moves req.Amount from req.From to req.To.
//
// A malformed request returns a *ValidationError and writes nothing. Every
// other call returns a nil error and an Outcome backed by exactly one
// transfer record: SUCCESS when committed, FAILED when rolled back.
func (e *Engine) Transfer(ctx context.Context, req Request) (Outcome, error) {
	start := time.Now()
	a := &attempt{
		engine: e,
		req:    req,
		logger: e.logger.With(logging.TransferFields(req.RequestID, req.From, req.To, req.Amount)...),
	}

	a.enter(StateValidating)
	if err := req.Validate(); err != nil {
		a.logger.Info("transfer rejected", zap.Error(err))
		e.metrics.RecordTransfer(metrics.OutcomeRejected, "validation", time.Since(start))
		return Outcome{}, err
	}

	outcome := a.run(ctx)

	reason := ""
	label := metrics.OutcomeCommitted
	if !outcome.Committed {
		reason = string(outcome.Failure.Reason)
		label = metrics.OutcomeRolledBack
	}
	e.metrics.RecordTransfer(label, reason, time.Since(start))
	e.publish(ctx, req, outcome)

	return outcome, nil
}

// attempt carries the state of one validated transfer.
type attempt struct {
	engine *Engine
	req    Request
	logger *logging.Logger
	state  State

	transferID  int64
	fromBalance ledger.Account
	toBalance   ledger.Account
}

func (a *attempt) enter(s State) {
	a.state = s
	a.logger.Debug("transfer state", zap.String(logging.KeyState, string(s)))
}

func (a *attempt) run(ctx context.Context) Outcome {
	e := a.engine

	a.enter(StateLocking)
	lockCtx, cancel := context.WithTimeout(ctx, e.config.LockTimeout)
	lockStart := time.Now()
	unlock, err := e.locker.Lock(lockCtx, a.req.From, a.req.To)
	cancel()
	e.metrics.RecordLockWait(e.locker.Name(), err == nil, time.Since(lockStart))
	if err != nil {
		return a.failed(ctx, &Failure{
			Reason:  ReasonSystemError,
			Message: "System error: accounts are busy, try again",
			State:   StateLocking,
			Err:     err,
		})
	}

	err = e.guard.Do(ctx, a.unit)
	unlock()

	if err == nil {
		a.enter(StateCommitted)
		a.logger.Info("transfer committed",
			zap.Int64(logging.KeyTransferID, a.transferID),
			logging.Amount("from_balance", a.fromBalance.Balance),
			logging.Amount("to_balance", a.toBalance.Balance),
		)
		return Outcome{
			Committed:   true,
			TransferID:  a.transferID,
			FromBalance: a.fromBalance.Balance,
			ToBalance:   a.toBalance.Balance,
		}
	}

	// A business verdict reached after the deadline still stands.
	var f *Failure
	switch {
	case errors.As(err, &f) && (f.Reason.Business() || !errors.Is(err, resilience.ErrTimeout)):
	case errors.Is(err, resilience.ErrTimeout):
		f = systemFailure(a.state, "unit of work timed out", err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		f = systemFailure(StateBeginning, "ledger temporarily unavailable", err)
	default:
		f = systemFailure(a.state, "unexpected error", err)
	}
	return a.failed(ctx, f)
}

func systemFailure(state State, what string, err error) *Failure {
	return &Failure{
		Reason:  ReasonSystemError,
		Message: "System error: " + what,
		State:   state,
		Err:     err,
	}
}

// unit runs Beginning through Committing. Any returned error has already
// been rolled back.
func (a *attempt) unit(ctx context.Context) error {
	req := a.req
	store := a.engine.store

	a.enter(StateBeginning)
	uow, err := store.Begin(ctx)
	if err != nil {
		return systemFailure(StateBeginning, "could not open unit of work", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		a.rollback(uow)
	}()

	a.enter(StateCheckingSource)
	src, err := uow.Get(ctx, req.From)
	if err != nil {
		return a.readFailure(ctx, "Source", req.From, err)
	}
	if src.Balance.LessThan(req.Amount) {
		return insufficient(StateCheckingSource, src, req, nil)
	}

	a.enter(StateCheckingDestination)
	if _, err := uow.Get(ctx, req.To); err != nil {
		return a.readFailure(ctx, "Destination", req.To, err)
	}

	a.enter(StateFaultInjection)
	if req.SimulateFailure {
		return &Failure{Reason: ReasonSimulatedFailure, Message: simulatedFailureMessage, State: StateFaultInjection}
	}

	a.enter(StateDebiting)
	from, err := uow.ApplyDelta(ctx, req.From, req.Amount.Neg())
	if err != nil {
		if ledger.IsConstraintViolation(err) {
			return insufficient(StateDebiting, src, req, err)
		}
		return a.writeFailure(ctx, "Source", req.From, err)
	}

	a.enter(StateCrediting)
	to, err := uow.ApplyDelta(ctx, req.To, req.Amount)
	if err != nil {
		return a.writeFailure(ctx, "Destination", req.To, err)
	}

	a.enter(StateLogging)
	id, err := uow.Append(ctx, transferlog.Record{
		FromAccount: req.From,
		ToAccount:   req.To,
		Amount:      req.Amount,
		Status:      transferlog.StatusSuccess,
	})
	if err != nil {
		return a.systemError(ctx, "could not write transfer record", err)
	}

	a.enter(StateCommitting)
	if err := uow.Commit(); err != nil {
		return a.systemError(ctx, "commit failed", err)
	}
	committed = true

	a.transferID = id
	a.fromBalance = from
	a.toBalance = to
	return nil
}

func insufficient(state State, src ledger.Account, req Request, err error) *Failure {
	return &Failure{
		Reason: ReasonInsufficientBalance,
		Message: fmt.Sprintf("Insufficient balance. Available: $%s, Required: $%s",
			src.Balance.StringFixed(2), req.Amount.StringFixed(2)),
		State: state,
		Err:   err,
	}
}

func (a *attempt) readFailure(ctx context.Context, role string, id int64, err error) *Failure {
	if ledger.IsNotFound(err) {
		return &Failure{
			Reason:  ReasonAccountNotFound,
			Message: fmt.Sprintf("%s account %d not found", role, id),
			State:   a.state,
			Err:     err,
		}
	}
	return a.systemError(ctx, "could not read account", err)
}

func (a *attempt) writeFailure(ctx context.Context, role string, id int64, err error) *Failure {
	if ledger.IsNotFound(err) {
		return &Failure{
			Reason:  ReasonAccountNotFound,
			Message: fmt.Sprintf("%s account %d not found", role, id),
			State:   a.state,
			Err:     err,
		}
	}
	return a.systemError(ctx, "could not update balance", err)
}

// systemError names a deadline hit as a timeout so the message does not
// depend on which store call noticed it first.
func (a *attempt) systemError(ctx context.Context, what string, err error) *Failure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		what = "unit of work timed out"
	}
	return systemFailure(a.state, what, err)
}

func (a *attempt) rollback(uow ledger.UnitOfWork) {
	failedIn := a.state
	a.enter(StateRollingBack)
	if err := uow.Rollback(); err != nil && !errors.Is(err, ledger.ErrUnitClosed) {
		a.logger.Error("rollback failed",
			zap.String("failed_in", string(failedIn)),
			zap.String("error_type", ledger.ClassifyError(err)),
			zap.Error(err),
		)
	}
	a.state = failedIn
}

// failed writes the FAILED record through the journal, outside the aborted
// unit of work, and builds the rolled back outcome.
func (a *attempt) failed(ctx context.Context, f *Failure) Outcome {
	e := a.engine

	a.enter(StateLoggingFailure)
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.AuditTimeout)
	defer cancel()

	id, err := e.journal.Append(auditCtx, transferlog.Record{
		FromAccount:  a.req.From,
		ToAccount:    a.req.To,
		Amount:       a.req.Amount,
		Status:       transferlog.StatusFailed,
		ErrorMessage: f.Message,
	})
	if err != nil {
		f.AuditErr = err
		e.metrics.RecordAuditFailure(string(f.Reason))
		a.logger.Error("failure record could not be written",
			zap.String(logging.KeyReason, string(f.Reason)),
			zap.String("error_type", ledger.ClassifyError(err)),
			zap.Error(err),
		)
	}

	a.enter(StateFailed)
	fields := []zap.Field{
		zap.String(logging.KeyReason, string(f.Reason)),
		zap.String("failed_in", string(f.State)),
		zap.String("message", f.Message),
		zap.Int64(logging.KeyTransferID, id),
	}
	if f.Err != nil {
		fields = append(fields, zap.Error(f.Err))
	}
	if f.Reason.Business() {
		a.logger.Warn("transfer rolled back", fields...)
	} else {
		a.logger.Error("transfer rolled back", fields...)
	}

	return Outcome{TransferID: id, Failure: f}
}

// TransferEvent is the payload of transfer events.
type TransferEvent struct {
	TransferID  int64  `json:"transferId,omitempty"`
	FromAccount int64  `json:"fromAccount"`
	ToAccount   int64  `json:"toAccount"`
	Amount      string `json:"amount"`
	Outcome     string `json:"outcome"`
	FromBalance string `json:"fromBalance,omitempty"`
	ToBalance   string `json:"toBalance,omitempty"`
	Reason      Reason `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (e *Engine) publish(ctx context.Context, req Request, o Outcome) {
	payload := TransferEvent{
		TransferID:  o.TransferID,
		FromAccount: req.From,
		ToAccount:   req.To,
		Amount:      req.Amount.StringFixed(2),
		Outcome:     o.Label(),
	}
	t := events.TypeTransferCommitted
	if o.Committed {
		payload.FromBalance = o.FromBalance.StringFixed(2)
		payload.ToBalance = o.ToBalance.StringFixed(2)
	} else {
		t = events.TypeTransferRolledBack
		payload.Reason = o.Failure.Reason
		payload.Message = o.Failure.Message
	}

	if err := e.publisher.Publish(context.WithoutCancel(ctx), events.New(t, req.RequestID, payload)); err != nil {
		e.logger.Debug("transfer event not published",
			zap.String(logging.KeyRequestID, req.RequestID),
			zap.Error(err),
		)
	}
}
