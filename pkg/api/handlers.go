package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ledger-transfer/pkg/ledger"
	"ledger-transfer/pkg/transfer"
	"ledger-transfer/pkg/transferlog"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type accountView struct {
	AccountID   int64     `json:"accountId"`
	DisplayName string    `json:"displayName"`
	Balance     string    `json:"balance"`
	LastUpdated time.Time `json:"lastUpdated"`
}

func viewAccount(a ledger.Account) accountView {
	return accountView{
		AccountID:   a.ID,
		DisplayName: a.DisplayName,
		Balance:     a.Balance.StringFixed(2),
		LastUpdated: a.LastUpdated,
	}
}

// transferRequest accepts amount as a JSON number or a decimal string.
// simulateError is the older name for simulateFailure.
type transferRequest struct {
	FromAccountID   int64           `json:"fromAccountId"`
	ToAccountID     int64           `json:"toAccountId"`
	Amount          decimal.Decimal `json:"amount"`
	SimulateFailure bool            `json:"simulateFailure"`
	SimulateError   bool            `json:"simulateError"`
}

type transferResponse struct {
	Outcome     string `json:"outcome"`
	TransferID  int64  `json:"transferId,omitempty"`
	FromBalance string `json:"fromBalance,omitempty"`
	ToBalance   string `json:"toBalance,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

type historyView struct {
	TransferID   int64  `json:"transferId"`
	FromAccount  int64  `json:"fromAccount"`
	ToAccount    int64  `json:"toAccount"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func viewRecord(r transferlog.Record) historyView {
	return historyView{
		TransferID:   r.ID,
		FromAccount:  r.FromAccount,
		ToAccount:    r.ToAccount,
		Amount:       r.Amount.StringFixed(2),
		Status:       string(r.Status),
		ErrorMessage: r.ErrorMessage,
		Timestamp:    r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// sharedRead coalesces concurrent reads of key. The lookup runs detached from
// every caller; each caller stops waiting when its own context ends.
func (s *Server) sharedRead(ctx context.Context, key string, read func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	detached := context.WithoutCancel(ctx)
	ch := s.reads.DoChan(key, func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(detached, s.config.RequestTimeout)
		defer cancel()
		return read(readCtx)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleListAccounts returns every account ordered by id.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	v, err := s.sharedRead(r.Context(), "accounts", func(ctx context.Context) (interface{}, error) {
		return s.accounts.List(ctx)
	})
	if err != nil {
		s.logger.Error("list accounts failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "System error: accounts unavailable")
		return
	}

	accounts := v.([]ledger.Account)
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewAccount(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetAccount returns one account's committed balance.
// Concurrent reads of the same id share one lookup.
func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "account id must be a positive integer")
		return
	}

	v, err := s.sharedRead(r.Context(), "account:"+raw, func(ctx context.Context) (interface{}, error) {
		return s.accounts.Get(ctx, id)
	})
	if err != nil {
		if ledger.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Account "+raw+" not found")
			return
		}
		s.logger.Error("get account failed", zap.Int64("account_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "System error: account unavailable")
		return
	}

	writeJSON(w, http.StatusOK, viewAccount(v.(ledger.Account)))
}

// handleTransfer runs one transfer and maps its outcome to a status code:
// 200 committed, 400 malformed, 422 business failure, 503 system error.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := transfer.Request{
		From:            body.FromAccountID,
		To:              body.ToAccountID,
		Amount:          body.Amount,
		SimulateFailure: body.SimulateFailure || body.SimulateError,
		RequestID:       RequestIDFrom(r.Context()),
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	outcome, err := s.engine.Transfer(ctx, req)
	if err != nil {
		if transfer.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("transfer failed unexpectedly", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "System error: unexpected failure")
		return
	}

	if outcome.Committed {
		writeJSON(w, http.StatusOK, transferResponse{
			Outcome:     outcome.Label(),
			TransferID:  outcome.TransferID,
			FromBalance: outcome.FromBalance.StringFixed(2),
			ToBalance:   outcome.ToBalance.StringFixed(2),
		})
		return
	}

	status := http.StatusUnprocessableEntity
	if !outcome.Failure.Reason.Business() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, transferResponse{
		Outcome:    outcome.Label(),
		TransferID: outcome.TransferID,
		Reason:     string(outcome.Failure.Reason),
		Message:    outcome.Failure.Message,
	})
}

// handleHistory returns the newest transfer records.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	records, err := s.history.Recent(ctx, limit)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "System error: history timed out")
			return
		}
		s.logger.Error("read transfer history failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "System error: history unavailable")
		return
	}

	views := make([]historyView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewRecord(rec))
	}
	writeJSON(w, http.StatusOK, views)
}
