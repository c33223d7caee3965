package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"ledger-transfer/pkg/ledger"
	"ledger-transfer/pkg/transfer"
	"ledger-transfer/pkg/transferlog"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// setupStore connects to TEST_POSTGRES_DSN and resets both tables.
func setupStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("PostgreSQL not available: %v", err)
	}

	s := New(db)
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE bank_accounts, transfer_log RESTART IDENTITY`); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if _, err := s.Seed(context.Background(), ledger.DemoAccounts()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	return s
}

func total(t *testing.T, s *Store) decimal.Decimal {
	t.Helper()
	accounts, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sum := decimal.Zero
	for _, a := range accounts {
		sum = sum.Add(a.Balance)
	}
	return sum
}

func TestConfig_DSN(t *testing.T) {
	c := DefaultConfig()
	c.Host = "db"
	c.Database = "bank"

	dsn := c.DSN()
	for _, part := range []string{"host=db", "port=5432", "dbname=bank", "sslmode=disable"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("Expected %q in %q", part, dsn)
		}
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"check violation", &pq.Error{Code: codeCheckViolation}, ledger.ErrConstraintViolation},
		{"serialization failure", &pq.Error{Code: codeSerializationFailure}, ledger.ErrConflict},
		{"deadlock", fmt.Errorf("wrapped: %w", &pq.Error{Code: codeDeadlockDetected}), ledger.ErrConflict},
		{"tx done", sql.ErrTxDone, ledger.ErrUnitClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translate(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	other := errors.New("boom")
	if got := translate(other); got != other {
		t.Errorf("Expected unrelated error to pass through, got %v", got)
	}
	if translate(nil) != nil {
		t.Error("Expected nil")
	}
}

func TestStore_SeedOnlyWhenEmpty(t *testing.T) {
	s := setupStore(t)

	n, err := s.Seed(context.Background(), ledger.DemoAccounts())
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected second seed to insert nothing, got %d", n)
	}

	accounts, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(accounts) != 3 || accounts[0].DisplayName != "Alice" {
		t.Errorf("Unexpected accounts: %+v", accounts)
	}
	if !accounts[0].Balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected 500, got %s", accounts[0].Balance)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s := setupStore(t)

	if _, err := s.Get(context.Background(), 99); !ledger.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestUnit_NegativeBalanceIsConstraintViolation(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	uow, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer uow.Rollback()

	_, err = uow.ApplyDelta(ctx, 3, decimal.NewFromInt(-1000))
	if !ledger.IsConstraintViolation(err) {
		t.Errorf("Expected constraint violation, got %v", err)
	}
}

func TestUnit_RollbackDiscardsBalancesAndRecords(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	uow, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := uow.ApplyDelta(ctx, 1, decimal.NewFromInt(-100)); err != nil {
		t.Fatalf("ApplyDelta failed: %v", err)
	}
	if _, err := uow.Append(ctx, transferlog.Record{
		FromAccount: 1, ToAccount: 2, Amount: decimal.NewFromInt(100), Status: transferlog.StatusSuccess,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := uow.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if err := uow.Rollback(); !errors.Is(err, ledger.ErrUnitClosed) {
		t.Errorf("Expected ErrUnitClosed on second rollback, got %v", err)
	}

	a, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !a.Balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected 500 after rollback, got %s", a.Balance)
	}

	records, err := s.Journal().Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no records after rollback, got %+v", records)
	}
}

func TestEngine_OnPostgres(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	engine, err := transfer.NewEngine(transfer.Dependencies{
		Store:   s,
		Journal: s.Journal(),
	}, transfer.DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	outcome, err := engine.Transfer(ctx, transfer.Request{From: 1, To: 2, Amount: decimal.RequireFromString("100.25")})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if !outcome.Committed {
		t.Fatalf("Expected commit, got %+v", outcome.Failure)
	}
	if outcome.FromBalance.StringFixed(2) != "399.75" || outcome.ToBalance.StringFixed(2) != "400.25" {
		t.Errorf("Unexpected balances: %s / %s", outcome.FromBalance, outcome.ToBalance)
	}

	outcome, err = engine.Transfer(ctx, transfer.Request{From: 3, To: 1, Amount: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if outcome.Committed || outcome.Failure.Reason != transfer.ReasonInsufficientBalance {
		t.Errorf("Expected insufficient balance, got %+v", outcome)
	}

	records, err := s.Journal().Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Status != transferlog.StatusFailed || records[1].Status != transferlog.StatusSuccess {
		t.Errorf("Unexpected record order: %+v", records)
	}
	if !strings.HasPrefix(records[0].ErrorMessage, "Insufficient balance") {
		t.Errorf("Unexpected error message: %q", records[0].ErrorMessage)
	}
}

func TestEngine_OnPostgresConcurrentTransfersConserveTotal(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	before := total(t, s)

	engine, err := transfer.NewEngine(transfer.Dependencies{
		Store:   s,
		Journal: s.Journal(),
	}, transfer.DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	pairs := [][2]int64{{1, 2}, {2, 1}, {2, 3}, {3, 1}}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(p [2]int64) {
			defer wg.Done()
			engine.Transfer(ctx, transfer.Request{From: p[0], To: p[1], Amount: decimal.NewFromInt(7)})
		}(pairs[i%len(pairs)])
	}
	wg.Wait()

	if after := total(t, s); !after.Equal(before) {
		t.Errorf("Expected total %s, got %s", before, after)
	}

	records, err := s.Journal().Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 40 {
		t.Errorf("Expected one record per transfer, got %d", len(records))
	}
}
