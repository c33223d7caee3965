package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"ledger-transfer/pkg/transferlog"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

func setupLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}

	l := New(db)
	if err := l.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE transfer_log RESTART IDENTITY`); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	return l, db
}

func TestLog_AppendRejectsInvalidRecordWithoutQuerying(t *testing.T) {
	l := New(nil)

	_, err := l.Append(context.Background(), transferlog.Record{
		FromAccount: 1, ToAccount: 2, Amount: decimal.NewFromInt(5), Status: transferlog.StatusFailed,
	})
	if !errors.Is(err, transferlog.ErrInvalidRecord) {
		t.Errorf("Expected ErrInvalidRecord, got %v", err)
	}
}

func TestLog_AppendAndRecent(t *testing.T) {
	l, _ := setupLog(t)
	ctx := context.Background()

	first, err := l.Append(ctx, transferlog.Record{
		FromAccount: 1, ToAccount: 2, Amount: decimal.RequireFromString("10.50"), Status: transferlog.StatusSuccess,
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	second, err := l.Append(ctx, transferlog.Record{
		FromAccount: 9, ToAccount: 2, Amount: decimal.NewFromInt(1), Status: transferlog.StatusFailed,
		ErrorMessage: "Source account 9 not found",
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if second <= first {
		t.Errorf("Expected increasing ids, got %d then %d", first, second)
	}

	records, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].ID != second || records[0].ErrorMessage != "Source account 9 not found" {
		t.Errorf("Unexpected newest record: %+v", records[0])
	}
	if !records[1].Amount.Equal(decimal.RequireFromString("10.50")) || records[1].ErrorMessage != "" {
		t.Errorf("Unexpected oldest record: %+v", records[1])
	}
}

func TestLog_TransactionalAppendFollowsTx(t *testing.T) {
	l, db := setupLog(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	if _, err := New(tx).Append(ctx, transferlog.Record{
		FromAccount: 1, ToAccount: 2, Amount: decimal.NewFromInt(3), Status: transferlog.StatusSuccess,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	records, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected rolled back append to vanish, got %+v", records)
	}
}
