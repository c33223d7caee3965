package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ledger-transfer/pkg/transferlog"

	"github.com/shopspring/decimal"
)

// Account is one ledger entry. Balance is fixed-point and never negative.
type Account struct {
	ID          int64           `json:"accountId"`
	DisplayName string          `json:"displayName"`
	Balance     decimal.Decimal `json:"balance"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// Validate checks an account before it is seeded.
func (a Account) Validate() error {
	if a.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidAccount)
	}
	if strings.TrimSpace(a.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidAccount)
	}
	if a.Balance.IsNegative() {
		return fmt.Errorf("%w: balance must not be negative", ErrInvalidAccount)
	}
	return nil
}

// DemoAccounts are the accounts seeded for the transfer demo.
func DemoAccounts() []Account {
	return []Account{
		{ID: 1, DisplayName: "Alice", Balance: decimal.NewFromInt(500)},
		{ID: 2, DisplayName: "Bob", Balance: decimal.NewFromInt(300)},
		{ID: 3, DisplayName: "Charlie", Balance: decimal.NewFromInt(150)},
	}
}

// Reader serves committed account state outside any unit of work.
type Reader interface {
	// Get returns the committed account or ErrAccountNotFound.
	Get(ctx context.Context, id int64) (Account, error)

	// List returns all accounts ordered by id.
	List(ctx context.Context) ([]Account, error)
}

// Store owns the account table and hands out units of work.
type Store interface {
	Reader

	// Begin opens a unit of work. Reads and writes through it are isolated
	// from other in-flight units until Commit.
	Begin(ctx context.Context) (UnitOfWork, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}

// UnitOfWork is an atomic, isolated sequence of ledger reads and writes.
//
// Records appended through a unit share its fate: they become visible on
// Commit and disappear on Rollback.
type UnitOfWork interface {
	transferlog.Appender

	// Get reads an account as seen by this unit.
	Get(ctx context.Context, id int64) (Account, error)

	// ApplyDelta adds delta to the balance and stamps last_updated.
	// Returns ErrConstraintViolation when the result would be negative.
	ApplyDelta(ctx context.Context, id int64, delta decimal.Decimal) (Account, error)

	// Commit makes every change durable.
	Commit() error

	// Rollback discards every change. Calling it after Commit returns ErrUnitClosed.
	Rollback() error
}

// Seeder is implemented by stores that can load initial accounts.
type Seeder interface {
	// Seed inserts accounts only when the store is empty and reports how many were written.
	Seed(ctx context.Context, accounts []Account) (int, error)
}
