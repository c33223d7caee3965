package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledger-transfer/pkg/ledger"
	"ledger-transfer/pkg/transferlog"
	logpg "ledger-transfer/pkg/transferlog/postgres"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// SQLSTATE codes the store translates into ledger errors.
const (
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store is the PostgreSQL ledger. It owns a single *sql.DB pool; every unit
// of work is one *sql.Tx taken from it.
type Store struct {
	db      *sql.DB
	journal *logpg.Log
}

var (
	_ ledger.Store  = (*Store)(nil)
	_ ledger.Seeder = (*Store)(nil)
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "ledger",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Open connects, configures the pool and pings the server.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}

	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, journal: logpg.New(db)}
}

// Journal returns the transfer log bound to the pool rather than to any
// transaction. Records written through it survive a rollback.
func (s *Store) Journal() *logpg.Log {
	return s.journal
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the account and transfer log tables.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bank_accounts (
			account_id   BIGINT PRIMARY KEY,
			account_name VARCHAR(50) NOT NULL,
			balance      NUMERIC(15,2) NOT NULL CHECK (balance >= 0),
			created_at   TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
			last_updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return s.journal.Migrate(ctx)
}

// Seed inserts accounts inside one transaction when the table is empty.
func (s *Store) Seed(ctx context.Context, accounts []ledger.Account) (int, error) {
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin seed: %w", err)
	}
	defer tx.Rollback()

	// Serialise concurrent seeders on the table itself.
	if _, err := tx.ExecContext(ctx, `LOCK TABLE bank_accounts IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return 0, fmt.Errorf("ledger: lock for seed: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank_accounts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: count accounts: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	for _, a := range accounts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bank_accounts (account_id, account_name, balance) VALUES ($1, $2, $3)`,
			a.ID, a.DisplayName, a.Balance,
		)
		if err != nil {
			return 0, fmt.Errorf("ledger: seed account %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: commit seed: %w", err)
	}
	return len(accounts), nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectAccount = `
	SELECT account_id, account_name, balance, last_updated
	FROM bank_accounts WHERE account_id = $1
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner, id int64) (ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.ID, &a.DisplayName, &a.Balance, &a.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.NotFound(id)
	}
	if err != nil {
		return ledger.Account{}, translate(fmt.Errorf("ledger: query account %d: %w", id, err))
	}
	return a, nil
}

// Get reads committed state.
func (s *Store) Get(ctx context.Context, id int64) (ledger.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, selectAccount, id), id)
}

// List returns all accounts ordered by id.
func (s *Store) List(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, account_name, balance, last_updated
		FROM bank_accounts ORDER BY account_id
	`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Balance, &a.LastUpdated); err != nil {
			return nil, fmt.Errorf("ledger: scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Begin opens a READ COMMITTED transaction. Rows are read with FOR UPDATE,
// so a second unit touching the same account blocks until the first ends.
func (s *Store) Begin(ctx context.Context) (ledger.UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("ledger: begin: %w", err)
	}
	return &unit{tx: tx, log: logpg.New(tx)}, nil
}

type unit struct {
	tx  *sql.Tx
	log *logpg.Log
}

func (u *unit) Get(ctx context.Context, id int64) (ledger.Account, error) {
	return scanAccount(u.tx.QueryRowContext(ctx, selectAccount+` FOR UPDATE`, id), id)
}

func (u *unit) ApplyDelta(ctx context.Context, id int64, delta decimal.Decimal) (ledger.Account, error) {
	row := u.tx.QueryRowContext(ctx, `
		UPDATE bank_accounts
		SET balance = balance + $1, last_updated = now()
		WHERE account_id = $2
		RETURNING account_id, account_name, balance, last_updated
	`, delta, id)
	return scanAccount(row, id)
}

func (u *unit) Append(ctx context.Context, record transferlog.Record) (int64, error) {
	id, err := u.log.Append(ctx, record)
	return id, translate(err)
}

func (u *unit) Commit() error {
	if err := u.tx.Commit(); err != nil {
		return translate(fmt.Errorf("ledger: commit: %w", err))
	}
	return nil
}

func (u *unit) Rollback() error {
	err := u.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return ledger.ErrUnitClosed
	}
	return err
}

// translate maps driver errors onto ledger sentinels while keeping the
// original error in the chain.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %v", ledger.ErrUnitClosed, err)
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case codeCheckViolation:
		return fmt.Errorf("%w: %v", ledger.ErrConstraintViolation, err)
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	default:
		return err
	}
}
