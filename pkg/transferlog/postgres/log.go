package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ledger-transfer/pkg/transferlog"
)

// Querier is the subset of *sql.DB and *sql.Tx the log needs. Passing a
// *sql.Tx binds appends to that transaction; passing the *sql.DB makes every
// append commit on its own.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Log is the SQL-backed transfer log.
type Log struct {
	q Querier
}

var _ transferlog.Log = (*Log)(nil)

// New creates a log on top of q.
func New(q Querier) *Log {
	return &Log{q: q}
}

// Schema is the DDL for the transfer_log table. Account columns are not
// foreign keys: records must outlive whatever happens to accounts.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS transfer_log (
		transfer_id   BIGSERIAL PRIMARY KEY,
		from_account  BIGINT NOT NULL,
		to_account    BIGINT NOT NULL,
		amount        NUMERIC(15,2) NOT NULL CHECK (amount > 0),
		status        TEXT NOT NULL CHECK (status IN ('SUCCESS', 'FAILED')),
		error_message TEXT,
		created_at    TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_log_from ON transfer_log(from_account)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_log_to ON transfer_log(to_account)`,
}

// Migrate creates the table if it does not exist.
func (l *Log) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := l.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("transferlog: migrate: %w", err)
		}
	}
	return nil
}

// Append inserts the record and returns the generated transfer id.
func (l *Log) Append(ctx context.Context, record transferlog.Record) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}

	var message sql.NullString
	if record.ErrorMessage != "" {
		message = sql.NullString{String: record.ErrorMessage, Valid: true}
	}
	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO transfer_log (from_account, to_account, amount, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING transfer_id
	`

	var id int64
	err := l.q.QueryRowContext(ctx, query,
		record.FromAccount, record.ToAccount, record.Amount, string(record.Status), message, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("transferlog: append: %w", err)
	}

	return id, nil
}

// Recent returns up to limit records, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]transferlog.Record, error) {
	query := `
		SELECT transfer_id, from_account, to_account, amount, status, error_message, created_at
		FROM transfer_log
		ORDER BY transfer_id DESC
		LIMIT $1
	`

	rows, err := l.q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("transferlog: query recent: %w", err)
	}
	defer rows.Close()

	var records []transferlog.Record
	for rows.Next() {
		var (
			r       transferlog.Record
			status  string
			message sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.FromAccount, &r.ToAccount, &r.Amount, &status, &message, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("transferlog: scan record: %w", err)
		}
		r.Status = transferlog.Status(status)
		r.ErrorMessage = message.String
		records = append(records, r)
	}

	return records, rows.Err()
}
