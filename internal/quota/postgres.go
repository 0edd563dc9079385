package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/justfiles/justfiles/internal/fault"
	"github.com/justfiles/justfiles/internal/metrics"
)

const accountsSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL DEFAULT '',
	used_space    BIGINT NOT NULL DEFAULT 0,
	storage_limit BIGINT NOT NULL DEFAULT 0,
	blocked       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresLedger is a PostgreSQL Ledger over the accounts table.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an existing connection pool.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// EnsureSchema creates the accounts table if missing.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, accountsSchema); err != nil {
		return fmt.Errorf("ensure accounts schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) CreateAccount(ctx context.Context, a *Account) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, used_space, storage_limit, blocked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Email, a.UsedSpace, a.StorageLimit, a.Blocked, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.ID, err)
	}
	return nil
}

func (l *PostgresLedger) GetAccount(ctx context.Context, id string) (*Account, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_account", time.Since(start)) }()

	var a Account
	err := l.db.QueryRowContext(ctx,
		`SELECT id, email, used_space, storage_limit, blocked, created_at
		 FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Email, &a.UsedSpace, &a.StorageLimit, &a.Blocked, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

func (l *PostgresLedger) DeleteAccount(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

func (l *PostgresLedger) SetLimit(ctx context.Context, id string, limit int64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE accounts SET storage_limit = $2 WHERE id = $1`, id, limit)
	if err != nil {
		return fmt.Errorf("set limit %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

func (l *PostgresLedger) SetBlocked(ctx context.Context, id string, blocked bool) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE accounts SET blocked = $2 WHERE id = $1`, id, blocked)
	if err != nil {
		return fmt.Errorf("set blocked %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

func (l *PostgresLedger) Admit(ctx context.Context, id string, candidateBytes int64) error {
	a, err := l.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if a.Blocked {
		return fmt.Errorf("account %s is blocked: %w", id, fault.ErrForbidden)
	}
	if a.StorageLimit > 0 && a.UsedSpace+candidateBytes > a.StorageLimit {
		metrics.RecordQuotaRejection()
		return fmt.Errorf("account %s: %d + %d over limit %d: %w",
			id, a.UsedSpace, candidateBytes, a.StorageLimit, fault.ErrQuotaExceeded)
	}
	return nil
}

// Commit adjusts used space in a single statement; GREATEST keeps the
// counter floored at zero even when two deletes race.
func (l *PostgresLedger) Commit(ctx context.Context, id string, delta int64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE accounts SET used_space = GREATEST(0, used_space + $2) WHERE id = $1`,
		id, delta)
	if err != nil {
		return fmt.Errorf("commit %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", id, fault.ErrNotFound)
	}
	return nil
}

func (l *PostgresLedger) ResetUsage(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE accounts SET used_space = 0 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reset usage %s: %w", id, err)
	}
	return nil
}

// ReconcileUsage recomputes used_space from the live sum of owned file
// sizes. Operator tooling only: the counter is advisory by design and
// nothing schedules this.
func (l *PostgresLedger) ReconcileUsage(ctx context.Context, id string) (int64, error) {
	var sum sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM items WHERE owner_id = $1 AND kind = 'file'`,
		id).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", id, err)
	}
	if _, err := l.db.ExecContext(ctx,
		`UPDATE accounts SET used_space = $2 WHERE id = $1`, id, sum.Int64); err != nil {
		return 0, fmt.Errorf("reconcile %s: %w", id, err)
	}
	return sum.Int64, nil
}
