/*
Package postgres provides the pgx-backed ledger.Store for multi-node
deployments (several gate servers sharing one database).

The contract matches store/sqlite: optimistic version CAS on accounts, an
append-only transactions table, and a partial unique index enforcing
exactly-once application per idempotency key. WithTx maps to a real
database transaction, so the Ledger's balance-plus-log write stays atomic
even across processes.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/festkit/cashless/ledger"
)

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to connString, pings, and migrates the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		festival_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance_units BIGINT NOT NULL,
		status TEXT NOT NULL,
		max_balance_units BIGINT NOT NULL,
		allow_negative BOOLEAN NOT NULL DEFAULT FALSE,
		credit_limit_units BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount_units BIGINT NOT NULL,
		currency TEXT NOT NULL,
		balance_before_units BIGINT NOT NULL,
		balance_after_units BIGINT NOT NULL,
		terminal_id TEXT NOT NULL DEFAULT '',
		counterparty TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(account_id, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_applied_key
		ON transactions(idempotency_key)
		WHERE status = 'applied' AND idempotency_key != '';
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// querier abstracts the pool and an open pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func createAccount(ctx context.Context, q querier, a *ledger.CashlessAccount) error {
	_, err := q.Exec(ctx, `
		INSERT INTO accounts (id, owner_id, festival_id, currency, balance_units,
			status, max_balance_units, allow_negative, credit_limit_units,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.OwnerID, a.FestivalID, a.Currency, a.Balance.Units,
		a.Status, a.MaxBalance.Units, a.AllowNegative, a.CreditLimit.Units,
		a.Version, a.CreatedAt, a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ledger.ErrConcurrentModification
	}
	return err
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (*ledger.CashlessAccount, error) {
	var a ledger.CashlessAccount
	err := q.QueryRow(ctx, `
		SELECT id, owner_id, festival_id, currency, balance_units, status,
			max_balance_units, allow_negative, credit_limit_units, version,
			created_at, updated_at
		FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.OwnerID, &a.FestivalID, &a.Currency, &a.Balance.Units,
			&a.Status, &a.MaxBalance.Units, &a.AllowNegative, &a.CreditLimit.Units,
			&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Balance.Currency = a.Currency
	a.MaxBalance.Currency = a.Currency
	a.CreditLimit.Currency = a.Currency
	return &a, nil
}

func saveAccount(ctx context.Context, q querier, a *ledger.CashlessAccount, expectedVersion uint64) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET balance_units = $1, status = $2, max_balance_units = $3,
			allow_negative = $4, credit_limit_units = $5, version = $6, updated_at = $7
		WHERE id = $8 AND version = $9`,
		a.Balance.Units, a.Status, a.MaxBalance.Units,
		a.AllowNegative, a.CreditLimit.Units, a.Version, a.UpdatedAt,
		a.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := getAccount(ctx, q, a.ID); err != nil {
			return err
		}
		return ledger.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

const txColumns = `id, account_id, tx_type, amount_units, currency,
	balance_before_units, balance_after_units, terminal_id, counterparty,
	reference_id, origin, idempotency_key, status, reason, created_by, created_at`

func appendTx(ctx context.Context, q querier, tx ledger.CashlessTransaction) error {
	_, err := q.Exec(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		tx.ID, tx.AccountID, tx.Type, tx.Amount.Units, tx.Amount.Currency,
		tx.BalanceBefore.Units, tx.BalanceAfter.Units, tx.TerminalID, tx.Counterparty,
		tx.ReferenceID, tx.Origin, tx.IdempotencyKey, tx.Status, tx.Reason,
		tx.CreatedBy, tx.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_transactions_applied_key" {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return err
}

func loadTxs(ctx context.Context, q querier, query string, args ...any) ([]ledger.CashlessTransaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.CashlessTransaction
	for rows.Next() {
		var tx ledger.CashlessTransaction
		err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Type, &tx.Amount.Units, &tx.Amount.Currency,
			&tx.BalanceBefore.Units, &tx.BalanceAfter.Units, &tx.TerminalID, &tx.Counterparty,
			&tx.ReferenceID, &tx.Origin, &tx.IdempotencyKey, &tx.Status, &tx.Reason,
			&tx.CreatedBy, &tx.CreatedAt)
		if err != nil {
			return nil, err
		}
		tx.BalanceBefore.Currency = tx.Amount.Currency
		tx.BalanceAfter.Currency = tx.Amount.Currency
		result = append(result, tx)
	}
	return result, rows.Err()
}

func findApplied(ctx context.Context, q querier, key string) (*ledger.CashlessTransaction, error) {
	txs, err := loadTxs(ctx, q, `
		SELECT `+txColumns+` FROM transactions
		WHERE idempotency_key = $1 AND status = 'applied' LIMIT 1`, key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func getTransaction(ctx context.Context, q querier, id ledger.TransactionID) (*ledger.CashlessTransaction, error) {
	txs, err := loadTxs(ctx, q, `
		SELECT `+txColumns+` FROM transactions WHERE id = $1 LIMIT 1`, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}
	return &txs[0], nil
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a *ledger.CashlessAccount) error {
	return createAccount(ctx, s.pool, a)
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.CashlessAccount, error) {
	return getAccount(ctx, s.pool, id)
}

func (s *Store) SaveAccount(ctx context.Context, a *ledger.CashlessAccount, expectedVersion uint64) error {
	return saveAccount(ctx, s.pool, a, expectedVersion)
}

func (s *Store) Append(ctx context.Context, tx ledger.CashlessTransaction) error {
	return appendTx(ctx, s.pool, tx)
}

func (s *Store) Load(ctx context.Context, id ledger.AccountID) ([]ledger.CashlessTransaction, error) {
	return loadTxs(ctx, s.pool, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1 ORDER BY seq`, id)
}

func (s *Store) LoadRange(ctx context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.CashlessTransaction, error) {
	return loadTxs(ctx, s.pool, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY seq`, id, from, to)
}

func (s *Store) FindApplied(ctx context.Context, key string) (*ledger.CashlessTransaction, error) {
	return findApplied(ctx, s.pool, key)
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.CashlessTransaction, error) {
	return getTransaction(ctx, s.pool, id)
}

// WithTx runs fn inside one database transaction at repeatable read, the
// isolation level the optimistic version checks assume.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&txStore{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (t *txStore) CreateAccount(ctx context.Context, a *ledger.CashlessAccount) error {
	return createAccount(ctx, t.tx, a)
}

func (t *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.CashlessAccount, error) {
	return getAccount(ctx, t.tx, id)
}

func (t *txStore) SaveAccount(ctx context.Context, a *ledger.CashlessAccount, expectedVersion uint64) error {
	return saveAccount(ctx, t.tx, a, expectedVersion)
}

func (t *txStore) Append(ctx context.Context, tx ledger.CashlessTransaction) error {
	return appendTx(ctx, t.tx, tx)
}

func (t *txStore) Load(ctx context.Context, id ledger.AccountID) ([]ledger.CashlessTransaction, error) {
	return loadTxs(ctx, t.tx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1 ORDER BY seq`, id)
}

func (t *txStore) LoadRange(ctx context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.CashlessTransaction, error) {
	return loadTxs(ctx, t.tx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY seq`, id, from, to)
}

func (t *txStore) FindApplied(ctx context.Context, key string) (*ledger.CashlessTransaction, error) {
	return findApplied(ctx, t.tx, key)
}

func (t *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.CashlessTransaction, error) {
	return getTransaction(ctx, t.tx, id)
}

func (t *txStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return fn(t)
}
