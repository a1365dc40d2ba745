/*
Package sqlite provides the SQLite-backed ledger.Store.

PURPOSE:
  The production default for single-node deployments. Festival sites run
  on flaky venue networking; an embedded database that survives power
  cycles on the gate server is a feature, not a compromise.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE ever touches the transactions table. Corrections
  happen through compensating entries; "reversed" is derived at read time.

KEY TABLES:
  accounts:     Live balance + optimistic version per account
  transactions: Immutable log of every balance-affecting event

IDEMPOTENCY:
  A partial unique index on (idempotency_key) WHERE status='applied'
  enforces exactly-once application while letting rejected audit entries
  reuse a key - a refused offline intent must stay retryable.

WAL MODE:
  Opened with WAL so balance reads (terminal taps) don't block the writer.

SEE ALSO:
  - ledger/store.go: Interface contract
  - ledger/store/memory.go: In-memory implementation for tests
  - store/postgres: pgx implementation for multi-node deployments
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/festkit/cashless/ledger"
)

// Store implements ledger.Store on SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY churn under concurrent Apply calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		festival_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance_units INTEGER NOT NULL,
		status TEXT NOT NULL,
		max_balance_units INTEGER NOT NULL,
		allow_negative INTEGER NOT NULL DEFAULT 0,
		credit_limit_units INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Append-only transaction log. No UPDATE, no DELETE.
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount_units INTEGER NOT NULL,
		currency TEXT NOT NULL,
		balance_before_units INTEGER NOT NULL,
		balance_after_units INTEGER NOT NULL,
		terminal_id TEXT,
		counterparty TEXT,
		reference_id TEXT,
		origin TEXT NOT NULL,
		idempotency_key TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account
		ON transactions(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_id) WHERE reference_id != '';

	-- Exactly-once application per idempotency key.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_applied_key
		ON transactions(idempotency_key)
		WHERE status = 'applied' AND idempotency_key != '';
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx abstracts *sql.DB and *sql.Tx so the same queries run inside and
// outside WithTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a *ledger.CashlessAccount) error {
	return createAccount(ctx, s.db, a)
}

func createAccount(ctx context.Context, q dbtx, a *ledger.CashlessAccount) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, festival_id, currency, balance_units,
			status, max_balance_units, allow_negative, credit_limit_units,
			version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.FestivalID, a.Currency, a.Balance.Units,
		a.Status, a.MaxBalance.Units, a.AllowNegative, a.CreditLimit.Units,
		a.Version, a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ledger.ErrConcurrentModification
	}
	return err
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.CashlessAccount, error) {
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q dbtx, id ledger.AccountID) (*ledger.CashlessAccount, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_id, festival_id, currency, balance_units, status,
			max_balance_units, allow_negative, credit_limit_units, version,
			created_at, updated_at
		FROM accounts WHERE id = ?`, id)

	var a ledger.CashlessAccount
	var createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.OwnerID, &a.FestivalID, &a.Currency, &a.Balance.Units,
		&a.Status, &a.MaxBalance.Units, &a.AllowNegative, &a.CreditLimit.Units,
		&a.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Balance.Currency = a.Currency
	a.MaxBalance.Currency = a.Currency
	a.CreditLimit.Currency = a.Currency
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &a, nil
}

func (s *Store) SaveAccount(ctx context.Context, a *ledger.CashlessAccount, expectedVersion uint64) error {
	return saveAccount(ctx, s.db, a, expectedVersion)
}

func saveAccount(ctx context.Context, q dbtx, a *ledger.CashlessAccount, expectedVersion uint64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE accounts
		SET balance_units = ?, status = ?, max_balance_units = ?,
			allow_negative = ?, credit_limit_units = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.Balance.Units, a.Status, a.MaxBalance.Units,
		a.AllowNegative, a.CreditLimit.Units, a.Version,
		a.UpdatedAt.Format(time.RFC3339Nano),
		a.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is missing or the version moved on.
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

func (s *Store) Append(ctx context.Context, tx ledger.CashlessTransaction) error {
	return appendTx(ctx, s.db, tx)
}

func appendTx(ctx context.Context, q dbtx, tx ledger.CashlessTransaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AccountID, tx.Type, tx.Amount.Units, tx.Amount.Currency,
		tx.BalanceBefore.Units, tx.BalanceAfter.Units, tx.TerminalID, tx.Counterparty,
		tx.ReferenceID, tx.Origin, tx.IdempotencyKey, tx.Status, tx.Reason,
		tx.CreatedBy, tx.CreatedAt.Format(time.RFC3339Nano))
	if err != nil && strings.Contains(err.Error(), "transactions.idempotency_key") {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return err
}

func scanTx(rows *sql.Rows) (ledger.CashlessTransaction, error) {
	var tx ledger.CashlessTransaction
	var createdAt string
	err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Type, &tx.Amount.Units, &tx.Amount.Currency,
		&tx.BalanceBefore.Units, &tx.BalanceAfter.Units, &tx.TerminalID, &tx.Counterparty,
		&tx.ReferenceID, &tx.Origin, &tx.IdempotencyKey, &tx.Status, &tx.Reason,
		&tx.CreatedBy, &createdAt)
	if err != nil {
		return tx, err
	}
	tx.BalanceBefore.Currency = tx.Amount.Currency
	tx.BalanceAfter.Currency = tx.Amount.Currency
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return tx, nil
}

func loadTxs(ctx context.Context, q dbtx, query string, args ...any) ([]ledger.CashlessTransaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ledger.CashlessTransaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *Store) Load(ctx context.Context, id ledger.AccountID) ([]ledger.CashlessTransaction, error) {
	return loadTxs(ctx, s.db, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = ? ORDER BY created_at, rowid`, id)
}

func (s *Store) LoadRange(ctx context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.CashlessTransaction, error) {
	return loadTxs(ctx, s.db, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at, rowid`,
		id, from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
}

func (s *Store) FindApplied(ctx context.Context, key string) (*ledger.CashlessTransaction, error) {
	return findApplied(ctx, s.db, key)
}

func findApplied(ctx context.Context, q dbtx, key string) (*ledger.CashlessTransaction, error) {
	txs, err := loadTxs(ctx, q, `
		SELECT `+txColumns+` FROM transactions
		WHERE idempotency_key = ? AND status = 'applied' LIMIT 1`, key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.CashlessTransaction, error) {
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q dbtx, id ledger.TransactionID) (*ledger.CashlessTransaction, error) {
	txs, err := loadTxs(ctx, q, `
		SELECT `+txColumns+` FROM transactions WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ledger.ErrTransactionNotFound
	}
	return &txs[0], nil
}

// =============================================================================
// TRANSACTIONS (store-level)
// =============================================================================

// WithTx runs fn inside one SQL transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	view := &txStore{tx: sqlTx}
	if err := fn(view); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// txStore is the ledger.Store view over an open *sql.Tx.
type txStore struct {
	tx *sql.Tx
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
		WHERE account_id = ? ORDER BY created_at, rowid`, id)
}

func (t *txStore) LoadRange(ctx context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.CashlessTransaction, error) {
	return loadTxs(ctx, t.tx, `
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at, rowid`,
		id, from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
}

func (t *txStore) FindApplied(ctx context.Context, key string) (*ledger.CashlessTransaction, error) {
	return findApplied(ctx, t.tx, key)
}

func (t *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.CashlessTransaction, error) {
	return getTransaction(ctx, t.tx, id)
}

func (t *txStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return fn(t) // already transactional
}
