/*
store.go - Persistence interface for accounts and the transaction log

PURPOSE:
  Defines the contract between the Ledger and its storage backend.
  Implementations: ledger/store (in-memory), store/sqlite, store/postgres.

APPEND-ONLY CONTRACT:
  The transaction log has Append and Load operations only. No update, no
  delete. Corrections happen through compensating entries.

OPTIMISTIC CONCURRENCY:
  SaveAccount takes the version the caller read. The store refuses the
  write with ErrConcurrentModification if the stored version moved on,
  which backs the per-account serialization guarantee.

IDEMPOTENCY:
  FindApplied looks up the Applied entry for a key so Ledger.Apply can
  return the prior result instead of double-applying. Rejected audit
  entries may reuse a key - a refused offline intent must still be
  retryable at reconciliation time.
*/
package ledger

import (
	"context"
	"time"
)

// Store persists accounts and the append-only transaction log.
type Store interface {
	// CreateAccount persists a new account. Fails if the id exists.
	CreateAccount(ctx context.Context, account *CashlessAccount) error

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (*CashlessAccount, error)

	// SaveAccount writes the account if its stored version still equals
	// expectedVersion, otherwise returns ErrConcurrentModification.
	SaveAccount(ctx context.Context, account *CashlessAccount, expectedVersion uint64) error

	// Append adds one log entry. Applied entries with a duplicate
	// idempotency key are refused with ErrDuplicateIdempotencyKey.
	// This is the ONLY write operation on the log.
	Append(ctx context.Context, tx CashlessTransaction) error

	// Load returns all log entries for an account in application order.
	Load(ctx context.Context, id AccountID) ([]CashlessTransaction, error)

	// LoadRange returns entries created in [from, to], in application order.
	LoadRange(ctx context.Context, id AccountID, from, to time.Time) ([]CashlessTransaction, error)

	// FindApplied returns the Applied entry for the idempotency key,
	// or (nil, nil) when the key has never been applied.
	FindApplied(ctx context.Context, idempotencyKey string) (*CashlessTransaction, error)

	// GetTransaction returns the entry by id or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*CashlessTransaction, error)

	// WithTx executes fn atomically: either every write inside fn is
	// persisted or none is. Used to couple the balance update with its
	// log entry.
	WithTx(ctx context.Context, fn func(Store) error) error
}
