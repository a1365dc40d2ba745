/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All ledger errors in one place. Terminals render precise UX from these
  ("insufficient balance" vs "try again"), so every failure mode is a typed,
  matchable error - no generic catch-alls.

ERROR CATEGORIES:
  1. Validation errors - bad request shape, rejected before touching state
  2. State errors - account status or balance forbids the mutation
  3. Concurrency errors - transient, caller retries with fresh state
  4. Consistency errors - log/balance divergence; fatal, never auto-corrected

SEE ALSO:
  - ledger.go: Produces these from Apply
  - ../api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit would push the balance
	// below -CreditLimit (below zero unless negative balances are allowed).
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAccountNotFound is returned when the account id is unknown.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountNotActive is returned when the account status forbids the
	// requested mutation (closed, blocked, suspended debit, ...).
	ErrAccountNotActive = errors.New("account not active")

	// ErrLimitExceeded is returned when a policy limit rejects the request.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrConcurrentModification is returned when the per-account lock cannot
	// be acquired in time or an optimistic version check fails. Transient:
	// the caller should retry with fresh state.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrCurrencyMismatch is returned when request and account currencies differ.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrMoneyOverflow is returned when checked arithmetic would wrap int64.
	ErrMoneyOverflow = errors.New("money arithmetic overflow")

	// ErrLedgerDivergence is returned when folding the transaction log does
	// not reproduce the live balance. Fatal: the account is frozen and an
	// operator must investigate. Never auto-corrected.
	ErrLedgerDivergence = errors.New("ledger divergence: log fold does not match balance")

	// ErrDuplicateIdempotencyKey is returned by stores when an Applied entry
	// with the same key already exists. Ledger.Apply converts this into a
	// replay of the prior result, so callers normally never see it.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrTransactionNotFound is returned when a referenced entry is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidAmount is returned when the request magnitude is zero or
	// negative (except corrections, which carry their sign).
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTransition is returned for illegal account status changes.
	ErrInvalidTransition = errors.New("invalid account status transition")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how short the account is.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available Money
	Requested Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// LimitKind names which policy limit rejected a request.
type LimitKind string

const (
	LimitMinTopup     LimitKind = "min_topup"
	LimitMaxTopup     LimitKind = "max_topup"
	LimitMaxBalance   LimitKind = "max_balance"
	LimitMaxPayment   LimitKind = "max_payment"
	LimitMinTransfer  LimitKind = "min_transfer"
	LimitMaxTransfer  LimitKind = "max_transfer"
	LimitTransfersOff LimitKind = "transfers_disabled"
	LimitMaxTip       LimitKind = "max_tip_percent"
)

// LimitExceededError identifies the violated limit and the offending amount.
type LimitExceededError struct {
	Kind   LimitKind
	Amount Money
	Limit  Money
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit %s exceeded: amount %s, limit %s", e.Kind, e.Amount, e.Limit)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// CurrencyMismatchError reports the expected and received currencies.
type CurrencyMismatchError struct {
	Want string
	Got  string
}

func (e *CurrencyMismatchError) Error() string {
	return fmt.Sprintf("currency mismatch: want %s, got %s", e.Want, e.Got)
}

func (e *CurrencyMismatchError) Unwrap() error { return ErrCurrencyMismatch }

// AccountStateError reports why the account status refused the request.
type AccountStateError struct {
	AccountID AccountID
	Status    AccountStatus
	Op        TransactionType
}

func (e *AccountStateError) Error() string {
	return fmt.Sprintf("account %s is %s: %s rejected", e.AccountID, e.Status, e.Op)
}

func (e *AccountStateError) Unwrap() error { return ErrAccountNotActive }

// DivergenceError reports a failed log-vs-balance consistency check.
type DivergenceError struct {
	AccountID    AccountID
	LiveBalance  Money
	FoldedAmount Money
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("ledger divergence on %s: live balance %s, log fold %s",
		e.AccountID, e.LiveBalance, e.FoldedAmount)
}

func (e *DivergenceError) Unwrap() error { return ErrLedgerDivergence }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input
// or account state, as opposed to an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountNotActive) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsConsistencyFailure returns true for errors that must freeze the account
// and page an operator rather than surface to an attendee.
func IsConsistencyFailure(err error) bool {
	return errors.Is(err, ErrLedgerDivergence)
}
