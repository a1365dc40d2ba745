/*
Package ledger is the sole authority over cashless account balances.

PURPOSE:
  Festival attendees pre-load money onto a wristband-linked account and
  spend it at vendor terminals. This package owns the balance truth:
  every mutation flows through Ledger.Apply, every mutation appends one
  immutable log entry, and the log fold always reproduces the live balance.

KEY CONCEPTS IN THIS FILE (types.go):
  - TransactionType: closed set of balance-affecting event kinds
  - TransactionRequest: the single mutation input shape
  - CashlessTransaction: the append-only log entry
  - Typed identifiers for accounts, transactions, terminals, tags

DESIGN PRINCIPLES:
  1. Immutability: log entries are never modified, only compensated
  2. Precision: integer minor units everywhere (see money.go)
  3. Type safety: closed enums with exhaustive switches, not strings
  4. Auditability: every entry carries before/after balance and origin

SEE ALSO:
  - ledger.go: Apply, Transfer, Refund
  - policy.go: Limit checks consulted before any mutation
  - log.go: Balance reconstruction and divergence detection
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type TerminalID string

// =============================================================================
// TRANSACTION TYPE - Closed set of balance-affecting events
// =============================================================================

type TransactionType string

const (
	TxTopup       TransactionType = "topup"        // Confirmed external payment loaded onto the account
	TxPayment     TransactionType = "payment"      // Vendor purchase
	TxRefund      TransactionType = "refund"       // Compensation for a prior payment
	TxTransferIn  TransactionType = "transfer_in"  // Receiving leg of an account-to-account transfer
	TxTransferOut TransactionType = "transfer_out" // Sending leg of an account-to-account transfer
	TxCorrection  TransactionType = "correction"   // Admin adjustment, either sign
	TxBonus       TransactionType = "bonus"        // Promotional credit
	TxWithdrawal  TransactionType = "withdrawal"   // Cash-out of remaining balance
	TxFee         TransactionType = "fee"          // Service fee debit
	TxExpiry      TransactionType = "expiry"       // Unused balance expired at festival end
	TxTip         TransactionType = "tip"          // Gratuity on a prior payment
	TxChargeback  TransactionType = "chargeback"   // External payment reversed after topup
)

// IsCredit reports whether the type increases the balance.
// TxCorrection is excluded: its direction comes from the request amount.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TxTopup, TxRefund, TxTransferIn, TxBonus:
		return true
	}
	return false
}

// IsDebit reports whether the type decreases the balance.
func (t TransactionType) IsDebit() bool {
	switch t {
	case TxPayment, TxTransferOut, TxWithdrawal, TxFee, TxExpiry, TxTip, TxChargeback:
		return true
	}
	return false
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	return t.IsCredit() || t.IsDebit() || t == TxCorrection
}

// =============================================================================
// ORIGIN AND STATUS
// =============================================================================

// Origin records which path produced a transaction.
type Origin string

const (
	OriginOnline        Origin = "online"
	OriginOfflineReplay Origin = "offline_replay"
)

// TxStatus is the state of a log entry.
type TxStatus string

const (
	// StatusApplied marks a balance-affecting entry. Immutable once written.
	StatusApplied TxStatus = "applied"

	// StatusRejected marks an audit entry for a refused request.
	// Rejected entries never affect the balance (before == after).
	StatusRejected TxStatus = "rejected"

	// StatusReversed marks an Applied entry that a later compensating
	// entry (refund, correction) has undone. The entry itself is unchanged;
	// the status is derived metadata for operators.
	StatusReversed TxStatus = "reversed"
)

// =============================================================================
// TRANSACTION REQUEST - The single mutation input
// =============================================================================

// TransactionRequest describes one balance mutation. Amount is a positive
// magnitude except for TxCorrection, where the sign is the effect.
type TransactionRequest struct {
	AccountID      AccountID
	Type           TransactionType
	Amount         Money
	IdempotencyKey string

	// Context, all optional.
	TerminalID   TerminalID
	Counterparty string        // vendor or peer account reference, opaque to the ledger
	ReferenceID  TransactionID // original entry for refund/correction/tip/chargeback
	Origin       Origin
	Reason       string
	CreatedBy    string // actor for admin corrections; audit field only
}

// =============================================================================
// CASHLESS TRANSACTION - Append-only log entry
// =============================================================================

// CashlessTransaction is one immutable ledger log entry.
// Invariant: BalanceAfter = BalanceBefore + Amount for Applied entries.
type CashlessTransaction struct {
	ID            TransactionID
	AccountID     AccountID
	Type          TransactionType
	Amount        Money // signed effect on the balance
	BalanceBefore Money
	BalanceAfter  Money

	TerminalID     TerminalID
	Counterparty   string
	ReferenceID    TransactionID
	Origin         Origin
	IdempotencyKey string
	Status         TxStatus
	Reason         string
	CreatedBy      string
	CreatedAt      time.Time
}
