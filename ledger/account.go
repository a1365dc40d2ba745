/*
account.go - Cashless account state and lifecycle

PURPOSE:
  A CashlessAccount is the prepaid balance an attendee spends at the
  festival. Balance and Version are owned exclusively by the Ledger;
  nothing else in the codebase writes them.

LIFECYCLE:
  Pending   -> created when a user links a payment identity to a festival
  Active    -> first successful topup, or explicit activation
  Suspended -> reversible hold (fraud review); debits refused, topups allowed
  Blocked   -> terminal hold; all transactions refused
  Closed    -> festival over or user request; queryable, no new transactions
  Expired   -> closed by time; same admissibility as Closed

CONCURRENCY:
  Version is the optimistic-concurrency token. Every successful mutation
  increments it, and stores refuse a save whose expected version is stale.
*/
package ledger

import "time"

// =============================================================================
// ACCOUNT STATUS
// =============================================================================

type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountBlocked   AccountStatus = "blocked"
	AccountClosed    AccountStatus = "closed"
	AccountExpired   AccountStatus = "expired"
)

// validTransitions enumerates the legal lifecycle edges.
var validTransitions = map[AccountStatus][]AccountStatus{
	AccountPending:   {AccountActive, AccountBlocked, AccountClosed},
	AccountActive:    {AccountSuspended, AccountBlocked, AccountClosed, AccountExpired},
	AccountSuspended: {AccountActive, AccountBlocked, AccountClosed, AccountExpired},
	AccountBlocked:   {AccountClosed},
	AccountClosed:    {},
	AccountExpired:   {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to AccountStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// CASHLESS ACCOUNT
// =============================================================================

// CashlessAccount holds one attendee's prepaid balance for one festival.
//
// INVARIANTS:
//   - -CreditLimit <= Balance <= MaxBalance at all times
//   - Version strictly increases; no two mutations that both observed the
//     same Version can both succeed
//   - Balance and Version are written only by Ledger.Apply
type CashlessAccount struct {
	ID         AccountID
	OwnerID    string // external user reference, opaque to the ledger
	FestivalID string
	Currency   string

	Balance Money
	Status  AccountStatus

	MaxBalance    Money
	AllowNegative bool
	CreditLimit   Money // zero unless AllowNegative

	Version   uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount builds a Pending account with a zero balance.
func NewAccount(id AccountID, ownerID, festivalID, currency string, maxBalance Money) *CashlessAccount {
	now := time.Now().UTC()
	return &CashlessAccount{
		ID:          id,
		OwnerID:     ownerID,
		FestivalID:  festivalID,
		Currency:    currency,
		Balance:     Money{Units: 0, Currency: currency},
		Status:      AccountPending,
		MaxBalance:  maxBalance,
		CreditLimit: Money{Units: 0, Currency: currency},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CanCredit reports whether the status admits balance increases.
// Suspended accounts may still receive topups while under review.
func (a *CashlessAccount) CanCredit() bool {
	switch a.Status {
	case AccountPending, AccountActive, AccountSuspended:
		return true
	}
	return false
}

// CanDebit reports whether the status admits balance decreases.
func (a *CashlessAccount) CanDebit() bool {
	return a.Status == AccountActive
}

// FloorBalance is the lowest balance the account may reach.
func (a *CashlessAccount) FloorBalance() Money {
	if a.AllowNegative {
		return a.CreditLimit.Neg()
	}
	return a.Balance.Zero()
}

// WithinBounds reports whether a prospective balance satisfies the
// account's floor and ceiling.
func (a *CashlessAccount) WithinBounds(balance Money) bool {
	if balance.LessThan(a.FloorBalance()) {
		return false
	}
	if a.MaxBalance.IsPositive() && balance.GreaterThan(a.MaxBalance) {
		return false
	}
	return true
}

// clone returns a copy so callers outside the ledger never hold a pointer
// into mutable state.
func (a *CashlessAccount) clone() *CashlessAccount {
	c := *a
	return &c
}
