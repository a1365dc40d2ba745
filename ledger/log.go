/*
log.go - Transaction history and balance reconstruction

PURPOSE:
  The transaction log is the source of truth. Folding the Applied entries
  of an account must always reproduce its live balance; VerifyBalance runs
  that check and treats any divergence as a hard consistency violation -
  freeze the account, surface the error, never silently correct.

REVERSAL ANNOTATION:
  Applied entries are immutable, so "reversed" is a derived presentation
  state: History marks a debit as Reversed once later Applied refunds
  referencing it add up to its full magnitude. The stored rows never change.
*/
package ledger

import (
	"context"
	"time"
)

// History returns the account's log entries created in [from, to], in
// application order, with derived Reversed statuses annotated. Zero range
// bounds mean unbounded.
func (l *Ledger) History(ctx context.Context, id AccountID, from, to time.Time) ([]CashlessTransaction, error) {
	var entries []CashlessTransaction
	var err error
	if from.IsZero() && to.IsZero() {
		entries, err = l.store.Load(ctx, id)
	} else {
		if to.IsZero() {
			to = time.Now().UTC().Add(time.Hour)
		}
		entries, err = l.store.LoadRange(ctx, id, from, to)
	}
	if err != nil {
		return nil, err
	}
	annotateReversals(entries)
	return entries, nil
}

// ReconstructBalance folds the Applied entries up to asOf into a balance.
// A zero asOf folds the full log.
func (l *Ledger) ReconstructBalance(ctx context.Context, id AccountID, asOf time.Time) (Money, error) {
	account, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return Money{}, err
	}
	entries, err := l.store.Load(ctx, id)
	if err != nil {
		return Money{}, err
	}

	balance := NewMoney(0, account.Currency)
	for _, e := range entries {
		if e.Status != StatusApplied {
			continue
		}
		if !asOf.IsZero() && e.CreatedAt.After(asOf) {
			break
		}
		balance, err = balance.Add(e.Amount)
		if err != nil {
			return Money{}, err
		}
	}
	return balance, nil
}

// VerifyBalance checks that the log fold matches the live balance.
// On divergence the account is frozen (Suspended) and a DivergenceError
// returned for operators; the discrepancy is never auto-corrected.
// Run periodically and at every terminal reconciliation.
func (l *Ledger) VerifyBalance(ctx context.Context, id AccountID) error {
	unlock, err := l.lockAccount(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	account, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	folded, err := l.ReconstructBalance(ctx, id, time.Time{})
	if err != nil {
		return err
	}
	if folded.Cmp(account.Balance) == 0 {
		return nil
	}

	if CanTransition(account.Status, AccountSuspended) {
		expected := account.Version
		account.Status = AccountSuspended
		account.Version++
		account.UpdatedAt = time.Now().UTC()
		// The divergence is the headline failure; a racing save is not.
		_ = l.store.SaveAccount(ctx, account, expected)
	}
	return &DivergenceError{AccountID: id, LiveBalance: account.Balance, FoldedAmount: folded}
}

// annotateReversals rewrites Status to Reversed on fully-compensated
// debits in the returned copies only.
func annotateReversals(entries []CashlessTransaction) {
	refunded := make(map[TransactionID]int64)
	for _, e := range entries {
		if e.Type == TxRefund && e.Status == StatusApplied && e.ReferenceID != "" {
			refunded[e.ReferenceID] += e.Amount.Units
		}
	}
	if len(refunded) == 0 {
		return
	}
	for i := range entries {
		e := &entries[i]
		if e.Status == StatusApplied && e.Amount.IsNegative() && refunded[e.ID] >= -e.Amount.Units {
			e.Status = StatusReversed
		}
	}
}
