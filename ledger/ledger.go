/*
ledger.go - The single mutation path for account balances

PURPOSE:
  Ledger.Apply is the only way a balance changes. Online terminals call it
  directly; offline terminals buffer intents that the reconciliation engine
  later replays through the same entry point. One authority, one code path.

ATOMICITY:
  Each mutation runs under a per-account lock: read account, check policy
  and bounds against current state, then write the new balance together
  with one Applied log entry in a single store transaction. On any failure
  the balance is untouched.

LOCKING:
  Accounts are independently lockable units addressed by stable id. A
  request that cannot acquire its lock within LockTimeout fails with
  ErrConcurrentModification so terminals can show "try again" instead of
  hanging. Transfers take both locks in ascending id order to make
  deadlock impossible. No network I/O ever happens inside the critical
  section - external confirmations (Stripe topups) complete before Apply
  is called.

IDEMPOTENCY:
  A key that already has an Applied entry short-circuits to the prior
  result, unchanged - exactly-once semantics for retries and offline
  replay. Rejected attempts do not consume the key.

SEE ALSO:
  - log.go: Balance reconstruction and the divergence check
  - policy.go: Limits consulted before any mutation
  - ../terminal/reconcile.go: Offline replay through Apply
*/
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long Apply waits for an account lock.
const DefaultLockTimeout = 3 * time.Second

// =============================================================================
// LEDGER
// =============================================================================

// Ledger owns all balance mutations. Safe for concurrent use.
type Ledger struct {
	store Store
	eval  Evaluator

	// LockTimeout bounds the wait for a per-account lock.
	LockTimeout time.Duration

	locks sync.Map // AccountID -> chan struct{} (capacity-1 semaphore)
}

// New creates a Ledger over the given store with the given limits.
func New(store Store, limits Limits) *Ledger {
	return &Ledger{
		store:       store,
		eval:        Evaluator{Limits: limits},
		LockTimeout: DefaultLockTimeout,
	}
}

// Evaluator exposes the policy evaluator (terminals use RequiresPin).
func (l *Ledger) Evaluator() *Evaluator { return &l.eval }

// =============================================================================
// ACCOUNT MANAGEMENT
// =============================================================================

// CreateAccount opens a Pending account with a zero balance.
func (l *Ledger) CreateAccount(ctx context.Context, ownerID, festivalID, currency string) (*CashlessAccount, error) {
	maxBalance := l.eval.Limits.MaxBalance
	if maxBalance.Currency == "" {
		maxBalance.Currency = currency
	}
	account := NewAccount(AccountID(uuid.NewString()), ownerID, festivalID, currency, maxBalance)
	if err := l.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account.clone(), nil
}

// GetAccount returns a copy of the account state.
func (l *Ledger) GetAccount(ctx context.Context, id AccountID) (*CashlessAccount, error) {
	account, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return account.clone(), nil
}

// GetBalance returns the live balance.
func (l *Ledger) GetBalance(ctx context.Context, id AccountID) (Money, error) {
	account, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return Money{}, err
	}
	return account.Balance, nil
}

// SetStatus performs a lifecycle transition under the account lock.
func (l *Ledger) SetStatus(ctx context.Context, id AccountID, to AccountStatus) error {
	unlock, err := l.lockAccount(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	account, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(account.Status, to) {
		return fmt.Errorf("%s -> %s: %w", account.Status, to, ErrInvalidTransition)
	}
	expected := account.Version
	account.Status = to
	account.Version++
	account.UpdatedAt = time.Now().UTC()
	return l.store.SaveAccount(ctx, account, expected)
}

// =============================================================================
// APPLY - The single mutation entry point
// =============================================================================

// Apply executes one transaction request atomically against the current
// account state. On success the new Applied entry is returned; replays of
// an already-applied idempotency key return the original entry unchanged.
func (l *Ledger) Apply(ctx context.Context, req TransactionRequest) (*CashlessTransaction, error) {
	if req.IdempotencyKey == "" {
		// One-shot online callers may omit the key; offline intents never do.
		req.IdempotencyKey = uuid.NewString()
	}

	unlock, err := l.lockAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return l.applyLocked(ctx, req)
}

// applyLocked runs the read-check-write cycle. Caller holds the account lock.
func (l *Ledger) applyLocked(ctx context.Context, req TransactionRequest) (*CashlessTransaction, error) {
	if prior, err := l.store.FindApplied(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	account, err := l.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	ref, err := l.loadReference(ctx, req)
	if err != nil {
		return nil, err
	}

	// Validation errors reject before touching state and are not logged.
	if err := l.eval.Check(account, req, ref); err != nil {
		return nil, err
	}
	if req.Type == TxRefund {
		if err := l.checkRefundable(ctx, req, ref); err != nil {
			return nil, err
		}
	}

	effect := signedEffect(req)

	// State errors are recorded as Rejected audit entries so operators can
	// spot patterns (repeated insufficient-balance taps = stale snapshot).
	if (effect.IsPositive() && !account.CanCredit()) ||
		(effect.IsNegative() && !account.CanDebit()) {
		stateErr := &AccountStateError{AccountID: account.ID, Status: account.Status, Op: req.Type}
		l.recordRejection(ctx, account, req, effect, stateErr)
		return nil, stateErr
	}

	newBalance, err := account.Balance.Add(effect)
	if err != nil {
		return nil, err
	}
	if newBalance.LessThan(account.FloorBalance()) {
		stateErr := &InsufficientBalanceError{
			AccountID: account.ID,
			Available: account.Balance,
			Requested: effect.Abs(),
		}
		l.recordRejection(ctx, account, req, effect, stateErr)
		return nil, stateErr
	}
	if account.MaxBalance.IsPositive() && newBalance.GreaterThan(account.MaxBalance) {
		stateErr := &LimitExceededError{Kind: LimitMaxBalance, Amount: newBalance, Limit: account.MaxBalance}
		l.recordRejection(ctx, account, req, effect, stateErr)
		return nil, stateErr
	}

	entry := newEntry(account, req, effect, newBalance)

	expected := account.Version
	account.Balance = newBalance
	account.Version++
	account.UpdatedAt = entry.CreatedAt
	if account.Status == AccountPending && req.Type == TxTopup {
		// First successful topup activates the account.
		account.Status = AccountActive
	}

	err = l.store.WithTx(ctx, func(s Store) error {
		if err := s.Append(ctx, entry); err != nil {
			return err
		}
		return s.SaveAccount(ctx, account, expected)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// TRANSFER - Both legs or neither
// =============================================================================

// Transfer moves amount between two accounts atomically. Both the
// TransferOut and TransferIn entries are appended, and both balances
// saved, in one store transaction - no partial transfer is observable.
func (l *Ledger) Transfer(ctx context.Context, from, to AccountID, amount Money, idempotencyKey, reason string) (*CashlessTransaction, *CashlessTransaction, error) {
	if from == to {
		return nil, nil, fmt.Errorf("transfer to self: %w", ErrInvalidAmount)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	outKey, inKey := idempotencyKey+":out", idempotencyKey+":in"

	// Lock both accounts in ascending id order to prevent deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	unlockFirst, err := l.lockAccount(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	defer unlockFirst()
	unlockSecond, err := l.lockAccount(ctx, second)
	if err != nil {
		return nil, nil, err
	}
	defer unlockSecond()

	// Replay: a completed transfer always wrote both legs atomically.
	if priorOut, err := l.store.FindApplied(ctx, outKey); err != nil {
		return nil, nil, err
	} else if priorOut != nil {
		priorIn, err := l.store.FindApplied(ctx, inKey)
		if err != nil {
			return nil, nil, err
		}
		return priorOut, priorIn, nil
	}

	src, err := l.store.GetAccount(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	dst, err := l.store.GetAccount(ctx, to)
	if err != nil {
		return nil, nil, err
	}

	outReq := TransactionRequest{
		AccountID: from, Type: TxTransferOut, Amount: amount,
		IdempotencyKey: outKey, Counterparty: string(to), Reason: reason,
	}
	inReq := TransactionRequest{
		AccountID: to, Type: TxTransferIn, Amount: amount,
		IdempotencyKey: inKey, Counterparty: string(from), Reason: reason,
	}
	if err := l.eval.Check(src, outReq, nil); err != nil {
		return nil, nil, err
	}
	if err := l.eval.Check(dst, inReq, nil); err != nil {
		return nil, nil, err
	}
	if !src.CanDebit() {
		return nil, nil, &AccountStateError{AccountID: src.ID, Status: src.Status, Op: TxTransferOut}
	}
	if !dst.CanCredit() {
		return nil, nil, &AccountStateError{AccountID: dst.ID, Status: dst.Status, Op: TxTransferIn}
	}

	srcBalance, err := src.Balance.Sub(amount)
	if err != nil {
		return nil, nil, err
	}
	if srcBalance.LessThan(src.FloorBalance()) {
		return nil, nil, &InsufficientBalanceError{AccountID: src.ID, Available: src.Balance, Requested: amount}
	}
	dstBalance, err := dst.Balance.Add(amount)
	if err != nil {
		return nil, nil, err
	}
	if dst.MaxBalance.IsPositive() && dstBalance.GreaterThan(dst.MaxBalance) {
		return nil, nil, &LimitExceededError{Kind: LimitMaxBalance, Amount: dstBalance, Limit: dst.MaxBalance}
	}

	outEntry := newEntry(src, outReq, amount.Neg(), srcBalance)
	inEntry := newEntry(dst, inReq, amount, dstBalance)
	inEntry.ReferenceID = outEntry.ID

	srcExpected, dstExpected := src.Version, dst.Version
	src.Balance, src.Version, src.UpdatedAt = srcBalance, src.Version+1, outEntry.CreatedAt
	dst.Balance, dst.Version, dst.UpdatedAt = dstBalance, dst.Version+1, inEntry.CreatedAt

	err = l.store.WithTx(ctx, func(s Store) error {
		if err := s.Append(ctx, outEntry); err != nil {
			return err
		}
		if err := s.Append(ctx, inEntry); err != nil {
			return err
		}
		if err := s.SaveAccount(ctx, src, srcExpected); err != nil {
			return err
		}
		return s.SaveAccount(ctx, dst, dstExpected)
	})
	if err != nil {
		return nil, nil, err
	}
	return &outEntry, &inEntry, nil
}

// Refund compensates a prior payment. The original entry is never mutated;
// the refund is a new credit entry referencing it.
func (l *Ledger) Refund(ctx context.Context, originalID TransactionID, amount Money, idempotencyKey, reason string) (*CashlessTransaction, error) {
	original, err := l.store.GetTransaction(ctx, originalID)
	if err != nil {
		return nil, err
	}
	return l.Apply(ctx, TransactionRequest{
		AccountID:      original.AccountID,
		Type:           TxRefund,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		ReferenceID:    originalID,
		Counterparty:   original.Counterparty,
		Reason:         reason,
	})
}

// FindApplied returns the Applied entry for an idempotency key, or
// (nil, nil) when the key has never been applied. Used by the offline
// reconciler to skip already-committed intents.
func (l *Ledger) FindApplied(ctx context.Context, idempotencyKey string) (*CashlessTransaction, error) {
	return l.store.FindApplied(ctx, idempotencyKey)
}

// =============================================================================
// INTERNALS
// =============================================================================

// lockAccount acquires the per-account semaphore within LockTimeout.
func (l *Ledger) lockAccount(ctx context.Context, id AccountID) (func(), error) {
	v, _ := l.locks.LoadOrStore(id, make(chan struct{}, 1))
	sem := v.(chan struct{})

	timer := time.NewTimer(l.LockTimeout)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("lock wait canceled: %w", ErrConcurrentModification)
	case <-timer.C:
		return nil, fmt.Errorf("lock wait timed out: %w", ErrConcurrentModification)
	}
}

// loadReference resolves the referenced original entry when the request
// type requires one.
func (l *Ledger) loadReference(ctx context.Context, req TransactionRequest) (*CashlessTransaction, error) {
	switch req.Type {
	case TxRefund, TxTip, TxChargeback:
		if req.ReferenceID == "" {
			return nil, ErrTransactionNotFound
		}
	default:
		if req.ReferenceID == "" {
			return nil, nil
		}
	}
	return l.store.GetTransaction(ctx, req.ReferenceID)
}

// checkRefundable refuses refunds whose cumulative magnitude would exceed
// the original payment.
func (l *Ledger) checkRefundable(ctx context.Context, req TransactionRequest, original *CashlessTransaction) error {
	if original.Status != StatusApplied || !original.Amount.IsNegative() {
		return fmt.Errorf("refund target %s is not an applied debit: %w", original.ID, ErrTransactionNotFound)
	}
	entries, err := l.store.Load(ctx, req.AccountID)
	if err != nil {
		return err
	}
	refunded := req.Amount.Zero()
	for _, e := range entries {
		if e.Type == TxRefund && e.Status == StatusApplied && e.ReferenceID == original.ID {
			refunded, err = refunded.Add(e.Amount)
			if err != nil {
				return err
			}
		}
	}
	total, err := refunded.Add(req.Amount)
	if err != nil {
		return err
	}
	if total.GreaterThan(original.Amount.Abs()) {
		return &LimitExceededError{Kind: LimitMaxPayment, Amount: total, Limit: original.Amount.Abs()}
	}
	return nil
}

// recordRejection appends a zero-effect audit entry for a state error.
// Best effort: a failed audit write must not mask the original error.
func (l *Ledger) recordRejection(ctx context.Context, account *CashlessAccount, req TransactionRequest, effect Money, cause error) {
	entry := CashlessTransaction{
		ID:            TransactionID(uuid.NewString()),
		AccountID:     account.ID,
		Type:          req.Type,
		Amount:        effect,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance,
		TerminalID:    req.TerminalID,
		Counterparty:  req.Counterparty,
		ReferenceID:   req.ReferenceID,
		Origin:        originOrDefault(req.Origin),
		Status:        StatusRejected,
		Reason:        cause.Error(),
		CreatedBy:     req.CreatedBy,
		CreatedAt:     time.Now().UTC(),
	}
	_ = l.store.Append(ctx, entry)
}

// signedEffect converts the request magnitude into a signed balance delta.
func signedEffect(req TransactionRequest) Money {
	if req.Type == TxCorrection {
		return req.Amount // corrections carry their sign
	}
	if req.Type.IsDebit() {
		return req.Amount.Neg()
	}
	return req.Amount
}

func newEntry(account *CashlessAccount, req TransactionRequest, effect, newBalance Money) CashlessTransaction {
	return CashlessTransaction{
		ID:             TransactionID(uuid.NewString()),
		AccountID:      account.ID,
		Type:           req.Type,
		Amount:         effect,
		BalanceBefore:  account.Balance,
		BalanceAfter:   newBalance,
		TerminalID:     req.TerminalID,
		Counterparty:   req.Counterparty,
		ReferenceID:    req.ReferenceID,
		Origin:         originOrDefault(req.Origin),
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusApplied,
		Reason:         req.Reason,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      time.Now().UTC(),
	}
}

func originOrDefault(o Origin) Origin {
	if o == "" {
		return OriginOnline
	}
	return o
}
