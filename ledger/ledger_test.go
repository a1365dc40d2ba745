package ledger_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festkit/cashless/ledger"
	"github.com/festkit/cashless/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger() *ledger.Ledger {
	return ledger.New(store.NewMemory(), ledger.DefaultLimits("EUR"))
}

func eur(cents int64) ledger.Money {
	return ledger.NewMoney(cents, "EUR")
}

// newActiveAccount creates an account and activates it with an initial topup.
func newActiveAccount(t *testing.T, l *ledger.Ledger, initialCents int64) *ledger.CashlessAccount {
	t.Helper()
	ctx := context.Background()

	acc, err := l.CreateAccount(ctx, "owner-1", "fest-1", "EUR")
	require.NoError(t, err)

	if initialCents > 0 {
		_, err = l.Apply(ctx, ledger.TransactionRequest{
			AccountID: acc.ID,
			Type:      ledger.TxTopup,
			Amount:    eur(initialCents),
		})
		require.NoError(t, err)
	}

	acc, err = l.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	return acc
}

func payment(accountID ledger.AccountID, cents int64, key string) ledger.TransactionRequest {
	return ledger.TransactionRequest{
		AccountID:      accountID,
		Type:           ledger.TxPayment,
		Amount:         eur(cents),
		IdempotencyKey: key,
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestCreateAccount_StartsPendingAndEmpty(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	acc, err := l.CreateAccount(ctx, "owner-1", "fest-1", "EUR")
	require.NoError(t, err)

	assert.Equal(t, ledger.AccountPending, acc.Status)
	assert.True(t, acc.Balance.IsZero())
	assert.Equal(t, "EUR", acc.Balance.Currency)
}

func TestApply_FirstTopup_ActivatesAccount(t *testing.T) {
	// GIVEN: A freshly created Pending account
	// WHEN: The first topup is applied
	// THEN: The account becomes Active with the topup balance

	l := newTestLedger()
	acc := newActiveAccount(t, l, 5000)

	assert.Equal(t, ledger.AccountActive, acc.Status)
	assert.Equal(t, eur(5000), acc.Balance)
}

func TestSetStatus_IllegalTransition_Rejected(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	require.NoError(t, l.SetStatus(ctx, acc.ID, ledger.AccountClosed))

	err := l.SetStatus(ctx, acc.ID, ledger.AccountActive)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestApply_SuspendedAccount_TopupAllowedDebitRefused(t *testing.T) {
	// Suspended = fraud hold. Money in stays possible, money out does not.
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)
	require.NoError(t, l.SetStatus(ctx, acc.ID, ledger.AccountSuspended))

	_, err := l.Apply(ctx, ledger.TransactionRequest{
		AccountID: acc.ID, Type: ledger.TxTopup, Amount: eur(1000),
	})
	assert.NoError(t, err)

	_, err = l.Apply(ctx, payment(acc.ID, 500, ""))
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(6000), balance)
}

func TestApply_BlockedAccount_RejectsCreditsAndDebits(t *testing.T) {
	// Blocked is a terminal hold: unlike Suspended, money in is refused too.
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)
	require.NoError(t, l.SetStatus(ctx, acc.ID, ledger.AccountBlocked))

	_, err := l.Apply(ctx, ledger.TransactionRequest{
		AccountID: acc.ID, Type: ledger.TxTopup, Amount: eur(1000),
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)

	_, err = l.Apply(ctx, payment(acc.ID, 500, ""))
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(5000), balance)
}

func TestApply_ClosedAccount_RejectsAll_HistoryRemainsQueryable(t *testing.T) {
	// GIVEN: An account with history, closed at festival end
	// WHEN: New topups and payments arrive
	// THEN: All are refused, but the log stays readable for refund decisions

	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)
	_, err := l.Apply(ctx, payment(acc.ID, 1250, "pay-1"))
	require.NoError(t, err)
	require.NoError(t, l.SetStatus(ctx, acc.ID, ledger.AccountClosed))

	_, err = l.Apply(ctx, ledger.TransactionRequest{
		AccountID: acc.ID, Type: ledger.TxTopup, Amount: eur(1000),
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)

	_, err = l.Apply(ctx, payment(acc.ID, 500, ""))
	assert.ErrorIs(t, err, ledger.ErrAccountNotActive)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(3750), balance)

	history, err := l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	applied := 0
	for _, e := range history {
		if e.Status == ledger.StatusApplied {
			applied++
		}
	}
	assert.Equal(t, 2, applied) // the topup and the payment survive intact
}

// =============================================================================
// APPLY - HAPPY PATH AND REJECTIONS
// =============================================================================

func TestApply_TopupThenPayment(t *testing.T) {
	// GIVEN: A wristband topped up with 50.00
	// WHEN: Paying 12.50 at a bar terminal
	// THEN: Balance is 37.50 and the log holds both Applied entries

	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	tx, err := l.Apply(ctx, payment(acc.ID, 1250, "pay-1"))
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusApplied, tx.Status)
	assert.Equal(t, eur(-1250), tx.Amount)
	assert.Equal(t, eur(5000), tx.BalanceBefore)
	assert.Equal(t, eur(3750), tx.BalanceAfter)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(3750), balance)

	history, err := l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.TxTopup, history[0].Type)
	assert.Equal(t, ledger.TxPayment, history[1].Type)
}

func TestApply_InsufficientBalance_RejectedAndAudited(t *testing.T) {
	// GIVEN: A balance of 10.00
	// WHEN: Paying 15.00
	// THEN: The payment fails, the balance is untouched, and a Rejected
	//       audit entry lands in the log

	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 1000)

	_, err := l.Apply(ctx, payment(acc.ID, 1500, "pay-too-big"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var insufficientErr *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficientErr)
	assert.Equal(t, eur(1000), insufficientErr.Available)
	assert.Equal(t, eur(1500), insufficientErr.Requested)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(1000), balance)

	history, err := l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	require.Len(t, history, 2) // topup + rejected payment
	rejected := history[1]
	assert.Equal(t, ledger.StatusRejected, rejected.Status)
	assert.Equal(t, rejected.BalanceBefore, rejected.BalanceAfter)
	// The key is not consumed by the rejection; a later valid retry works.
	assert.Empty(t, rejected.IdempotencyKey)
}

func TestApply_RejectedKey_RemainsUsable(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 1000)

	_, err := l.Apply(ctx, payment(acc.ID, 1500, "retry-key"))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// Top up, then retry with the same key - must succeed.
	_, err = l.Apply(ctx, ledger.TransactionRequest{
		AccountID: acc.ID, Type: ledger.TxTopup, Amount: eur(1000),
	})
	require.NoError(t, err)

	tx, err := l.Apply(ctx, payment(acc.ID, 1500, "retry-key"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApplied, tx.Status)
}

func TestApply_MaxBalanceExceeded_Rejected(t *testing.T) {
	// Default ceiling is 1000.00.
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 90000)

	_, err := l.Apply(ctx, ledger.TransactionRequest{
		AccountID: acc.ID, Type: ledger.TxTopup, Amount: eur(20000),
	})
	assert.ErrorIs(t, err, ledger.ErrLimitExceeded)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(90000), balance)
}

func TestApply_UnknownAccount(t *testing.T) {
	l := newTestLedger()
	_, err := l.Apply(context.Background(), payment("nope", 100, ""))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestApply_NegativeCorrection_RespectsFloor(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 1000)

	_, err := l.Apply(ctx, ledger.TransactionRequest{
		AccountID: acc.ID, Type: ledger.TxCorrection, Amount: eur(-500),
		Reason: "double-charged beer",
	})
	require.NoError(t, err)

	_, err = l.Apply(ctx, ledger.TransactionRequest{
		AccountID: acc.ID, Type: ledger.TxCorrection, Amount: eur(-600),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(500), balance)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestApply_DuplicateKey_ReturnsOriginalEntry(t *testing.T) {
	// GIVEN: A payment applied with key "tap-42"
	// WHEN: The same request is applied again (terminal retry)
	// THEN: The original entry comes back and the balance moves once

	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	first, err := l.Apply(ctx, payment(acc.ID, 1250, "tap-42"))
	require.NoError(t, err)

	second, err := l.Apply(ctx, payment(acc.ID, 1250, "tap-42"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.BalanceAfter, second.BalanceAfter)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(3750), balance)

	history, err := l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	assert.Len(t, history, 2) // topup + one payment, not two
}

func TestApply_SameKeyDifferentAmount_ReturnsOriginal(t *testing.T) {
	// The key identifies the operation; the stored entry wins over the
	// replayed request body.
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	first, err := l.Apply(ctx, payment(acc.ID, 1250, "tap-42"))
	require.NoError(t, err)

	replay, err := l.Apply(ctx, payment(acc.ID, 9999, "tap-42"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, eur(-1250), replay.Amount)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestApply_ConcurrentPayments_ExactlyOneSucceeds(t *testing.T) {
	// GIVEN: A balance of 50.00 and 8 concurrent 30.00 payments
	// WHEN: All race through Apply with distinct keys
	// THEN: Exactly one succeeds; the balance never goes negative

	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := "race-" + string(rune('a'+n))
			_, errs[n] = l.Apply(ctx, payment(acc.ID, 3000, key))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, succeeded)

	balance, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, eur(2000), balance)
	assert.False(t, balance.IsNegative())
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_MovesBothLegsAtomically(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	src := newActiveAccount(t, l, 5000)
	dst := newActiveAccount(t, l, 1000)

	out, in, err := l.Transfer(ctx, src.ID, dst.ID, eur(2000), "xfer-1", "lunch split")
	require.NoError(t, err)

	assert.Equal(t, eur(-2000), out.Amount)
	assert.Equal(t, eur(2000), in.Amount)
	assert.Equal(t, out.ID, in.ReferenceID)

	srcBalance, _ := l.GetBalance(ctx, src.ID)
	dstBalance, _ := l.GetBalance(ctx, dst.ID)
	assert.Equal(t, eur(3000), srcBalance)
	assert.Equal(t, eur(3000), dstBalance)
}

func TestTransfer_InsufficientSource_NothingMoves(t *testing.T) {
	// GIVEN: Source holds 10.00
	// WHEN: Transferring 20.00
	// THEN: Neither account changes and neither log grows

	l := newTestLedger()
	ctx := context.Background()
	src := newActiveAccount(t, l, 1000)
	dst := newActiveAccount(t, l, 1000)

	_, _, err := l.Transfer(ctx, src.ID, dst.ID, eur(2000), "xfer-fail", "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	srcBalance, _ := l.GetBalance(ctx, src.ID)
	dstBalance, _ := l.GetBalance(ctx, dst.ID)
	assert.Equal(t, eur(1000), srcBalance)
	assert.Equal(t, eur(1000), dstBalance)

	srcHistory, _ := l.History(ctx, src.ID, timeZero(), timeZero())
	dstHistory, _ := l.History(ctx, dst.ID, timeZero(), timeZero())
	assert.Len(t, srcHistory, 1) // just the topup
	assert.Len(t, dstHistory, 1)
}

func TestTransfer_ToSelf_Rejected(t *testing.T) {
	l := newTestLedger()
	acc := newActiveAccount(t, l, 5000)

	_, _, err := l.Transfer(context.Background(), acc.ID, acc.ID, eur(1000), "", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestTransfer_Replay_ReturnsBothOriginalLegs(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	src := newActiveAccount(t, l, 5000)
	dst := newActiveAccount(t, l, 1000)

	out1, in1, err := l.Transfer(ctx, src.ID, dst.ID, eur(2000), "xfer-1", "")
	require.NoError(t, err)

	out2, in2, err := l.Transfer(ctx, src.ID, dst.ID, eur(2000), "xfer-1", "")
	require.NoError(t, err)

	assert.Equal(t, out1.ID, out2.ID)
	assert.Equal(t, in1.ID, in2.ID)

	srcBalance, _ := l.GetBalance(ctx, src.ID)
	assert.Equal(t, eur(3000), srcBalance) // moved once
}

func TestTransfer_ConcurrentOpposite_NoDeadlock(t *testing.T) {
	// A->B and B->A racing must not deadlock; ascending-id lock order
	// guarantees progress.
	l := newTestLedger()
	ctx := context.Background()
	a := newActiveAccount(t, l, 5000)
	b := newActiveAccount(t, l, 5000)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _, _ = l.Transfer(ctx, a.ID, b.ID, eur(1000), "ab", "")
	}()
	go func() {
		defer wg.Done()
		_, _, _ = l.Transfer(ctx, b.ID, a.ID, eur(1000), "ba", "")
	}()
	wg.Wait()

	aBalance, _ := l.GetBalance(ctx, a.ID)
	bBalance, _ := l.GetBalance(ctx, b.ID)
	total, err := aBalance.Add(bBalance)
	require.NoError(t, err)
	assert.Equal(t, eur(10000), total) // money is conserved
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestRefund_FullAmount_MarksPaymentReversed(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	pay, err := l.Apply(ctx, payment(acc.ID, 1250, "pay-1"))
	require.NoError(t, err)

	refund, err := l.Refund(ctx, pay.ID, eur(1250), "refund-1", "vendor closed early")
	require.NoError(t, err)
	assert.Equal(t, eur(1250), refund.Amount)
	assert.Equal(t, pay.ID, refund.ReferenceID)

	balance, _ := l.GetBalance(ctx, acc.ID)
	assert.Equal(t, eur(5000), balance)

	// The stored payment row is untouched; History derives Reversed.
	history, err := l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	var annotated *ledger.CashlessTransaction
	for i := range history {
		if history[i].ID == pay.ID {
			annotated = &history[i]
		}
	}
	require.NotNil(t, annotated)
	assert.Equal(t, ledger.StatusReversed, annotated.Status)
}

func TestRefund_CumulativeOverOriginal_Rejected(t *testing.T) {
	// GIVEN: A 12.50 payment refunded 10.00
	// WHEN: Refunding another 5.00
	// THEN: Rejected - cumulative refunds may not exceed the original

	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	pay, err := l.Apply(ctx, payment(acc.ID, 1250, "pay-1"))
	require.NoError(t, err)

	_, err = l.Refund(ctx, pay.ID, eur(1000), "refund-1", "")
	require.NoError(t, err)

	_, err = l.Refund(ctx, pay.ID, eur(500), "refund-2", "")
	assert.ErrorIs(t, err, ledger.ErrLimitExceeded)

	// The remaining 2.50 is still refundable.
	_, err = l.Refund(ctx, pay.ID, eur(250), "refund-3", "")
	assert.NoError(t, err)
}

func TestRefund_OfTopup_Rejected(t *testing.T) {
	// Refunds compensate debits; a topup is not a refund target.
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	history, err := l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	topup := history[0]

	_, err = l.Refund(ctx, topup.ID, eur(1000), "refund-x", "")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}
