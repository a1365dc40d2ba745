package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festkit/cashless/ledger"
	"github.com/festkit/cashless/ledger/store"
)

func timeZero() time.Time { return time.Time{} }

// =============================================================================
// BALANCE RECONSTRUCTION
// =============================================================================

func TestReconstructBalance_MatchesLiveBalance(t *testing.T) {
	// GIVEN: A mixed sequence of topups, payments and a refund
	// WHEN: Folding the full log
	// THEN: The fold reproduces the live balance exactly

	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	pay, err := l.Apply(ctx, payment(acc.ID, 1250, "p1"))
	require.NoError(t, err)
	_, err = l.Apply(ctx, payment(acc.ID, 800, "p2"))
	require.NoError(t, err)
	_, err = l.Apply(ctx, ledger.TransactionRequest{
		AccountID: acc.ID, Type: ledger.TxTopup, Amount: eur(2000),
	})
	require.NoError(t, err)
	_, err = l.Refund(ctx, pay.ID, eur(1250), "r1", "")
	require.NoError(t, err)

	live, err := l.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	folded, err := l.ReconstructBalance(ctx, acc.ID, timeZero())
	require.NoError(t, err)

	assert.Equal(t, 0, folded.Cmp(live))
	assert.Equal(t, eur(6200), live)
}

func TestReconstructBalance_SkipsRejectedEntries(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 1000)

	// Leaves a Rejected audit entry in the log.
	_, err := l.Apply(ctx, payment(acc.ID, 5000, "too-big"))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	folded, err := l.ReconstructBalance(ctx, acc.ID, timeZero())
	require.NoError(t, err)
	assert.Equal(t, eur(1000), folded)
}

// =============================================================================
// DIVERGENCE DETECTION
// =============================================================================

func TestVerifyBalance_Consistent(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	_, err := l.Apply(ctx, payment(acc.ID, 1250, "p1"))
	require.NoError(t, err)

	assert.NoError(t, l.VerifyBalance(ctx, acc.ID))
}

func TestVerifyBalance_Divergence_FreezesAccount(t *testing.T) {
	// GIVEN: A live balance corrupted behind the ledger's back
	// WHEN: VerifyBalance runs
	// THEN: The account is Suspended and a DivergenceError surfaces;
	//       the balance is NOT silently corrected

	mem := store.NewMemory()
	l := ledger.New(mem, ledger.DefaultLimits("EUR"))
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	// Corrupt the stored balance without a log entry.
	stored, err := mem.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	expected := stored.Version
	stored.Balance = eur(9999)
	stored.Version++
	require.NoError(t, mem.SaveAccount(ctx, stored, expected))

	err = l.VerifyBalance(ctx, acc.ID)
	require.Error(t, err)

	var divErr *ledger.DivergenceError
	require.ErrorAs(t, err, &divErr)
	assert.Equal(t, eur(9999), divErr.LiveBalance)
	assert.Equal(t, eur(5000), divErr.FoldedAmount)

	after, err := l.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountSuspended, after.Status)
	assert.Equal(t, eur(9999), after.Balance) // untouched, for the operator
}

// =============================================================================
// HISTORY
// =============================================================================

func TestHistory_RangeFilter(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	_, err := l.Apply(ctx, payment(acc.ID, 1000, "p1"))
	require.NoError(t, err)

	all, err := l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// A window in the far past matches nothing.
	past := time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
	none, err := l.History(ctx, acc.ID, past, past.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	// An open-ended window starting before the entries matches everything.
	recent, err := l.History(ctx, acc.ID, time.Now().UTC().Add(-time.Hour), timeZero())
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestHistory_PartialRefund_NotReversed(t *testing.T) {
	// A debit only shows Reversed once refunds cover its full magnitude.
	l := newTestLedger()
	ctx := context.Background()
	acc := newActiveAccount(t, l, 5000)

	pay, err := l.Apply(ctx, payment(acc.ID, 1000, "p1"))
	require.NoError(t, err)
	_, err = l.Refund(ctx, pay.ID, eur(400), "r1", "")
	require.NoError(t, err)

	history, err := l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	for _, e := range history {
		if e.ID == pay.ID {
			assert.Equal(t, ledger.StatusApplied, e.Status)
		}
	}

	// Completing the refund flips it.
	_, err = l.Refund(ctx, pay.ID, eur(600), "r2", "")
	require.NoError(t, err)
	history, err = l.History(ctx, acc.ID, timeZero(), timeZero())
	require.NoError(t, err)
	for _, e := range history {
		if e.ID == pay.ID {
			assert.Equal(t, ledger.StatusReversed, e.Status)
		}
	}
}
