package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/festkit/cashless/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func testEvaluator() *ledger.Evaluator {
	return &ledger.Evaluator{Limits: ledger.DefaultLimits("EUR")}
}

func activeTestAccount(balanceCents int64) *ledger.CashlessAccount {
	acc := ledger.NewAccount("acc-1", "owner-1", "fest-1", "EUR", ledger.NewMoney(100000, "EUR"))
	acc.Status = ledger.AccountActive
	acc.Balance = ledger.NewMoney(balanceCents, "EUR")
	return acc
}

func req(typ ledger.TransactionType, cents int64) ledger.TransactionRequest {
	return ledger.TransactionRequest{
		AccountID: "acc-1",
		Type:      typ,
		Amount:    ledger.NewMoney(cents, "EUR"),
	}
}

// =============================================================================
// SHAPE CHECKS
// =============================================================================

func TestEvaluator_CurrencyMismatch_Rejected(t *testing.T) {
	e := testEvaluator()
	r := req(ledger.TxTopup, 5000)
	r.Amount.Currency = "USD"

	err := e.Check(activeTestAccount(0), r, nil)
	assert.ErrorIs(t, err, ledger.ErrCurrencyMismatch)
}

func TestEvaluator_NonPositiveMagnitude_Rejected(t *testing.T) {
	e := testEvaluator()

	err := e.Check(activeTestAccount(0), req(ledger.TxPayment, 0), nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	err = e.Check(activeTestAccount(0), req(ledger.TxPayment, -100), nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestEvaluator_Correction_CarriesSign(t *testing.T) {
	// Corrections are the one signed type: negative corrections are legal,
	// zero corrections are not.
	e := testEvaluator()

	assert.NoError(t, e.Check(activeTestAccount(5000), req(ledger.TxCorrection, -100), nil))
	assert.NoError(t, e.Check(activeTestAccount(5000), req(ledger.TxCorrection, 100), nil))
	assert.ErrorIs(t, e.Check(activeTestAccount(5000), req(ledger.TxCorrection, 0), nil), ledger.ErrInvalidAmount)
}

func TestEvaluator_UnknownType_Rejected(t *testing.T) {
	e := testEvaluator()
	err := e.Check(activeTestAccount(0), req("jackpot", 100), nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// LIMIT CHECKS
// =============================================================================

func TestEvaluator_TopupBounds(t *testing.T) {
	// Defaults: min 5.00, max 500.00
	e := testEvaluator()
	acc := activeTestAccount(0)

	assert.NoError(t, e.Check(acc, req(ledger.TxTopup, 500), nil))
	assert.NoError(t, e.Check(acc, req(ledger.TxTopup, 50000), nil))

	var limitErr *ledger.LimitExceededError
	err := e.Check(acc, req(ledger.TxTopup, 499), nil)
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ledger.LimitMinTopup, limitErr.Kind)

	err = e.Check(acc, req(ledger.TxTopup, 50001), nil)
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ledger.LimitMaxTopup, limitErr.Kind)
}

func TestEvaluator_MaxPayment(t *testing.T) {
	e := testEvaluator()
	acc := activeTestAccount(100000)

	assert.NoError(t, e.Check(acc, req(ledger.TxPayment, 20000), nil))

	var limitErr *ledger.LimitExceededError
	err := e.Check(acc, req(ledger.TxPayment, 20001), nil)
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ledger.LimitMaxPayment, limitErr.Kind)
}

func TestEvaluator_TransfersDisabled(t *testing.T) {
	limits := ledger.DefaultLimits("EUR")
	limits.AllowTransfers = false
	e := &ledger.Evaluator{Limits: limits}

	var limitErr *ledger.LimitExceededError
	err := e.Check(activeTestAccount(5000), req(ledger.TxTransferOut, 1000), nil)
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ledger.LimitTransfersOff, limitErr.Kind)
}

func TestEvaluator_TransferBounds(t *testing.T) {
	e := testEvaluator()
	acc := activeTestAccount(100000)

	assert.NoError(t, e.Check(acc, req(ledger.TxTransferOut, 100), nil))

	var limitErr *ledger.LimitExceededError
	err := e.Check(acc, req(ledger.TxTransferOut, 99), nil)
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ledger.LimitMinTransfer, limitErr.Kind)

	err = e.Check(acc, req(ledger.TxTransferIn, 50001), nil)
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ledger.LimitMaxTransfer, limitErr.Kind)
}

func TestEvaluator_TipRatio(t *testing.T) {
	// GIVEN: A 20.00 payment and a 25% tip cap
	// WHEN: Tipping 5.00 (exactly 25%) and 5.01
	// THEN: The former passes, the latter is rejected

	e := testEvaluator()
	acc := activeTestAccount(10000)
	payment := &ledger.CashlessTransaction{
		ID:     "tx-pay",
		Type:   ledger.TxPayment,
		Amount: ledger.NewMoney(-2000, "EUR"),
		Status: ledger.StatusApplied,
	}

	tip := req(ledger.TxTip, 500)
	tip.ReferenceID = payment.ID
	assert.NoError(t, e.Check(acc, tip, payment))

	tip = req(ledger.TxTip, 501)
	tip.ReferenceID = payment.ID
	var limitErr *ledger.LimitExceededError
	err := e.Check(acc, tip, payment)
	assert.ErrorAs(t, err, &limitErr)
	assert.Equal(t, ledger.LimitMaxTip, limitErr.Kind)
}

func TestEvaluator_Tip_RequiresPaymentReference(t *testing.T) {
	e := testEvaluator()
	acc := activeTestAccount(10000)

	tip := req(ledger.TxTip, 100)
	err := e.Check(acc, tip, nil)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	topup := &ledger.CashlessTransaction{
		ID: "tx-top", Type: ledger.TxTopup,
		Amount: ledger.NewMoney(2000, "EUR"), Status: ledger.StatusApplied,
	}
	tip.ReferenceID = topup.ID
	err = e.Check(acc, tip, topup)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestEvaluator_RequiresPin(t *testing.T) {
	e := testEvaluator()

	assert.False(t, e.RequiresPin(ledger.NewMoney(4999, "EUR")))
	assert.True(t, e.RequiresPin(ledger.NewMoney(5000, "EUR")))
	assert.True(t, e.RequiresPin(ledger.NewMoney(9000, "EUR")))
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

func TestCanTransition(t *testing.T) {
	assert.True(t, ledger.CanTransition(ledger.AccountPending, ledger.AccountActive))
	assert.True(t, ledger.CanTransition(ledger.AccountActive, ledger.AccountSuspended))
	assert.True(t, ledger.CanTransition(ledger.AccountSuspended, ledger.AccountActive))
	assert.True(t, ledger.CanTransition(ledger.AccountBlocked, ledger.AccountClosed))

	// Closed and Expired are terminal.
	assert.False(t, ledger.CanTransition(ledger.AccountClosed, ledger.AccountActive))
	assert.False(t, ledger.CanTransition(ledger.AccountExpired, ledger.AccountActive))
	// Blocked cannot go back to Active directly.
	assert.False(t, ledger.CanTransition(ledger.AccountBlocked, ledger.AccountActive))
}
