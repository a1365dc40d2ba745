/*
policy.go - Limit and policy evaluation

PURPOSE:
  Pure function layer consulted by the Ledger before any mutation.
  Check() sees only the account snapshot, the request, and (for tips,
  refunds and chargebacks) the referenced original entry - no storage
  access, no side effects. That keeps it unit-testable in isolation and
  shared verbatim by the online and offline paths.

CONFIGURATION:
  Every recognized option maps to exactly one check:
    min_topup / max_topup        -> topup magnitude bounds
    max_balance                  -> enforced by the Ledger bounds check
    max_payment                  -> single payment cap
    min_transfer / max_transfer  -> transfer magnitude bounds
    allow_transfers              -> transfers on/off
    max_tip_percent              -> tip vs referenced payment
    pin_threshold                -> RequiresPin helper for terminals
    max_offline_transactions,
    offline_block_minutes        -> consumed by terminal.Manager
*/
package ledger

// =============================================================================
// LIMITS - Festival-level policy configuration
// =============================================================================

// Limits is the policy configuration for a festival's cashless system.
// Zero-valued money fields disable the corresponding check.
type Limits struct {
	MinTopup   Money
	MaxTopup   Money
	MaxBalance Money
	MaxPayment Money

	MinTransfer    Money
	MaxTransfer    Money
	AllowTransfers bool

	// Offline exposure caps, enforced by terminal.Manager.
	MaxOfflineTransactions int
	OfflineBlockMinutes    int

	// PinThreshold: payments at or above this require a PIN at the terminal.
	PinThreshold Money

	// MaxTipPercent: tip may not exceed this percentage of the referenced
	// payment. Zero disables tipping limits.
	MaxTipPercent int
}

// DefaultLimits mirror a typical mid-size festival configuration.
func DefaultLimits(currency string) Limits {
	return Limits{
		MinTopup:               NewMoney(500, currency),    // 5.00
		MaxTopup:               NewMoney(50000, currency),  // 500.00
		MaxBalance:             NewMoney(100000, currency), // 1000.00
		MaxPayment:             NewMoney(20000, currency),  // 200.00
		MinTransfer:            NewMoney(100, currency),    // 1.00
		MaxTransfer:            NewMoney(50000, currency),  // 500.00
		AllowTransfers:         true,
		MaxOfflineTransactions: 100,
		OfflineBlockMinutes:    240,
		PinThreshold:           NewMoney(5000, currency), // 50.00
		MaxTipPercent:          25,
	}
}

// =============================================================================
// POLICY EVALUATOR
// =============================================================================

// Evaluator validates transaction requests against configured limits.
// It is stateless; all methods are pure.
type Evaluator struct {
	Limits Limits
}

// Check validates a request against the account snapshot and limits.
// ref is the referenced original entry, required for TxTip and consulted
// for TxRefund; nil otherwise. Returns nil when the request is admissible.
func (e *Evaluator) Check(account *CashlessAccount, req TransactionRequest, ref *CashlessTransaction) error {
	if !req.Type.Valid() {
		return ErrInvalidAmount
	}
	if req.Amount.Currency != account.Currency {
		return &CurrencyMismatchError{Want: account.Currency, Got: req.Amount.Currency}
	}

	// Corrections carry their sign; everything else is a positive magnitude.
	if req.Type == TxCorrection {
		if req.Amount.IsZero() {
			return ErrInvalidAmount
		}
	} else if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}

	switch req.Type {
	case TxTopup:
		if e.Limits.MinTopup.IsPositive() && req.Amount.LessThan(e.Limits.MinTopup) {
			return &LimitExceededError{Kind: LimitMinTopup, Amount: req.Amount, Limit: e.Limits.MinTopup}
		}
		if e.Limits.MaxTopup.IsPositive() && req.Amount.GreaterThan(e.Limits.MaxTopup) {
			return &LimitExceededError{Kind: LimitMaxTopup, Amount: req.Amount, Limit: e.Limits.MaxTopup}
		}

	case TxPayment:
		if e.Limits.MaxPayment.IsPositive() && req.Amount.GreaterThan(e.Limits.MaxPayment) {
			return &LimitExceededError{Kind: LimitMaxPayment, Amount: req.Amount, Limit: e.Limits.MaxPayment}
		}

	case TxTransferIn, TxTransferOut:
		if !e.Limits.AllowTransfers {
			return &LimitExceededError{Kind: LimitTransfersOff, Amount: req.Amount}
		}
		if e.Limits.MinTransfer.IsPositive() && req.Amount.LessThan(e.Limits.MinTransfer) {
			return &LimitExceededError{Kind: LimitMinTransfer, Amount: req.Amount, Limit: e.Limits.MinTransfer}
		}
		if e.Limits.MaxTransfer.IsPositive() && req.Amount.GreaterThan(e.Limits.MaxTransfer) {
			return &LimitExceededError{Kind: LimitMaxTransfer, Amount: req.Amount, Limit: e.Limits.MaxTransfer}
		}

	case TxTip:
		if err := e.checkTip(req, ref); err != nil {
			return err
		}

	case TxRefund:
		if ref != nil && req.Amount.GreaterThan(ref.Amount.Abs()) {
			return &LimitExceededError{Kind: LimitMaxPayment, Amount: req.Amount, Limit: ref.Amount.Abs()}
		}

	case TxWithdrawal, TxFee, TxExpiry, TxBonus, TxChargeback, TxCorrection:
		// No request-shape limits beyond the magnitude and currency checks
		// above; the Ledger's bounds check covers the balance effect.
	}

	return nil
}

// checkTip enforces the tip-to-payment ratio against the referenced payment.
func (e *Evaluator) checkTip(req TransactionRequest, ref *CashlessTransaction) error {
	if e.Limits.MaxTipPercent <= 0 {
		return nil
	}
	if ref == nil || ref.Type != TxPayment {
		return ErrTransactionNotFound
	}
	// maxTip = payment * percent / 100, in integer cents.
	payment := ref.Amount.Abs()
	maxTip := Money{
		Units:    payment.Units * int64(e.Limits.MaxTipPercent) / 100,
		Currency: payment.Currency,
	}
	if req.Amount.GreaterThan(maxTip) {
		return &LimitExceededError{Kind: LimitMaxTip, Amount: req.Amount, Limit: maxTip}
	}
	return nil
}

// RequiresPin reports whether a debit of the given magnitude needs PIN
// confirmation at the terminal.
func (e *Evaluator) RequiresPin(amount Money) bool {
	return e.Limits.PinThreshold.IsPositive() && !amount.LessThan(e.Limits.PinThreshold)
}
