/*
money.go - Fixed-point money arithmetic

PURPOSE:
  All balance math in the ledger runs on signed 64-bit integer counts of
  minor currency units (cents). There is no floating point anywhere in
  balance calculations - floats cannot represent 0.10 EUR exactly and
  rounding drift in a payments ledger is unacceptable.

CHECKED ARITHMETIC:
  Add and Sub detect int64 overflow and currency mismatches and return an
  error instead of wrapping. A wrapped balance is silent money creation;
  a returned error is a rejected transaction.

DISPLAY:
  Decimal formatting ("50.00") lives at the API boundary (api/dto.go) via
  shopspring/decimal. String() here is a convenience for logs only.

SEE ALSO:
  - ledger.go: The only code that mutates balances
  - ../api/dto.go: Cent <-> decimal-string conversion
*/
package ledger

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Signed minor-unit amount with currency
// =============================================================================

// Money is an amount of money in minor units (cents) of a single currency.
type Money struct {
	Units    int64  // minor units; 5000 = 50.00 EUR
	Currency string // ISO 4217 code, e.g. "EUR"
}

// NewMoney builds a Money value from minor units.
func NewMoney(units int64, currency string) Money {
	return Money{Units: units, Currency: currency}
}

// Zero returns the zero amount in the same currency.
func (m Money) Zero() Money { return Money{Units: 0, Currency: m.Currency} }

// Add returns m + other, failing on currency mismatch or int64 overflow.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, &CurrencyMismatchError{Want: m.Currency, Got: other.Currency}
	}
	if (other.Units > 0 && m.Units > math.MaxInt64-other.Units) ||
		(other.Units < 0 && m.Units < math.MinInt64-other.Units) {
		return Money{}, ErrMoneyOverflow
	}
	return Money{Units: m.Units + other.Units, Currency: m.Currency}, nil
}

// Sub returns m - other, failing on currency mismatch or int64 overflow.
func (m Money) Sub(other Money) (Money, error) {
	if other.Units == math.MinInt64 {
		return Money{}, ErrMoneyOverflow
	}
	return m.Add(Money{Units: -other.Units, Currency: other.Currency})
}

// Neg returns -m. Negating MinInt64 overflows and saturates to MaxInt64;
// amounts that large never survive the account bounds checks anyway.
func (m Money) Neg() Money {
	if m.Units == math.MinInt64 {
		return Money{Units: math.MaxInt64, Currency: m.Currency}
	}
	return Money{Units: -m.Units, Currency: m.Currency}
}

// Abs returns the magnitude of m.
func (m Money) Abs() Money {
	if m.Units < 0 {
		return m.Neg()
	}
	return m
}

func (m Money) IsZero() bool     { return m.Units == 0 }
func (m Money) IsNegative() bool { return m.Units < 0 }
func (m Money) IsPositive() bool { return m.Units > 0 }

// SameCurrency reports whether two amounts share a currency.
func (m Money) SameCurrency(other Money) bool { return m.Currency == other.Currency }

// Cmp compares magnitudes: -1 if m < other, 0 if equal, +1 if m > other.
// Comparing across currencies is a programming error; callers must check
// SameCurrency first.
func (m Money) Cmp(other Money) int {
	switch {
	case m.Units < other.Units:
		return -1
	case m.Units > other.Units:
		return 1
	default:
		return 0
	}
}

func (m Money) LessThan(other Money) bool    { return m.Cmp(other) < 0 }
func (m Money) GreaterThan(other Money) bool { return m.Cmp(other) > 0 }

// Decimal returns the amount as a decimal in major units (5000 -> 50.00).
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Units, -2)
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Decimal().StringFixed(2), m.Currency)
}

// ParseMoney converts a major-unit decimal string ("50.00") into minor units.
// Fractions finer than a cent are rejected rather than rounded.
func ParseMoney(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	cents := d.Mul(decimal.New(100, 0))
	if !cents.IsInteger() {
		return Money{}, fmt.Errorf("amount %q has sub-cent precision", value)
	}
	if !cents.BigInt().IsInt64() {
		return Money{}, ErrMoneyOverflow
	}
	return Money{Units: cents.IntPart(), Currency: currency}, nil
}
