package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value in a specific currency.
// Amount is stored as BIGINT cents (10^-2) to avoid floating point errors.
type Money struct {
	Cents    int64
	Currency string
}

// NewMoney creates a new Money instance from cents.
func NewMoney(cents int64, currency string) Money {
	return Money{
		Cents:    cents,
		Currency: currency,
	}
}

// ToDecimal converts the int64 cents to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(m.Cents).Div(decimal.NewFromInt(100))
}

// FromDecimal converts a decimal.Decimal to int64 cents, truncating
// anything below cent precision.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).IntPart()
}

// ParseAmount parses a two-decimal amount string ("10.50") into cents.
// Negative, zero and sub-cent amounts are rejected.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, errors.New("amount must be greater than zero")
	}
	if d.Exponent() < -2 {
		return 0, fmt.Errorf("amount %q has more than two decimal places", s)
	}
	return FromDecimal(d), nil
}

// ToProtocolUnits converts local cents into external protocol units using
// the fixed exchange ratio (protocol units per one whole local unit).
func (m Money) ToProtocolUnits(ratio decimal.Decimal) decimal.Decimal {
	return m.ToDecimal().Mul(ratio)
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToDecimal().StringFixed(2), m.Currency)
}
