package types

import "github.com/shopspring/decimal"

// PriceScale is the fixed decimal scale (number of digits after the point)
// every Price value is rounded to. Matches the (18,8) column precision in
// the persisted bars table.
const PriceScale = 8

// VolumeScale is the fixed decimal scale volume strings are parsed at on the
// wire (an exchange quirk); persisted volume columns use (24,8) regardless.
// Kept distinct from PriceScale so the two can diverge without code changes
// elsewhere.
const VolumeScale = 6

// Price is a non-negative, currency-tagged decimal value at a fixed scale.
// Arithmetic between two Price values of the same currency preserves scale
// via half-up rounding; Price values are equal modulo scale (1.5 == 1.50).
type Price struct {
	Amount   decimal.Decimal
	Currency string
}

// NewPrice constructs a Price, rounding amount to PriceScale and rejecting
// negative values.
func NewPrice(amount decimal.Decimal, currency string) (Price, error) {
	if amount.IsNegative() {
		return Price{}, &InvalidRequestError{Field: "price", Reason: "price must be non-negative"}
	}
	return Price{Amount: amount.Round(PriceScale), Currency: currency}, nil
}

// MustPrice is NewPrice without the error return, for constructing literals
// in tests and fixtures where the value is known to be valid.
func MustPrice(amount decimal.Decimal, currency string) Price {
	p, err := NewPrice(amount, currency)
	if err != nil {
		panic(err)
	}
	return p
}

// Sub returns p - other, rounded to PriceScale. The two prices must share a
// currency; SameCurrency is the caller's responsibility to check first in
// contexts where a mismatch is a domain error rather than a programmer bug.
func (p Price) Sub(other Price) decimal.Decimal {
	return p.Amount.Sub(other.Amount).Round(PriceScale)
}

// IsZero reports whether the price amount is exactly zero.
func (p Price) IsZero() bool { return p.Amount.IsZero() }

// SameCurrency reports whether p and other share a currency tag.
func (p Price) SameCurrency(other Price) bool { return p.Currency == other.Currency }

// Equal compares two prices modulo scale (decimal.Decimal.Equal already does
// this — 1.50 equals 1.5 — but currency must also match).
func (p Price) Equal(other Price) bool {
	return p.Currency == other.Currency && p.Amount.Equal(other.Amount)
}

func (p Price) String() string {
	return p.Amount.StringFixed(PriceScale) + " " + p.Currency
}
