package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single daily OHLCV summary. Identity within an instrument's
// series is the Timestamp; within an instrument, (instrument, Timestamp) is
// unique across the market-data store.
type Bar struct {
	Open      Price
	High      Price
	Low       Price
	Close     Price
	Volume    decimal.Decimal
	Timestamp time.Time
}

// Validate checks the OHLC invariant (high >= max(open, close), low <=
// min(open, close)), currency consistency against the owning instrument, and
// that prices are positive and volume non-negative.
func (b Bar) Validate(instrument Instrument) error {
	quote := instrument.QuoteCurrency()
	for _, p := range []Price{b.Open, b.High, b.Low, b.Close} {
		if p.Currency != quote {
			return &InvalidRequestError{Field: "bar.currency", Reason: "currency mismatch: expected " + quote + ", got " + p.Currency}
		}
		if !p.Amount.IsPositive() {
			return &InvalidRequestError{Field: "bar.price", Reason: "prices must be strictly positive"}
		}
	}
	if b.Volume.IsNegative() {
		return &InvalidRequestError{Field: "bar.volume", Reason: "volume must be non-negative"}
	}

	maxOC := decimal.Max(b.Open.Amount, b.Close.Amount)
	minOC := decimal.Min(b.Open.Amount, b.Close.Amount)
	if b.High.Amount.LessThan(maxOC) {
		return &InvalidRequestError{Field: "bar.high", Reason: "high must be >= max(open, close)"}
	}
	if b.Low.Amount.GreaterThan(minOC) {
		return &InvalidRequestError{Field: "bar.low", Reason: "low must be <= min(open, close)"}
	}
	return nil
}

// DayKey floors the bar's timestamp to UTC midnight, the key used for
// day-bucketed lookups against the master-data series.
func (b Bar) DayKey() time.Time {
	u := b.Timestamp.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
