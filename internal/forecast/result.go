// Package forecast implements the AR(p) forecast engine (C7) and the
// forecast prediction store (C8).
package forecast

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// Status is a forecast's terminal outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Diagnostics carries non-essential-but-useful forecast detail, plus the
// two surfacing decisions recorded in DESIGN.md: a stale reconstruction
// basis and (in range mode) substituted lags are reported, never silently
// absorbed into the confidence number alone.
type Diagnostics struct {
	DataRangeStart time.Time
	DataRangeEnd   time.Time
	ArOrder        int
	DataPointsUsed int
	Mse            decimal.Decimal
	StdErr         decimal.Decimal
	ExecutionTimeMs int64
	// StaleBasisDays is the number of days between targetDate-1 and the
	// master-data record actually used to reconstruct OC, when the exact
	// prior day wasn't available and the most recent record was used
	// instead. Zero when the exact prior day was used.
	StaleBasisDays int
}

// Result is one forecast outcome.
// Uniqueness for persistence purposes is (Instrument, ForecastDate,
// ModelVersion).
type Result struct {
	ExecutionID     string
	Instrument      types.Instrument
	ForecastDate    time.Time
	ExpectedReturn  decimal.Decimal
	Confidence      float64
	Status          Status
	PredictedDiffOC decimal.Decimal
	PredictedOC     decimal.Decimal
	ModelVersion    string
	Diagnostics     Diagnostics
	ErrorMessage    string
	CreatedAt       time.Time
}

// RangeResult is the backtest/range-mode outcome: one Result per requested
// day, plus the days where a missing lag was zero-substituted rather than
// self-healed (range mode never self-heals — see DESIGN.md).
type RangeResult struct {
	Results                []Result
	MissingLagSubstituted  []time.Time
	Confidence             float64
}
