package forecast

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/forecast-backend/internal/masterdata"
	"github.com/atlas-quant/forecast-backend/internal/model"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// RangeRequest is one backtest/range-mode invocation. MasterByDay must
// cover at minimum every day from StartDate-p through EndDate-1 for
// complete lag lookups; days outside that coverage simply read as missing
// and are zero-substituted per the range-mode leniency decision recorded
// in DESIGN.md.
type RangeRequest struct {
	Instrument  types.Instrument
	MasterByDay map[time.Time]masterdata.Record
	Model       model.Artifact
	StartDate   time.Time
	EndDate     time.Time
	ExecutionID string
}

// Range runs range-mode prediction: day-by-day prediction with zero-substituted
// missing lags (recorded, not hidden) and per-day failure tolerance — one
// bad day never aborts the rest of the range.
func (e *Engine) Range(ctx context.Context, req RangeRequest) (RangeResult, error) {
	if req.Model.Instrument != req.Instrument {
		return RangeResult{}, &types.InvalidRequestError{Field: "model.instrument", Reason: "model instrument does not match requested instrument"}
	}
	if !req.EndDate.After(req.StartDate) {
		return RangeResult{}, &types.InvalidRequestError{Field: "endDate", Reason: "endDate must be after startDate in range mode"}
	}

	var (
		results   []Result
		missing   []time.Time
		valid     int
		total     int
	)

	for d := req.StartDate; !d.After(req.EndDate); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return RangeResult{}, &types.CancelledError{Op: "forecast.Range"}
		}
		total++

		lags, daySubstituted := e.rangeLags(req.MasterByDay, req.Model.POrder, d)
		if daySubstituted {
			missing = append(missing, d)
		}

		basis, staleDays, found := nearestBasis(req.MasterByDay, d.AddDate(0, 0, -1))
		if !found {
			results = append(results, Result{
				ExecutionID:  req.ExecutionID,
				Instrument:   req.Instrument,
				ForecastDate: d,
				Status:       StatusFailed,
				ModelVersion: req.Model.ModelVersion,
				ErrorMessage: "no reconstruction basis available for this day",
				CreatedAt:    time.Now().UTC(),
			})
			continue
		}

		predDemeanDiff, predOC, expectedReturn := predict(req.Model, lags, basis)
		results = append(results, Result{
			ExecutionID:     req.ExecutionID,
			Instrument:      req.Instrument,
			ForecastDate:    d,
			ExpectedReturn:  expectedReturn,
			Status:          StatusSuccess,
			PredictedDiffOC: predDemeanDiff,
			PredictedOC:     predOC,
			ModelVersion:    req.Model.ModelVersion,
			Diagnostics: Diagnostics{
				ArOrder:        req.Model.POrder,
				DataPointsUsed: len(req.MasterByDay),
				Mse:            req.Model.Sigma2,
				StaleBasisDays: staleDays,
			},
			CreatedAt: time.Now().UTC(),
		})
		valid++
	}

	confidence := 0.0
	if total > 0 {
		confidence = 0.7 * float64(valid) / float64(total)
	}

	return RangeResult{Results: results, MissingLagSubstituted: missing, Confidence: confidence}, nil
}

// rangeLags looks up demeanDiffOC(d-i) for i=1..p, substituting 0.0 (and
// flagging the day) whenever a lookup misses.
func (e *Engine) rangeLags(byDay map[time.Time]masterdata.Record, p int, d time.Time) ([]decimal.Decimal, bool) {
	lags := make([]decimal.Decimal, p)
	substituted := false
	for i := 1; i <= p; i++ {
		rec, ok := byDay[d.AddDate(0, 0, -i)]
		if !ok || !rec.HasDifferences() {
			lags[i-1] = decimal.Zero
			substituted = true
			continue
		}
		lags[i-1] = rec.DemeanDiffOC
	}
	return lags, substituted
}

// nearestBasis returns the record for want if present, else the most
// recent record on or before want, reporting how many days stale that
// fallback is.
func nearestBasis(byDay map[time.Time]masterdata.Record, want time.Time) (masterdata.Record, int, bool) {
	if rec, ok := byDay[want]; ok {
		return rec, 0, true
	}

	var best masterdata.Record
	found := false
	for day, rec := range byDay {
		if day.After(want) {
			continue
		}
		if !found || day.After(best.Timestamp) {
			best = rec
			found = true
		}
	}
	if !found {
		return masterdata.Record{}, 0, false
	}
	staleDays := int(want.Sub(best.Timestamp).Hours() / 24)
	return best, staleDays, true
}
