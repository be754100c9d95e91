package forecast

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/internal/masterdata"
	"github.com/atlas-quant/forecast-backend/internal/model"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// Engine implements C7: lag extraction (with single-day self-heal),
// predicted-demeaned-difference computation, OC/close/return
// reconstruction, and confidence scoring.
type Engine struct {
	priceStore  marketdata.Store
	masterStore masterdata.Store
	logger      *zap.Logger
}

// NewEngine wires C1 and C4 into the engine; both are needed only for the
// single-date mode's self-heal path (range mode never self-heals).
func NewEngine(priceStore marketdata.Store, masterStore masterdata.Store, logger *zap.Logger) *Engine {
	return &Engine{priceStore: priceStore, masterStore: masterStore, logger: logger}
}

// SingleDateRequest is one single-date forecast invocation. Master must be
// ordered ascending by timestamp and end no later than targetDate-1 (the
// day before the forecast target — C5's own range convention keeps the
// target day itself out of master data).
type SingleDateRequest struct {
	Instrument  types.Instrument
	Master      []masterdata.Record
	Model       model.Artifact
	TargetDate  time.Time
	ExecutionID string
}

// SingleDate runs single-date forecast mode. A non-nil error means a
// structural precondition failed (instrument/model mismatch, or master data
// shorter than the model order p) — the kind of thing the caller cannot
// recover from by retrying the same inputs. A lag that cannot be extracted
// even after self-heal (including a failed C1 read) instead comes back as a
// Result with Status=FAILED and a populated ErrorMessage.
func (e *Engine) SingleDate(ctx context.Context, req SingleDateRequest) (Result, error) {
	start := time.Now()

	if req.Model.Instrument != req.Instrument {
		return Result{}, &types.InvalidRequestError{Field: "model.instrument", Reason: "model instrument does not match requested instrument"}
	}
	if len(req.Master) < req.Model.POrder {
		return Result{}, &types.InvalidRequestError{Field: "master", Reason: "master data shorter than model order p"}
	}

	lags, err := e.extractLags(ctx, req.Instrument, req.Master, req.Model)
	if err != nil {
		if failure, ok := err.(*types.LagExtractionFailedError); ok {
			return Result{
				ExecutionID:  req.ExecutionID,
				Instrument:   req.Instrument,
				ForecastDate: req.TargetDate,
				Status:       StatusFailed,
				ModelVersion: req.Model.ModelVersion,
				ErrorMessage: failure.Error(),
				CreatedAt:    time.Now().UTC(),
			}, nil
		}
		return Result{}, err
	}

	basis, staleBasisDays := findReconstructionBasis(req.Master, req.TargetDate)
	predDemeanDiff, predOC, expectedReturn := predict(req.Model, lags, basis)

	confidence := scoreConfidence(len(req.Master), predDemeanDiff)
	sigma2F, _ := req.Model.Sigma2.Float64()

	dataStart, dataEnd := dataRange(req.Master)

	return Result{
		ExecutionID:     req.ExecutionID,
		Instrument:      req.Instrument,
		ForecastDate:    req.TargetDate,
		ExpectedReturn:  expectedReturn,
		Confidence:      confidence,
		Status:          StatusSuccess,
		PredictedDiffOC: predDemeanDiff,
		PredictedOC:     predOC,
		ModelVersion:    req.Model.ModelVersion,
		Diagnostics: Diagnostics{
			DataRangeStart:  dataStart,
			DataRangeEnd:    dataEnd,
			ArOrder:         req.Model.POrder,
			DataPointsUsed:  len(req.Master),
			Mse:             req.Model.Sigma2,
			StdErr:          decimal.NewFromFloat(math.Sqrt(math.Max(sigma2F, 0))),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			StaleBasisDays:  staleBasisDays,
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// extractLags builds L1..Lp (reverse chronological: L1 is the most recent
// record, Lp the (p-1)th before it) from the tail of master. Any absent or
// zero value triggers a single-record self-heal against C1 before falling
// back to LagExtractionFailed.
func (e *Engine) extractLags(ctx context.Context, instrument types.Instrument, master []masterdata.Record, artifact model.Artifact) ([]decimal.Decimal, error) {
	p := artifact.POrder
	tail := master[len(master)-p:]

	lags := make([]decimal.Decimal, p)
	for i := 0; i < p; i++ {
		// tail is ascending; L1 is the last element, L2 the one before it.
		rec := tail[p-1-i]
		if rec.HasDifferences() && !rec.DemeanDiffOC.IsZero() {
			lags[i] = rec.DemeanDiffOC
			continue
		}

		healed, err := e.selfHeal(ctx, instrument, rec.Timestamp, artifact)
		if err != nil {
			return nil, &types.LagExtractionFailedError{Instrument: instrument, Day: rec.Timestamp, LagIndex: i + 1}
		}
		lags[i] = healed.DemeanDiffOC
	}
	return lags, nil
}

// selfHeal re-fetches day d's and d-1's bars from C1 (no external call),
// recomputes the derived record, and upserts it into C4. A failed upsert is
// logged and the recomputed record is still used for the forecast.
func (e *Engine) selfHeal(ctx context.Context, instrument types.Instrument, day time.Time, artifact model.Artifact) (masterdata.Record, error) {
	window := types.TimeRange{From: day.AddDate(0, 0, -1), To: day}
	bars, err := e.priceStore.FindByRange(ctx, instrument, window)
	if err != nil {
		return masterdata.Record{}, err
	}

	var cur, prev types.Bar
	var hasCur, hasPrev bool
	for _, bar := range bars {
		switch bar.DayKey() {
		case day:
			cur, hasCur = bar, true
		case day.AddDate(0, 0, -1):
			prev, hasPrev = bar, true
		}
	}
	if !hasCur || !hasPrev {
		return masterdata.Record{}, &types.PriceDataUnavailableError{Instrument: instrument, Day: day}
	}

	record := masterdata.ComputeRecord(instrument, day, cur, prev, artifact.MeanDiffOC(), artifact.ModelVersion)
	if err := e.masterStore.Upsert(ctx, record); err != nil && e.logger != nil {
		e.logger.Warn("self-heal upsert failed; using recomputed lag",
			zap.String("instrument", string(instrument)),
			zap.Time("day", day),
			zap.Error(err),
		)
	}
	return record, nil
}

// predict computes the predicted demeaned difference, reconstructed OC,
// and expected return, given a basis record supplying oc(prev) and
// open(prev).
func predict(artifact model.Artifact, lags []decimal.Decimal, basis masterdata.Record) (predDemeanDiff, predOC, expectedReturn decimal.Decimal) {
	predDemeanDiff = artifact.MeanDiffOC()
	for i, lag := range lags {
		coef, ok := artifact.Coefficient(i + 1)
		if !ok {
			continue
		}
		predDemeanDiff = predDemeanDiff.Add(coef.Mul(lag))
	}

	predOC = predDemeanDiff.Add(basis.OC)

	if basis.OpenPrice.Amount.IsZero() {
		return predDemeanDiff, predOC, decimal.Zero
	}
	expectedReturn = predOC.Div(basis.OpenPrice.Amount)
	return predDemeanDiff, predOC, expectedReturn
}

// findReconstructionBasis locates the record for targetDate-1; if absent,
// falls back to the most recent record in master and reports how many
// days stale that fallback is.
func findReconstructionBasis(master []masterdata.Record, targetDate time.Time) (masterdata.Record, int) {
	want := targetDate.AddDate(0, 0, -1)
	for _, rec := range master {
		if rec.Timestamp.Equal(want) {
			return rec, 0
		}
	}
	latest := master[len(master)-1]
	staleDays := int(want.Sub(latest.Timestamp).Hours() / 24)
	if staleDays < 0 {
		staleDays = -staleDays
	}
	return latest, staleDays
}

// scoreConfidence derives a confidence score from data sufficiency and
// whether the prediction converts to a finite float.
func scoreConfidence(masterCount int, prediction decimal.Decimal) float64 {
	confidence := 0.8
	if masterCount < 50 {
		confidence -= 0.1
	}
	if masterCount < 30 {
		confidence -= 0.2
	}
	f, _ := prediction.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		confidence -= 0.3
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func dataRange(master []masterdata.Record) (time.Time, time.Time) {
	if len(master) == 0 {
		return time.Time{}, time.Time{}
	}
	return master[0].Timestamp, master[len(master)-1].Timestamp
}
