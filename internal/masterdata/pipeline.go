package masterdata

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// MeanDiffOCSource supplies the meanDiffOC used to demean a freshly computed
// diffOC. An AR(p) model artifact satisfies this trivially; nil is a valid
// value meaning "no artifact yet — fall back to the sample mean of whatever
// diffOC values are already on hand".
type MeanDiffOCSource interface {
	MeanDiffOC() decimal.Decimal
}

// PriceFetcher is the C3 facade the back-fill stage calls when C1 doesn't
// already have full coverage for a narrow range. Implemented by
// IngestionFetcher in production; fakeable in tests.
type PriceFetcher interface {
	FetchMissing(ctx context.Context, instrument types.Instrument, r types.TimeRange, executionID string) error
}

// Request is one C5 invocation: a target instrument, the historical range
// to prepare (From inclusive, To exclusive — To is the forecast target day
// itself, never a historical point), how many points the caller needs, the
// model supplying meanDiffOC, and an execution id threaded into any C3
// back-fill calls.
type Request struct {
	Instrument         types.Instrument
	Range              types.TimeRange
	RequiredPoints     int
	Model              MeanDiffOCSource
	CalculationVersion string
	ExecutionID        string
}

// Pipeline implements the four-stage master-data preparation, wiring C4's
// Store against C1's Store and a PriceFetcher wrapping C3.
type Pipeline struct {
	store      Store
	priceStore marketdata.Store
	fetcher    PriceFetcher
	logger     *zap.Logger
}

// NewPipeline builds a Pipeline.
func NewPipeline(store Store, priceStore marketdata.Store, fetcher PriceFetcher, logger *zap.Logger) *Pipeline {
	return &Pipeline{store: store, priceStore: priceStore, fetcher: fetcher, logger: logger}
}

// Prepare runs the four stages and returns the full ordered master-data
// list for req.Range. It is deterministic and idempotent: a second call
// with identical inputs and an already-sufficient C4 population returns
// immediately at Stage 1 without touching C1 or C3 at all.
func (p *Pipeline) Prepare(ctx context.Context, req Request) ([]Record, error) {
	// Stage 1 — existence + cardinality probe.
	loaded, err := p.store.FindByRange(ctx, req.Instrument, req.Range, req.CalculationVersion)
	if err != nil {
		return nil, &types.PersistenceFailureError{Op: "masterdata.findByRange", Err: err}
	}
	requiredDates := req.Range.Days()

	working := make(map[time.Time]Record, len(loaded))
	for _, rec := range loaded {
		working[dayKey(rec.Timestamp)] = rec
	}

	if len(working) >= req.RequiredPoints && fullyCovered(requiredDates, working) {
		return sortedRecords(working), nil
	}

	// Stage 2 — gap identification.
	gaps := findMissingRanges(requiredDates, working)

	// Stage 3 — back-fill.
	fallbackMean := p.fallbackMeanDiffOC(working)
	for _, gap := range gaps {
		if err := ctx.Err(); err != nil {
			return nil, &types.CancelledError{Op: "masterdata.Prepare"}
		}
		if err := p.backfillGap(ctx, req, gap, working, fallbackMean); err != nil {
			return nil, err
		}
	}

	// Stage 4 — sufficiency check.
	if len(working) < req.RequiredPoints {
		return nil, &types.InsufficientMasterDataError{
			Instrument: req.Instrument,
			Have:       len(working),
			Need:       req.RequiredPoints,
			Range:      req.Range,
		}
	}

	return sortedRecords(working), nil
}

// backfillGap handles one maximal missing sub-interval [gap.From, gap.To].
func (p *Pipeline) backfillGap(ctx context.Context, req Request, gap dayRange, working map[time.Time]Record, fallbackMean decimal.Decimal) error {
	expanded := types.TimeRange{From: gap.From.AddDate(0, 0, -1), To: gap.To}
	expectedDays := expanded.DurationDays() + 1

	bars, err := p.priceStore.FindByRange(ctx, req.Instrument, expanded)
	if err != nil {
		return &types.PersistenceFailureError{Op: "marketdata.findByRange", Err: err}
	}

	if len(bars) < expectedDays {
		if p.fetcher == nil {
			return &types.PriceDataUnavailableError{Instrument: req.Instrument, Day: gap.From}
		}
		if err := p.fetcher.FetchMissing(ctx, req.Instrument, expanded, req.ExecutionID); err != nil {
			return &types.PriceDataUnavailableError{Instrument: req.Instrument, Day: gap.From}
		}
		bars, err = p.priceStore.FindByRange(ctx, req.Instrument, expanded)
		if err != nil {
			return &types.PersistenceFailureError{Op: "marketdata.findByRange", Err: err}
		}
	}

	barsByDay := make(map[time.Time]types.Bar, len(bars))
	for _, bar := range bars {
		barsByDay[bar.DayKey()] = bar
	}

	meanDiffOC := fallbackMean
	if req.Model != nil {
		meanDiffOC = req.Model.MeanDiffOC()
	}

	for d := gap.From; !d.After(gap.To); d = d.AddDate(0, 0, 1) {
		cur, ok := barsByDay[d]
		prev, okPrev := barsByDay[d.AddDate(0, 0, -1)]
		if !ok || !okPrev {
			return &types.PriceDataUnavailableError{Instrument: req.Instrument, Day: d}
		}

		record := ComputeRecord(req.Instrument, d, cur, prev, meanDiffOC, req.CalculationVersion)

		if err := p.store.Upsert(ctx, record); err != nil {
			return &types.PersistenceFailureError{Op: "masterdata.upsert", Err: err}
		}

		if existing, ok := working[d]; !ok || !existing.HasDifferences() || record.HasDifferences() {
			working[d] = record
		}
	}

	if p.logger != nil {
		p.logger.Debug("master-data gap back-filled",
			zap.String("instrument", string(req.Instrument)),
			zap.Time("from", gap.From), zap.Time("to", gap.To),
		)
	}
	return nil
}

// fallbackMeanDiffOC computes the sample mean of diffOC over whatever
// records are already on hand, used only when the caller has no model
// artifact yet to supply meanDiffOC.
func (p *Pipeline) fallbackMeanDiffOC(working map[time.Time]Record) decimal.Decimal {
	var values []float64
	for _, rec := range working {
		if rec.HasDiffOC {
			values = append(values, rec.DiffOC.InexactFloat64())
		}
	}
	if len(values) == 0 {
		return decimal.Zero
	}
	mean := stat.Mean(values, nil)
	return decimal.NewFromFloat(mean)
}

// dayRange is a closed [From, To] day interval, used internally for
// back-fill gaps (as opposed to types.TimeRange's half-open convention used
// elsewhere in this package).
type dayRange struct {
	From time.Time
	To   time.Time
}

// findMissingRanges collapses requiredDates (ascending, contiguous days)
// lacking an entry in working into maximal contiguous dayRanges.
func findMissingRanges(requiredDates []time.Time, working map[time.Time]Record) []dayRange {
	var out []dayRange
	var cur *dayRange
	for _, d := range requiredDates {
		if _, ok := working[d]; ok {
			if cur != nil {
				out = append(out, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &dayRange{From: d, To: d}
		} else {
			cur.To = d
		}
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func fullyCovered(requiredDates []time.Time, working map[time.Time]Record) bool {
	for _, d := range requiredDates {
		if _, ok := working[d]; !ok {
			return false
		}
	}
	return true
}

func sortedRecords(working map[time.Time]Record) []Record {
	out := make([]Record, 0, len(working))
	for _, rec := range working {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
