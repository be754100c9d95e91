package masterdata_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/internal/masterdata"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// countingFetcher records how many times FetchMissing is called — used to
// assert idempotency (a second Prepare call with full C4 coverage must
// never touch C3 again).
type countingFetcher struct {
	calls int
	err   error
}

func (f *countingFetcher) FetchMissing(ctx context.Context, instrument types.Instrument, r types.TimeRange, executionID string) error {
	f.calls++
	return f.err
}

func mustPrice(t *testing.T, v string) types.Price {
	t.Helper()
	return types.MustPrice(decimal.RequireFromString(v), "USD")
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

// seedVaryingBars inserts n consecutive daily bars from "from", open fixed
// at 100 and close walking by 1 per day, so oc(d) = -dayOffset and
// diffOC(d) = -1 for every day after the first.
func seedVaryingBars(t *testing.T, store *marketdata.MemoryStore, instrument types.Instrument, from string, n int) {
	t.Helper()
	start := mustDate(t, from)
	bars := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = types.Bar{
			Open:      mustPrice(t, "100"),
			High:      mustPrice(t, "120"),
			Low:       mustPrice(t, "80"),
			Close:     mustPrice(t, decimal.NewFromInt(int64(100+i)).String()),
			Volume:    decimal.NewFromInt(1000),
			Timestamp: start.AddDate(0, 0, i),
		}
	}
	if _, err := store.UpsertAll(context.Background(), instrument, bars); err != nil {
		t.Fatalf("seed UpsertAll: %v", err)
	}
}

func TestPrepareComputesDiffOCAndDemeanOverFullyAvailableBars(t *testing.T) {
	ctx := context.Background()
	prices := marketdata.NewMemoryStore()
	seedVaryingBars(t, prices, types.BTC, "2024-01-01", 11) // Jan1..Jan11

	master := masterdata.NewMemoryStore()
	pipeline := masterdata.NewPipeline(master, prices, nil, zap.NewNop())

	r, err := types.FromDates(mustDate(t, "2024-01-02"), mustDate(t, "2024-01-10"))
	if err != nil {
		t.Fatalf("FromDates: %v", err)
	}

	records, err := pipeline.Prepare(ctx, masterdata.Request{
		Instrument:         types.BTC,
		Range:              r,
		RequiredPoints:     9,
		CalculationVersion: "v1",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(records) != 9 {
		t.Fatalf("len(records) = %d, want 9", len(records))
	}

	for i, rec := range records {
		if !rec.HasDifferences() {
			t.Fatalf("record %d missing differences: %+v", i, rec)
		}
		if !rec.DiffOC.Equal(decimal.NewFromInt(-1)) {
			t.Errorf("record %d diffOC = %s, want -1", i, rec.DiffOC)
		}
		if !rec.DemeanDiffOC.Equal(rec.DiffOC.Sub(rec.MeanDiffOC)) {
			t.Errorf("record %d demeanDiffOC does not equal diffOC - meanDiffOC", i)
		}
	}
}

func TestPrepareSecondRunIsIdempotentAndFetchesNothing(t *testing.T) {
	ctx := context.Background()
	prices := marketdata.NewMemoryStore()
	seedVaryingBars(t, prices, types.BTC, "2024-01-01", 11)

	master := masterdata.NewMemoryStore()
	fetcher := &countingFetcher{}
	pipeline := masterdata.NewPipeline(master, prices, fetcher, zap.NewNop())

	r, _ := types.FromDates(mustDate(t, "2024-01-02"), mustDate(t, "2024-01-10"))
	req := masterdata.Request{Instrument: types.BTC, Range: r, RequiredPoints: 9, CalculationVersion: "v1"}

	first, err := pipeline.Prepare(ctx, req)
	if err != nil {
		t.Fatalf("first Prepare: %v", err)
	}

	second, err := pipeline.Prepare(ctx, req)
	if err != nil {
		t.Fatalf("second Prepare: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("record counts differ: %d vs %d", len(first), len(second))
	}
	if fetcher.calls != 0 {
		t.Errorf("fetcher called %d times on the already-covered second run, want 0", fetcher.calls)
	}
}

func TestPrepareInsufficientMasterDataFailsSufficiencyCheck(t *testing.T) {
	ctx := context.Background()
	prices := marketdata.NewMemoryStore()
	seedVaryingBars(t, prices, types.BTC, "2024-01-01", 5)

	master := masterdata.NewMemoryStore()
	pipeline := masterdata.NewPipeline(master, prices, nil, zap.NewNop())

	r, _ := types.FromDates(mustDate(t, "2024-01-02"), mustDate(t, "2024-01-04"))
	_, err := pipeline.Prepare(ctx, masterdata.Request{
		Instrument:         types.BTC,
		Range:              r,
		RequiredPoints:     100,
		CalculationVersion: "v1",
	})
	if err == nil {
		t.Fatal("expected InsufficientMasterDataError, got nil")
	}
	if _, ok := err.(*types.InsufficientMasterDataError); !ok {
		t.Fatalf("expected *types.InsufficientMasterDataError, got %T: %v", err, err)
	}
}

func TestPrepareSurfacesPriceDataUnavailableWhenFetchFails(t *testing.T) {
	ctx := context.Background()
	prices := marketdata.NewMemoryStore() // empty: every day is missing.

	master := masterdata.NewMemoryStore()
	fetcher := &countingFetcher{err: &types.ExternalFetchFailedError{SourceID: "fixture", Symbol: "BTCUSD"}}
	pipeline := masterdata.NewPipeline(master, prices, fetcher, zap.NewNop())

	r, _ := types.FromDates(mustDate(t, "2024-01-02"), mustDate(t, "2024-01-04"))
	_, err := pipeline.Prepare(ctx, masterdata.Request{
		Instrument:         types.BTC,
		Range:              r,
		RequiredPoints:     3,
		CalculationVersion: "v1",
	})
	if err == nil {
		t.Fatal("expected PriceDataUnavailableError, got nil")
	}
	if _, ok := err.(*types.PriceDataUnavailableError); !ok {
		t.Fatalf("expected *types.PriceDataUnavailableError, got %T: %v", err, err)
	}
	if fetcher.calls == 0 {
		t.Error("expected the fetcher to have been invoked")
	}
}
