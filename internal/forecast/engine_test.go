package forecast_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/forecast"
	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/internal/masterdata"
	"github.com/atlas-quant/forecast-backend/internal/model"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse day %q: %v", s, err)
	}
	return d
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func mustBar(t *testing.T, day time.Time, open, close string) types.Bar {
	t.Helper()
	return types.Bar{
		Open:      types.MustPrice(mustDecimal(t, open), "USD"),
		High:      types.MustPrice(mustDecimal(t, open), "USD"),
		Low:       types.MustPrice(mustDecimal(t, close), "USD"),
		Close:     types.MustPrice(mustDecimal(t, close), "USD"),
		Volume:    decimal.NewFromInt(1),
		Timestamp: day,
	}
}

func masterRecord(t *testing.T, inst types.Instrument, day time.Time, oc, demean string) masterdata.Record {
	t.Helper()
	return masterdata.Record{
		Instrument:      inst,
		Timestamp:       day,
		OpenPrice:       types.MustPrice(mustDecimal(t, "100"), "USD"),
		ClosePrice:      types.MustPrice(mustDecimal(t, "100").Sub(mustDecimal(t, oc)), "USD"),
		OC:              mustDecimal(t, oc),
		HasDiffOC:       true,
		DiffOC:          mustDecimal(t, demean),
		HasDemeanDiffOC: true,
		DemeanDiffOC:    mustDecimal(t, demean),
	}
}

func twoLagArtifact() model.Artifact {
	return model.Artifact{
		Instrument:      types.BTC,
		POrder:          2,
		Coefficients:    []decimal.Decimal{decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.3)},
		MeanDiffOCValue: decimal.NewFromFloat(1.0),
		Sigma2:          decimal.NewFromFloat(0.04),
		ModelVersion:    "20260101",
	}
}

func TestSignConventionPinnedOpenMinusClose(t *testing.T) {
	day := mustDay(t, "2026-01-02")
	prevDay := mustDay(t, "2026-01-01")
	cur := mustBar(t, day, "105", "100")
	prev := mustBar(t, prevDay, "110", "108")

	rec := masterdata.ComputeRecord(types.BTC, day, cur, prev, decimal.Zero, "v1")

	// oc = open - close, never close - open.
	wantOC := mustDecimal(t, "5")
	if !rec.OC.Equal(wantOC) {
		t.Fatalf("OC = %s, want %s (oc must be open-close)", rec.OC, wantOC)
	}
	wantOCPrev := mustDecimal(t, "2")
	wantDiffOC := wantOC.Sub(wantOCPrev)
	if !rec.DiffOC.Equal(wantDiffOC) {
		t.Fatalf("DiffOC = %s, want %s", rec.DiffOC, wantDiffOC)
	}
}

func TestSingleDateHappyPath(t *testing.T) {
	artifact := twoLagArtifact()
	engine := forecast.NewEngine(marketdata.NewMemoryStore(), masterdata.NewMemoryStore(), zap.NewNop())

	// L1 = demeanDiffOC(targetDate-1) = "3", L2 = demeanDiffOC(targetDate-2) = "2".
	basis := masterRecord(t, types.BTC, mustDay(t, "2026-01-01"), "4", "3")
	lag2 := masterRecord(t, types.BTC, mustDay(t, "2025-12-31"), "1", "2")
	master := []masterdata.Record{lag2, basis}

	req := forecast.SingleDateRequest{
		Instrument:  types.BTC,
		Master:      master,
		Model:       artifact,
		TargetDate:  mustDay(t, "2026-01-02"),
		ExecutionID: "exec-2",
	}
	result, err := engine.SingleDate(context.Background(), req)
	if err != nil {
		t.Fatalf("SingleDate: %v", err)
	}
	if result.Status != forecast.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS: %s", result.Status, result.ErrorMessage)
	}

	wantPredDemeanDiff := artifact.MeanDiffOCValue.
		Add(decimal.NewFromFloat(0.5).Mul(mustDecimal(t, "3"))).
		Add(decimal.NewFromFloat(0.3).Mul(mustDecimal(t, "2")))
	if !result.PredictedDiffOC.Equal(wantPredDemeanDiff) {
		t.Fatalf("PredictedDiffOC = %s, want %s", result.PredictedDiffOC, wantPredDemeanDiff)
	}

	wantPredOC := wantPredDemeanDiff.Add(basis.OC)
	if !result.PredictedOC.Equal(wantPredOC) {
		t.Fatalf("PredictedOC = %s, want %s", result.PredictedOC, wantPredOC)
	}
	if result.Diagnostics.StaleBasisDays != 0 {
		t.Fatalf("StaleBasisDays = %d, want 0 (exact prior-day basis available)", result.Diagnostics.StaleBasisDays)
	}
}

func TestSingleDateSelfHealRecoversZeroLag(t *testing.T) {
	artifact := twoLagArtifact()
	priceStore := marketdata.NewMemoryStore()
	masterStore := masterdata.NewMemoryStore()
	engine := forecast.NewEngine(priceStore, masterStore, zap.NewNop())

	lag1Day := mustDay(t, "2026-01-01")
	lag1PrevDay := mustDay(t, "2025-12-31")
	ctx := context.Background()
	if _, err := priceStore.UpsertAll(ctx, types.BTC, []types.Bar{
		mustBar(t, lag1PrevDay, "100", "100"),
		mustBar(t, lag1Day, "106", "100"),
	}); err != nil {
		t.Fatalf("seed bars: %v", err)
	}

	// lag1 record looks present but carries a zero DemeanDiffOC, which
	// SingleDate treats as "needs self-heal" rather than a genuine zero.
	zeroLag := masterRecord(t, types.BTC, lag1Day, "0", "0")
	lag2 := masterRecord(t, types.BTC, mustDay(t, "2025-12-30"), "1", "2")
	master := []masterdata.Record{lag2, zeroLag}

	req := forecast.SingleDateRequest{
		Instrument:  types.BTC,
		Master:      master,
		Model:       artifact,
		TargetDate:  mustDay(t, "2026-01-02"),
		ExecutionID: "exec-3",
	}
	result, err := engine.SingleDate(ctx, req)
	if err != nil {
		t.Fatalf("SingleDate: %v", err)
	}
	if result.Status != forecast.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS: %s", result.Status, result.ErrorMessage)
	}

	healed, ok, err := masterStore.LatestTimestamp(ctx, types.BTC, artifact.ModelVersion)
	if err != nil || !ok {
		t.Fatalf("expected self-heal to persist a record, got ok=%v err=%v", ok, err)
	}
	if !healed.Equal(lag1Day) {
		t.Fatalf("healed record day = %s, want %s", healed, lag1Day)
	}
}

func TestSingleDateLagExtractionFailedIsBusinessFailureNotError(t *testing.T) {
	artifact := twoLagArtifact()
	// No bars seeded in priceStore, so self-heal can never succeed.
	engine := forecast.NewEngine(marketdata.NewMemoryStore(), masterdata.NewMemoryStore(), zap.NewNop())

	zeroLag := masterRecord(t, types.BTC, mustDay(t, "2026-01-01"), "0", "0")
	lag2 := masterRecord(t, types.BTC, mustDay(t, "2025-12-30"), "1", "2")
	master := []masterdata.Record{lag2, zeroLag}

	req := forecast.SingleDateRequest{
		Instrument:  types.BTC,
		Master:      master,
		Model:       artifact,
		TargetDate:  mustDay(t, "2026-01-02"),
		ExecutionID: "exec-4",
	}
	result, err := engine.SingleDate(context.Background(), req)
	if err != nil {
		t.Fatalf("SingleDate returned structural error %v, want a FAILED result instead", err)
	}
	if result.Status != forecast.StatusFailed {
		t.Fatalf("status = %s, want FAILED", result.Status)
	}
	if result.ErrorMessage == "" {
		t.Fatal("expected a populated ErrorMessage on business failure")
	}
}

func TestSingleDateInstrumentMismatchIsStructuralError(t *testing.T) {
	artifact := twoLagArtifact() // BTC
	engine := forecast.NewEngine(marketdata.NewMemoryStore(), masterdata.NewMemoryStore(), zap.NewNop())

	req := forecast.SingleDateRequest{
		Instrument:  types.ETH,
		Master:      []masterdata.Record{masterRecord(t, types.ETH, mustDay(t, "2026-01-01"), "1", "1"), masterRecord(t, types.ETH, mustDay(t, "2025-12-31"), "1", "1")},
		Model:       artifact,
		TargetDate:  mustDay(t, "2026-01-02"),
		ExecutionID: "exec-5",
	}
	_, err := engine.SingleDate(context.Background(), req)
	if err == nil {
		t.Fatal("expected a structural error for instrument/model mismatch")
	}
	if _, ok := err.(*types.InvalidRequestError); !ok {
		t.Fatalf("err = %T, want *types.InvalidRequestError", err)
	}
}

func TestSingleDateMasterTooShortIsStructuralError(t *testing.T) {
	artifact := twoLagArtifact()
	engine := forecast.NewEngine(marketdata.NewMemoryStore(), masterdata.NewMemoryStore(), zap.NewNop())

	req := forecast.SingleDateRequest{
		Instrument:  types.BTC,
		Master:      []masterdata.Record{masterRecord(t, types.BTC, mustDay(t, "2026-01-01"), "1", "1")},
		Model:       artifact,
		TargetDate:  mustDay(t, "2026-01-02"),
		ExecutionID: "exec-6",
	}
	_, err := engine.SingleDate(context.Background(), req)
	if err == nil {
		t.Fatal("expected a structural error when master is shorter than p")
	}
	if _, ok := err.(*types.InvalidRequestError); !ok {
		t.Fatalf("err = %T, want *types.InvalidRequestError", err)
	}
}

func TestRangeSubstitutesMissingLagsAndScoresConfidence(t *testing.T) {
	artifact := twoLagArtifact()
	engine := forecast.NewEngine(marketdata.NewMemoryStore(), masterdata.NewMemoryStore(), zap.NewNop())

	start := mustDay(t, "2026-02-01")
	end := mustDay(t, "2026-02-03")

	// Only seed master data for 2026-01-31 and 2026-02-01; with p=2,
	// 2026-02-01 (needs 2026-01-30) and 2026-02-03 (needs 2026-02-02) have
	// their lags substituted with zero.
	byDay := map[time.Time]masterdata.Record{
		mustDay(t, "2026-01-31"): masterRecord(t, types.BTC, mustDay(t, "2026-01-31"), "1", "2"),
		mustDay(t, "2026-02-01"): masterRecord(t, types.BTC, mustDay(t, "2026-02-01"), "2", "3"),
	}

	result, err := engine.Range(context.Background(), forecast.RangeRequest{
		Instrument:  types.BTC,
		MasterByDay: byDay,
		Model:       artifact,
		StartDate:   start,
		EndDate:     end,
		ExecutionID: "exec-7",
	})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(result.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(result.Results))
	}
	if len(result.MissingLagSubstituted) == 0 {
		t.Fatal("expected at least one day with a substituted lag")
	}
	if result.Confidence <= 0 || result.Confidence > 0.7 {
		t.Fatalf("Confidence = %f, want in (0, 0.7]", result.Confidence)
	}
}

func TestRangeRejectsNonForwardDates(t *testing.T) {
	artifact := twoLagArtifact()
	engine := forecast.NewEngine(marketdata.NewMemoryStore(), masterdata.NewMemoryStore(), zap.NewNop())

	_, err := engine.Range(context.Background(), forecast.RangeRequest{
		Instrument:  types.BTC,
		MasterByDay: map[time.Time]masterdata.Record{},
		Model:       artifact,
		StartDate:   mustDay(t, "2026-02-03"),
		EndDate:     mustDay(t, "2026-02-01"),
		ExecutionID: "exec-8",
	})
	if err == nil {
		t.Fatal("expected an error when endDate precedes startDate")
	}
}
