package ingestion_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/exchange"
	"github.com/atlas-quant/forecast-backend/internal/ingestion"
	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// fakeSource is a scripted DataSource: FetchHistoricalData returns the
// error failOnKey holds for a request's From..To key if there is one, and
// otherwise whatever chunks holds for that key.
type fakeSource struct {
	id        string
	chunks    map[string][]types.Bar
	failOnKey map[string]error
}

func (f *fakeSource) key(r types.TimeRange) string {
	return r.From.Format("2006-01-02") + ".." + r.To.Format("2006-01-02")
}

func (f *fakeSource) FetchHistoricalData(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]types.Bar, error) {
	k := f.key(r)
	if err, ok := f.failOnKey[k]; ok {
		return nil, err
	}
	return f.chunks[k], nil
}

func (f *fakeSource) FetchLatestData(ctx context.Context, instrument types.Instrument) (types.Bar, error) {
	return types.Bar{}, nil
}
func (f *fakeSource) SupportsInstrument(instrument types.Instrument) bool { return true }
func (f *fakeSource) DataSourceID() string                                { return f.id }
func (f *fakeSource) Healthy(ctx context.Context) bool                    { return true }

func dailyBars(t *testing.T, from string, n int) []types.Bar {
	t.Helper()
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		t.Fatalf("parse %q: %v", from, err)
	}
	bars := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = types.Bar{
			Open:      types.MustPrice(decimal.NewFromInt(100), "USD"),
			High:      types.MustPrice(decimal.NewFromInt(110), "USD"),
			Low:       types.MustPrice(decimal.NewFromInt(95), "USD"),
			Close:     types.MustPrice(decimal.NewFromInt(105), "USD"),
			Volume:    decimal.NewFromInt(1000),
			Timestamp: start.AddDate(0, 0, i),
		}
	}
	return bars
}

func TestRunFreshIngestionPersistsAllBars(t *testing.T) {
	ctx := context.Background()
	r, err := types.FromDates(mustDate(t, "2024-01-01"), mustDate(t, "2024-01-10"))
	if err != nil {
		t.Fatalf("FromDates: %v", err)
	}

	source := &fakeSource{
		id:     "fixture",
		chunks: map[string][]types.Bar{fmt2(r): dailyBars(t, "2024-01-01", 10)},
	}
	factory := exchange.NewFactory()
	factory.Register(source)

	store := marketdata.NewMemoryStore()
	pipeline := ingestion.NewPipeline(factory, store, nil, ingestion.DefaultConfig(), zap.NewNop())

	report, err := pipeline.Run(ctx, ingestion.Request{
		Instruments: []types.Instrument{types.BTC},
		Range:       r,
		SourceID:    "fixture",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcome, ok := report.PerInstrument[types.BTC]
	if !ok {
		t.Fatal("no outcome for BTC")
	}
	if !outcome.Success {
		t.Fatalf("outcome not successful: %+v", outcome)
	}
	if outcome.Processed != 10 {
		t.Errorf("Processed = %d, want 10", outcome.Processed)
	}
	if outcome.Quality.Level() != marketdata.QualityExcellent {
		t.Errorf("quality level = %s, want EXCELLENT", outcome.Quality.Level())
	}

	stored, err := store.FindByRange(ctx, types.BTC, r)
	if err != nil {
		t.Fatalf("FindByRange: %v", err)
	}
	if len(stored) != 10 {
		t.Fatalf("stored bars = %d, want 10", len(stored))
	}
}

func TestRunPartialExternalFailureStillPersistsOtherChunks(t *testing.T) {
	ctx := context.Background()
	full, err := types.FromDates(mustDate(t, "2024-01-01"), mustDate(t, "2024-03-31"))
	if err != nil {
		t.Fatalf("FromDates: %v", err)
	}

	config := ingestion.DefaultConfig()
	config.ChunkDays = 30
	config.ChunkDelay = 0
	chunks := full.SplitIntoDays(config.ChunkDays)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}

	source := &fakeSource{
		id:        "fixture",
		chunks:    make(map[string][]types.Bar),
		failOnKey: make(map[string]error),
	}
	for i, c := range chunks {
		if i == 1 {
			source.failOnKey[source.key(c)] = &types.ExternalFetchFailedError{SourceID: "fixture", Symbol: "BTCUSDT"}
			continue
		}
		days := c.DurationDays()
		source.chunks[source.key(c)] = dailyBars(t, c.From.Format("2006-01-02"), days)
	}

	factory := exchange.NewFactory()
	factory.Register(source)
	store := marketdata.NewMemoryStore()
	pipeline := ingestion.NewPipeline(factory, store, nil, config, zap.NewNop())

	report, err := pipeline.Run(ctx, ingestion.Request{
		Instruments: []types.Instrument{types.BTC},
		Range:       full,
		SourceID:    "fixture",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcome := report.PerInstrument[types.BTC]
	if !outcome.Success {
		t.Fatalf("outcome not successful despite partial data: %+v", outcome)
	}
	if outcome.Processed == 0 {
		t.Fatal("expected nonzero processed bars from the two surviving chunks")
	}
	if len(outcome.Warnings) == 0 {
		t.Error("expected a warning recording the skipped chunk")
	}
}

func TestRunZeroBarsObtainedIsReportedAsFailure(t *testing.T) {
	ctx := context.Background()
	r, _ := types.FromDates(mustDate(t, "2024-01-01"), mustDate(t, "2024-01-05"))

	source := &fakeSource{
		id:        "fixture",
		failOnKey: map[string]error{},
	}
	source.failOnKey[source.key(r)] = &types.ExternalFetchFailedError{SourceID: "fixture", Symbol: "BTCUSDT"}

	factory := exchange.NewFactory()
	factory.Register(source)
	store := marketdata.NewMemoryStore()
	config := ingestion.DefaultConfig()
	config.ChunkDelay = 0
	pipeline := ingestion.NewPipeline(factory, store, nil, config, zap.NewNop())

	report, err := pipeline.Run(ctx, ingestion.Request{
		Instruments: []types.Instrument{types.BTC},
		Range:       r,
		SourceID:    "fixture",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	outcome := report.PerInstrument[types.BTC]
	if outcome.Success {
		t.Fatal("expected failure when zero bars were ever obtained")
	}
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return d
}

func fmt2(r types.TimeRange) string {
	return r.From.Format("2006-01-02") + ".." + r.To.Format("2006-01-02")
}
