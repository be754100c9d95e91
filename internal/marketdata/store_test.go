package marketdata_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/events"
	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

func mustPrice(t *testing.T, v string) types.Price {
	t.Helper()
	return types.MustPrice(decimal.RequireFromString(v), "USD")
}

func barAt(t *testing.T, day string, open, high, low, close string) types.Bar {
	t.Helper()
	ts, err := time.Parse("2006-01-02", day)
	if err != nil {
		t.Fatalf("parse day: %v", err)
	}
	return types.Bar{
		Open:      mustPrice(t, open),
		High:      mustPrice(t, high),
		Low:       mustPrice(t, low),
		Close:     mustPrice(t, close),
		Volume:    decimal.NewFromInt(100),
		Timestamp: ts,
	}
}

func TestUpsertAllIsIdempotentAndReportsOnlyNewTimestamps(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemoryStore()

	bars := []types.Bar{
		barAt(t, "2024-01-01", "100", "110", "95", "105"),
		barAt(t, "2024-01-02", "105", "115", "100", "110"),
	}

	added, err := store.UpsertAll(ctx, types.BTC, bars)
	if err != nil {
		t.Fatalf("UpsertAll: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	// Re-submitting the same timestamp with a changed close must overwrite
	// in place (last-write-wins) without counting as newly added.
	revised := barAt(t, "2024-01-01", "100", "112", "95", "108")
	added, err = store.UpsertAll(ctx, types.BTC, []types.Bar{revised})
	if err != nil {
		t.Fatalf("UpsertAll (revision): %v", err)
	}
	if added != 0 {
		t.Fatalf("added on revision = %d, want 0", added)
	}

	r, _ := types.FromDates(mustDate(t, "2024-01-01"), mustDate(t, "2024-01-02"))
	got, err := store.FindByRange(ctx, types.BTC, r)
	if err != nil {
		t.Fatalf("FindByRange: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if !got[0].Close.Amount.Equal(decimal.RequireFromString("108")) {
		t.Errorf("revised close not applied: got %s", got[0].Close.Amount)
	}
}

func TestFindByRangeReturnsAscendingOrder(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemoryStore()

	// Insert out of order; FindByRange must still return ascending.
	bars := []types.Bar{
		barAt(t, "2024-01-03", "100", "110", "95", "105"),
		barAt(t, "2024-01-01", "100", "110", "95", "105"),
		barAt(t, "2024-01-02", "100", "110", "95", "105"),
	}
	if _, err := store.UpsertAll(ctx, types.BTC, bars); err != nil {
		t.Fatalf("UpsertAll: %v", err)
	}

	r, _ := types.FromDates(mustDate(t, "2024-01-01"), mustDate(t, "2024-01-03"))
	got, err := store.FindByRange(ctx, types.BTC, r)
	if err != nil {
		t.Fatalf("FindByRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("bars not strictly ascending at index %d", i)
		}
	}
}

func TestHasRangeRequiresEveryCalendarDay(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemoryStore()

	bars := []types.Bar{
		barAt(t, "2024-01-01", "100", "110", "95", "105"),
		barAt(t, "2024-01-03", "100", "110", "95", "105"),
	}
	if _, err := store.UpsertAll(ctx, types.BTC, bars); err != nil {
		t.Fatalf("UpsertAll: %v", err)
	}

	r, _ := types.FromDates(mustDate(t, "2024-01-01"), mustDate(t, "2024-01-03"))
	has, err := store.HasRange(ctx, types.BTC, r)
	if err != nil {
		t.Fatalf("HasRange: %v", err)
	}
	if has {
		t.Error("HasRange = true, want false (2024-01-02 is missing)")
	}
}

func TestAggregateRejectsCurrencyMismatch(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemoryStore()
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	defer bus.Stop()

	agg := marketdata.NewAggregate(types.BTC, store, bus, zap.NewNop())

	bad := barAt(t, "2024-01-01", "100", "110", "95", "105")
	bad.Open.Currency = "EUR"

	if _, err := agg.AddBars(ctx, []types.Bar{bad}, "test-source"); err == nil {
		t.Fatal("expected currency-mismatch error, got nil")
	}
}

func TestAggregateEmitsMarketDataUpdated(t *testing.T) {
	ctx := context.Background()
	store := marketdata.NewMemoryStore()
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	defer bus.Stop()

	received := make(chan *events.MarketDataUpdatedEvent, 1)
	bus.Subscribe(events.EventTypeMarketDataUpdated, func(e events.Event) error {
		received <- e.(*events.MarketDataUpdatedEvent)
		return nil
	}, events.SubscriptionOptions{Async: false})

	agg := marketdata.NewAggregate(types.BTC, store, bus, zap.NewNop())
	bars := []types.Bar{
		barAt(t, "2024-01-01", "100", "110", "95", "105"),
		barAt(t, "2024-01-02", "105", "115", "100", "110"),
	}

	added, err := agg.AddBars(ctx, bars, "binance")
	if err != nil {
		t.Fatalf("AddBars: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	select {
	case evt := <-received:
		if evt.Added != 2 {
			t.Errorf("event.Added = %d, want 2", evt.Added)
		}
		if evt.Instrument != types.BTC {
			t.Errorf("event.Instrument = %s, want BTC", evt.Instrument)
		}
	case <-time.After(time.Second):
		t.Fatal("MarketDataUpdated was not published within the timeout")
	}

	quality := agg.Quality()
	if quality.Level() != marketdata.QualityExcellent {
		t.Errorf("quality level = %s, want EXCELLENT for a fully dense 2-day range", quality.Level())
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
