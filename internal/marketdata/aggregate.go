package marketdata

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/events"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// Aggregate is the market-instrument aggregate: one instrument's
// identity, its backing store partition, and the quality metrics derived
// from the last AddBars call. It is the unit the ingestion pipeline (C3)
// talks to, keeping the bookkeeping (dedup counting, quality recompute,
// event emission) out of the raw Store contract.
type Aggregate struct {
	mu          sync.Mutex
	Instrument  types.Instrument
	store       Store
	bus         *events.EventBus
	logger      *zap.Logger
	dataSource  string
	lastQuality QualityMetrics
	lastUpdated time.Time
}

// NewAggregate builds the aggregate for one instrument. bus may be nil, in
// which case AddBars skips event emission (the tests rely on this).
func NewAggregate(instrument types.Instrument, store Store, bus *events.EventBus, logger *zap.Logger) *Aggregate {
	return &Aggregate{
		Instrument: instrument,
		store:      store,
		bus:        bus,
		logger:     logger,
	}
}

// AddBars performs the currency-consistency check, merges bars into the
// store (timestamp-deduplicating via upsert), recomputes quality metrics
// against the full stored range, and — if a bus is attached — emits
// MarketDataUpdated. Returns the number of genuinely new bars persisted.
func (a *Aggregate) AddBars(ctx context.Context, bars []types.Bar, dataSource string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, bar := range bars {
		if err := bar.Validate(a.Instrument); err != nil {
			return 0, err
		}
	}

	duplicatesObserved := 0
	seen := make(map[time.Time]struct{}, len(bars))
	for _, bar := range bars {
		key := bar.DayKey()
		if _, ok := seen[key]; ok {
			duplicatesObserved++
		}
		seen[key] = struct{}{}
	}

	added, err := a.store.UpsertAll(ctx, a.Instrument, bars)
	if err != nil {
		return 0, &types.PersistenceFailureError{Op: "marketdata.upsertAll", Err: err}
	}

	now := time.Now().UTC()
	a.dataSource = dataSource
	a.lastUpdated = now

	earliest, hasEarliest, err := a.store.Earliest(ctx, a.Instrument)
	if err == nil && hasEarliest {
		latest, _, _ := a.store.Latest(ctx, a.Instrument)
		span, rangeErr := types.NewTimeRange(earliest.Timestamp, latest.Timestamp)
		if rangeErr == nil {
			expectedDays := span.DurationDays() + 1
			storedDays, _ := a.store.CountByRange(ctx, a.Instrument, span)
			a.lastQuality = computeQualityMetrics(expectedDays, storedDays, duplicatesObserved, dataSource, now)
		}
	}

	if a.bus != nil && added > 0 {
		a.bus.Publish(events.NewMarketDataUpdatedEvent(a.Instrument, added, now))
	}

	if a.logger != nil {
		a.logger.Debug("market data merged",
			zap.String("instrument", string(a.Instrument)),
			zap.Int("submitted", len(bars)),
			zap.Int("added", added),
			zap.String("quality_level", string(a.lastQuality.Level())),
		)
	}

	return added, nil
}

// Quality returns the most recently computed QualityMetrics for this
// instrument. Zero value before the first AddBars call.
func (a *Aggregate) Quality() QualityMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastQuality
}

// LastUpdated returns the timestamp of the most recent AddBars call.
func (a *Aggregate) LastUpdated() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdated
}
