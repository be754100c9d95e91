// Package marketdata implements the per-instrument OHLCV store (raw price
// history) and the derived data-quality bookkeeping layered on top of it.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// Store is the market-data store contract: a per-instrument, append-mostly
// sequence of daily OHLCV bars keyed by timestamp. Implementations
// partition physically per instrument (separate tables, or in the memory
// implementation separate maps) to isolate scans and hot paths.
type Store interface {
	// UpsertAll persists bars atomically as a single batch. On duplicate
	// timestamp within the store, the incoming bar wins field by field
	// (last-write-wins). Returns the count of genuinely new timestamps.
	UpsertAll(ctx context.Context, instrument types.Instrument, bars []types.Bar) (added int, err error)

	// FindByRange returns bars in [r.From, r.To] ascending by timestamp.
	FindByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]types.Bar, error)

	// FindTimestampsByRange is a lightweight projection used by gap
	// detection, avoiding a full bar materialization.
	FindTimestampsByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]time.Time, error)

	Latest(ctx context.Context, instrument types.Instrument) (types.Bar, bool, error)
	Earliest(ctx context.Context, instrument types.Instrument) (types.Bar, bool, error)

	CountByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) (int, error)

	// HasRange reports whether every UTC calendar day in r.Days() has a
	// stored bar.
	HasRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) (bool, error)

	// DeleteAll is an administrative operation: wipes one instrument's
	// entire series.
	DeleteAll(ctx context.Context, instrument types.Instrument) error
}

// MemoryStore is an in-process Store backed by one map per instrument,
// guarded by its own lock so concurrent writers to BTC and ETH never
// contend on the same mutex. Reads observe a write as soon as its
// UpsertAll call returns (monotonic-read guarantee).
type MemoryStore struct {
	partitions map[types.Instrument]*partition
}

type partition struct {
	mu   sync.RWMutex
	bars map[time.Time]types.Bar
}

// NewMemoryStore builds an empty store with one partition per known
// instrument.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{partitions: make(map[types.Instrument]*partition)}
	for _, inst := range types.AllInstruments() {
		s.partitions[inst] = &partition{bars: make(map[time.Time]types.Bar)}
	}
	return s
}

func (s *MemoryStore) partitionFor(instrument types.Instrument) *partition {
	p, ok := s.partitions[instrument]
	if !ok {
		p = &partition{bars: make(map[time.Time]types.Bar)}
		s.partitions[instrument] = p
	}
	return p
}

func (s *MemoryStore) UpsertAll(ctx context.Context, instrument types.Instrument, bars []types.Bar) (int, error) {
	p := s.partitionFor(instrument)
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, bar := range bars {
		key := bar.DayKey()
		if _, exists := p.bars[key]; !exists {
			added++
		}
		p.bars[key] = bar
	}
	return added, nil
}

func (s *MemoryStore) FindByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]types.Bar, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []types.Bar
	for ts, bar := range p.bars {
		if r.Contains(ts) {
			out = append(out, bar)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) FindTimestampsByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]time.Time, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []time.Time
	for ts := range p.bars {
		if r.Contains(ts) {
			out = append(out, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *MemoryStore) Latest(ctx context.Context, instrument types.Instrument) (types.Bar, bool, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var latest types.Bar
	found := false
	for _, bar := range p.bars {
		if !found || bar.Timestamp.After(latest.Timestamp) {
			latest = bar
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) Earliest(ctx context.Context, instrument types.Instrument) (types.Bar, bool, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var earliest types.Bar
	found := false
	for _, bar := range p.bars {
		if !found || bar.Timestamp.Before(earliest.Timestamp) {
			earliest = bar
			found = true
		}
	}
	return earliest, found, nil
}

func (s *MemoryStore) CountByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) (int, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for ts := range p.bars {
		if r.Contains(ts) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) HasRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) (bool, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, day := range r.Days() {
		if _, ok := p.bars[day]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, instrument types.Instrument) error {
	p := s.partitionFor(instrument)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.bars = make(map[time.Time]types.Bar)
	return nil
}
