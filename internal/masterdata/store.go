package masterdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// Store is the master-data store contract (C4). Unlike the raw bar store,
// every range method here treats the range as half-open [from, to) — the
// pipeline's own "to" is always the forecast target day, which must never
// appear as a historical master-data point.
type Store interface {
	FindByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange, version string) ([]Record, error)
	FindWithDifferencesByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange, version string) ([]Record, error)
	FindTimestampsByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange, version string) ([]time.Time, error)
	LatestTimestamp(ctx context.Context, instrument types.Instrument, version string) (time.Time, bool, error)

	Save(ctx context.Context, record Record) error
	SaveAll(ctx context.Context, records []Record) error

	// Upsert replaces the derived fields of an existing (instrument,
	// timestamp, calculationVersion) record while preserving its original
	// CreatedAt — the "recalculation from fresh prices" lifecycle.
	Upsert(ctx context.Context, record Record) error

	CountByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange, version string) (int, error)
	DeleteAll(ctx context.Context, instrument types.Instrument) error
}

type recordKey struct {
	timestamp time.Time
	version   string
}

// MemoryStore is an in-process Store, one partition per instrument, guarded
// independently so BTC/ETH writers never contend on the same lock.
type MemoryStore struct {
	partitions map[types.Instrument]*partition
}

type partition struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

// NewMemoryStore builds an empty store with one partition per known
// instrument.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{partitions: make(map[types.Instrument]*partition)}
	for _, inst := range types.AllInstruments() {
		s.partitions[inst] = &partition{records: make(map[recordKey]Record)}
	}
	return s
}

func (s *MemoryStore) partitionFor(instrument types.Instrument) *partition {
	p, ok := s.partitions[instrument]
	if !ok {
		p = &partition{records: make(map[recordKey]Record)}
		s.partitions[instrument] = p
	}
	return p
}

func inHalfOpenRange(r types.TimeRange, t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}

func (s *MemoryStore) FindByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange, version string) ([]Record, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Record
	for key, rec := range p.records {
		if key.version == version && inHalfOpenRange(r, key.timestamp) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) FindWithDifferencesByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange, version string) ([]Record, error) {
	all, err := s.FindByRange(ctx, instrument, r, version)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.HasDifferences() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindTimestampsByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange, version string) ([]time.Time, error) {
	records, err := s.FindByRange(ctx, instrument, r, version)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(records))
	for i, rec := range records {
		out[i] = rec.Timestamp
	}
	return out, nil
}

func (s *MemoryStore) LatestTimestamp(ctx context.Context, instrument types.Instrument, version string) (time.Time, bool, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var latest time.Time
	found := false
	for key := range p.records {
		if key.version != version {
			continue
		}
		if !found || key.timestamp.After(latest) {
			latest = key.timestamp
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) Save(ctx context.Context, record Record) error {
	return s.SaveAll(ctx, []Record{record})
}

func (s *MemoryStore) SaveAll(ctx context.Context, records []Record) error {
	for _, rec := range records {
		p := s.partitionFor(rec.Instrument)
		p.mu.Lock()
		key := recordKey{timestamp: dayKey(rec.Timestamp), version: rec.CalculationVersion}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		p.records[key] = rec
		p.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, record Record) error {
	p := s.partitionFor(record.Instrument)
	p.mu.Lock()
	defer p.mu.Unlock()

	key := recordKey{timestamp: dayKey(record.Timestamp), version: record.CalculationVersion}
	if existing, ok := p.records[key]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	p.records[key] = record
	return nil
}

func (s *MemoryStore) CountByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange, version string) (int, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for key := range p.records {
		if key.version == version && inHalfOpenRange(r, key.timestamp) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, instrument types.Instrument) error {
	p := s.partitionFor(instrument)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[recordKey]Record)
	return nil
}
