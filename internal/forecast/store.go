package forecast

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// Store is the forecast prediction store contract (C8): per-instrument
// partitioning, upsert-by-(forecastDate, modelVersion) preserving the
// original createdAt, and lookups by range, model version, and execution id.
type Store interface {
	Upsert(ctx context.Context, result Result) error

	FindByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]Result, error)
	FindByModelVersion(ctx context.Context, instrument types.Instrument, version string) ([]Result, error)
	FindByExecutionID(ctx context.Context, executionID string) ([]Result, error)
	// LatestOverall returns the most recently forecast-dated result for
	// instrument across all model versions, not grouped per version.
	LatestOverall(ctx context.Context, instrument types.Instrument) (Result, bool, error)
	Exists(ctx context.Context, instrument types.Instrument, forecastDate time.Time, modelVersion string) (bool, error)

	// DeleteOlderThan removes every result for instrument whose
	// ForecastDate is strictly before cutoff, returning the count removed.
	DeleteOlderThan(ctx context.Context, instrument types.Instrument, cutoff time.Time) (int, error)
}

type predictionKey struct {
	forecastDate time.Time
	modelVersion string
}

// MemoryStore is an in-process Store, one partition per instrument —
// mirrors internal/masterdata.MemoryStore's per-instrument locking so
// BTC/ETH forecast writers never contend on the same mutex.
type MemoryStore struct {
	partitions map[types.Instrument]*predictionPartition
}

type predictionPartition struct {
	mu      sync.RWMutex
	results map[predictionKey]Result
}

// NewMemoryStore builds an empty store with one partition per known
// instrument.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{partitions: make(map[types.Instrument]*predictionPartition)}
	for _, inst := range types.AllInstruments() {
		s.partitions[inst] = &predictionPartition{results: make(map[predictionKey]Result)}
	}
	return s
}

func (s *MemoryStore) partitionFor(instrument types.Instrument) *predictionPartition {
	p, ok := s.partitions[instrument]
	if !ok {
		p = &predictionPartition{results: make(map[predictionKey]Result)}
		s.partitions[instrument] = p
	}
	return p
}

func dayKey(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Upsert replaces result's mutable fields (expected return, confidence,
// status, diagnostics, error message) while preserving the original
// createdAt of an existing (instrument, forecastDate, modelVersion) row.
func (s *MemoryStore) Upsert(ctx context.Context, result Result) error {
	p := s.partitionFor(result.Instrument)
	p.mu.Lock()
	defer p.mu.Unlock()

	key := predictionKey{forecastDate: dayKey(result.ForecastDate), modelVersion: result.ModelVersion}
	if existing, ok := p.results[key]; ok {
		result.CreatedAt = existing.CreatedAt
	} else if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	p.results[key] = result
	return nil
}

func (s *MemoryStore) FindByRange(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]Result, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Result
	for key, res := range p.results {
		if !key.forecastDate.Before(r.From) && !key.forecastDate.After(r.To) {
			out = append(out, res)
		}
	}
	sortResults(out)
	return out, nil
}

func (s *MemoryStore) FindByModelVersion(ctx context.Context, instrument types.Instrument, version string) ([]Result, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Result
	for key, res := range p.results {
		if key.modelVersion == version {
			out = append(out, res)
		}
	}
	sortResults(out)
	return out, nil
}

func (s *MemoryStore) FindByExecutionID(ctx context.Context, executionID string) ([]Result, error) {
	var out []Result
	for _, p := range s.partitions {
		p.mu.RLock()
		for _, res := range p.results {
			if res.ExecutionID == executionID {
				out = append(out, res)
			}
		}
		p.mu.RUnlock()
	}
	sortResults(out)
	return out, nil
}

func (s *MemoryStore) LatestOverall(ctx context.Context, instrument types.Instrument) (Result, bool, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var latest Result
	found := false
	for _, res := range p.results {
		if !found || res.ForecastDate.After(latest.ForecastDate) {
			latest = res
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) Exists(ctx context.Context, instrument types.Instrument, forecastDate time.Time, modelVersion string) (bool, error) {
	p := s.partitionFor(instrument)
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.results[predictionKey{forecastDate: dayKey(forecastDate), modelVersion: modelVersion}]
	return ok, nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, instrument types.Instrument, cutoff time.Time) (int, error) {
	p := s.partitionFor(instrument)
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key := range p.results {
		if key.forecastDate.Before(dayKey(cutoff)) {
			delete(p.results, key)
			removed++
		}
	}
	return removed, nil
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].ForecastDate.Before(results[j].ForecastDate) })
}
