package model

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

type cacheKey struct {
	instrument types.Instrument
	version    string
}

// CacheStats is the cache's observability surface.
type CacheStats struct {
	Size        int
	LastReload  time.Time
	ReloadCount int64
	Hits        int64
	Misses      int64
}

// Store is the AR(p) artifact cache: an atomically-swapped map so lookups
// never block a concurrent reload — writers take an exclusive swap,
// readers stay lock-free.
type Store struct {
	sources []Loader
	logger  *zap.Logger

	data       atomic.Pointer[map[cacheKey]Artifact]
	lastUsed   sync.Map // cacheKey -> time.Time, tracked outside the swapped map
	lastReload atomic.Pointer[time.Time]

	reloadCount atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
}

// NewStore builds an empty Store backed by one or more Loaders (a
// FileSource and/or an S3Source); call Reload to populate it.
func NewStore(logger *zap.Logger, sources ...Loader) *Store {
	s := &Store{sources: sources, logger: logger}
	empty := make(map[cacheKey]Artifact)
	s.data.Store(&empty)
	return s
}

// Reload clears and re-scans every configured source atomically: the new
// map is built off to the side and swapped in with a single pointer store,
// so in-flight readers either see the old map in full or the new map in
// full, never a partial rebuild.
func (s *Store) Reload(ctx context.Context) error {
	merged := make(map[cacheKey]Artifact)
	for _, source := range s.sources {
		artifacts, err := source.Load(ctx)
		if err != nil {
			return err
		}
		for _, artifact := range artifacts {
			merged[cacheKey{artifact.Instrument, artifact.ModelVersion}] = artifact
		}
	}

	s.data.Store(&merged)
	now := time.Now().UTC()
	s.lastReload.Store(&now)
	s.reloadCount.Add(1)

	if s.logger != nil {
		s.logger.Info("model cache reloaded", zap.Int("artifact_count", len(merged)))
	}
	return nil
}

// FindByInstrumentAndVersion looks up one exact (instrument, version) pair.
func (s *Store) FindByInstrumentAndVersion(instrument types.Instrument, version string) (Artifact, error) {
	m := *s.data.Load()
	key := cacheKey{instrument, version}
	artifact, ok := m[key]
	if !ok {
		s.misses.Add(1)
		return Artifact{}, &types.ModelNotFoundError{Instrument: instrument, Version: version}
	}
	s.hits.Add(1)
	artifact.LastUsed = s.markUsed(key)
	return artifact, nil
}

// FindActiveByInstrument returns the artifact with the greatest version for
// instrument, per the "legacy sorts lowest, YYYYMMDD otherwise" ordering in
// versionLess. Callers that need a specific version for reproducibility
// (backtests) should call FindByInstrumentAndVersion instead.
func (s *Store) FindActiveByInstrument(instrument types.Instrument) (Artifact, error) {
	m := *s.data.Load()
	var versions []string
	for key := range m {
		if key.instrument == instrument {
			versions = append(versions, key.version)
		}
	}
	if len(versions) == 0 {
		s.misses.Add(1)
		return Artifact{}, &types.ModelNotFoundError{Instrument: instrument, Version: "active"}
	}

	active := sortVersionsDescending(versions)[0]
	s.hits.Add(1)
	key := cacheKey{instrument, active}
	artifact := m[key]
	artifact.LastUsed = s.markUsed(key)
	return artifact, nil
}

func (s *Store) markUsed(key cacheKey) time.Time {
	now := time.Now().UTC()
	s.lastUsed.Store(key, now)
	return now
}

// Stats returns a snapshot of the cache's current size and usage counters.
func (s *Store) Stats() CacheStats {
	m := *s.data.Load()
	stats := CacheStats{
		Size:        len(m),
		ReloadCount: s.reloadCount.Load(),
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
	}
	if t := s.lastReload.Load(); t != nil {
		stats.LastReload = *t
	}
	return stats
}
