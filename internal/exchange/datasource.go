// Package exchange implements the external data source strategy (C2): the
// contract the ingestion pipeline pulls historical and latest bars through,
// a factory dispatching by source id, and a concrete REST kline client with
// rate limiting and circuit breaking.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// DataSource is the contract every external market-data provider
// implements. fetchHistoricalData is closed on [r.From, r.To], ascending,
// daily granularity; gaps are permitted only when the exchange itself
// lacks the day, never silently on the client's account.
type DataSource interface {
	FetchHistoricalData(ctx context.Context, instrument types.Instrument, r types.TimeRange) ([]types.Bar, error)
	FetchLatestData(ctx context.Context, instrument types.Instrument) (types.Bar, error)
	SupportsInstrument(instrument types.Instrument) bool
	DataSourceID() string
	Healthy(ctx context.Context) bool
}

// Factory resolves a DataSource by case-insensitive source id. The
// deployment's preferred exchange is registered under the default id;
// additional sources can coexist and are selected per ingestion request.
type Factory struct {
	mu        sync.RWMutex
	sources   map[string]DataSource
	defaultID string
}

// NewFactory builds an empty registry. Register the deployment's
// preferred source and call SetDefault, or rely on the first registered
// source becoming the default.
func NewFactory() *Factory {
	return &Factory{sources: make(map[string]DataSource)}
}

// Register adds or replaces a source under its own DataSourceID.
func (f *Factory) Register(source DataSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(source.DataSourceID())
	f.sources[key] = source
	if f.defaultID == "" {
		f.defaultID = key
	}
}

// SetDefault designates which registered source id is used when a caller
// passes an empty sourceId.
func (f *Factory) SetDefault(sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(sourceID)
	if _, ok := f.sources[key]; !ok {
		return &types.InvalidRequestError{Field: "sourceId", Reason: "unknown data source: " + sourceID}
	}
	f.defaultID = key
	return nil
}

// Resolve looks up a source by id, case-insensitively. An empty id
// resolves to the configured default.
func (f *Factory) Resolve(sourceID string) (DataSource, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	key := strings.ToLower(sourceID)
	if key == "" {
		key = f.defaultID
	}
	source, ok := f.sources[key]
	if !ok {
		return nil, &types.InvalidRequestError{Field: "sourceId", Reason: fmt.Sprintf("unknown data source: %q", sourceID)}
	}
	return source, nil
}
