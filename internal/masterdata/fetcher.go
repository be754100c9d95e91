package masterdata

import (
	"context"
	"fmt"

	"github.com/atlas-quant/forecast-backend/internal/ingestion"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// IngestionFetcher adapts the C3 ingestion pipeline into the narrow
// PriceFetcher contract the back-fill stage needs: "go get me this one
// instrument's bars for this one narrow range, right now."
type IngestionFetcher struct {
	pipeline *ingestion.Pipeline
	sourceID string
}

// NewIngestionFetcher wraps an ingestion.Pipeline. sourceID may be empty to
// use the pipeline's default data source.
func NewIngestionFetcher(pipeline *ingestion.Pipeline, sourceID string) *IngestionFetcher {
	return &IngestionFetcher{pipeline: pipeline, sourceID: sourceID}
}

// FetchMissing runs one single-instrument ingestion request synchronously
// and reports failure if that instrument's outcome wasn't successful.
func (f *IngestionFetcher) FetchMissing(ctx context.Context, instrument types.Instrument, r types.TimeRange, executionID string) error {
	report, err := f.pipeline.Run(ctx, ingestion.Request{
		Instruments: []types.Instrument{instrument},
		Range:       r,
		SourceID:    f.sourceID,
	})
	if err != nil {
		return err
	}
	outcome, ok := report.PerInstrument[instrument]
	if !ok || !outcome.Success {
		return fmt.Errorf("back-fill ingestion failed for %s: %s", instrument, outcome.FailureReason)
	}
	return nil
}
