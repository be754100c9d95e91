// Package ingestion implements the historical data ingestion pipeline
// (C3): per-instrument fan-out orchestrating the external data source
// (C2), the batch validator, and the market-data store (C1).
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/events"
	"github.com/atlas-quant/forecast-backend/internal/exchange"
	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/internal/workers"
	"github.com/atlas-quant/forecast-backend/pkg/types"
	"github.com/atlas-quant/forecast-backend/pkg/utils"
)

// Config tunes the chunking/batching/pacing behavior of the pipeline.
type Config struct {
	ChunkDays        int
	BatchSize        int
	IntermediateSave int
	ChunkDelay       time.Duration
	Validation       ValidationConfig
}

// DefaultConfig returns the pipeline's documented defaults.
func DefaultConfig() Config {
	return Config{
		ChunkDays:        90,
		BatchSize:        100,
		IntermediateSave: 500,
		ChunkDelay:       200 * time.Millisecond,
		Validation:       DefaultValidationConfig(),
	}
}

// Request is one ingestion invocation: a set of instruments, a time
// range, and the external source to pull from (empty resolves to the
// factory's default).
type Request struct {
	Instruments []types.Instrument
	Range       types.TimeRange
	SourceID    string
}

// InstrumentOutcome is one instrument's result within an IngestionReport.
type InstrumentOutcome struct {
	Instrument    types.Instrument
	Success       bool
	Name          string
	Processed     int
	Earliest      time.Time
	Latest        time.Time
	Quality       marketdata.QualityMetrics
	FailureReason string
	Warnings      []string
}

// Report is the pipeline's return value: one outcome per requested
// instrument, keyed for O(1) lookup, plus the execution id threaded
// through logs for this run.
type Report struct {
	ExecutionID   string
	PerInstrument map[types.Instrument]InstrumentOutcome
}

// Pipeline wires C2 (via a Factory), the validator, and C1 (via one
// Aggregate per instrument) into the historical ingestion orchestration.
type Pipeline struct {
	factory    *exchange.Factory
	store      marketdata.Store
	bus        *events.EventBus
	validator  *ValidationService
	config     Config
	logger     *zap.Logger
}

// NewPipeline builds a Pipeline. bus may be nil to suppress
// MarketDataUpdated emission (the tests do this).
func NewPipeline(factory *exchange.Factory, store marketdata.Store, bus *events.EventBus, config Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		factory:   factory,
		store:     store,
		bus:       bus,
		validator: NewValidationService(config.Validation),
		config:    config,
		logger:    logger,
	}
}

// Run executes one ingestion request: every requested instrument is
// processed concurrently, bounded to exactly len(request.Instruments)
// in-flight workers; within one instrument, chunks are processed strictly
// in sequence.
// Per-instrument failure, including a task the worker pool refuses, is
// recorded in the report rather than failing the whole run; the returned
// error is always nil.
func (p *Pipeline) Run(ctx context.Context, req Request) (Report, error) {
	executionID := utils.NewExecutionID()
	pool := workers.NewPool(p.logger, workers.FanOutPoolConfig("ingestion-"+executionID, len(req.Instruments)))
	pool.Start()
	defer pool.Stop()

	outcomes := make(map[types.Instrument]InstrumentOutcome, len(req.Instruments))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, inst := range req.Instruments {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			submitErr := pool.SubmitWait(workers.TaskFunc(func() error {
				outcome := p.processInstrument(ctx, inst, req, executionID)
				mu.Lock()
				outcomes[inst] = outcome
				mu.Unlock()
				return nil
			}))
			if submitErr != nil {
				mu.Lock()
				outcomes[inst] = InstrumentOutcome{
					Instrument:    inst,
					Success:       false,
					Name:          inst.Name(),
					FailureReason: fmt.Sprintf("worker pool: %v", submitErr),
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return Report{ExecutionID: executionID, PerInstrument: outcomes}, nil
}

// processInstrument fetches, validates, batches, and persists bars for one
// instrument across its chunked date range.
func (p *Pipeline) processInstrument(ctx context.Context, inst types.Instrument, req Request, executionID string) InstrumentOutcome {
	source, err := p.factory.Resolve(req.SourceID)
	if err != nil {
		return InstrumentOutcome{Instrument: inst, Success: false, Name: inst.Name(), FailureReason: err.Error()}
	}

	aggregate := marketdata.NewAggregate(inst, p.store, p.bus, p.logger)

	var (
		buffer           []types.Bar
		earliest, latest time.Time
		totalProcessed   int
		warnings         []string
		priorTail        time.Time
	)

	chunks := req.Range.SplitIntoDays(p.config.ChunkDays)
	for idx, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return p.cancelledOutcome(inst, totalProcessed, earliest, latest, warnings)
		}

		bars, fetchErr := source.FetchHistoricalData(ctx, inst, chunk)
		if fetchErr != nil {
			warnings = append(warnings, fmt.Sprintf("chunk %s..%s skipped: %v",
				chunk.From.Format("2006-01-02"), chunk.To.Format("2006-01-02"), fetchErr))
			p.sleepBetweenChunks(ctx, idx, len(chunks))
			continue
		}

		for start := 0; start < len(bars); start += p.config.BatchSize {
			if err := ctx.Err(); err != nil {
				return p.cancelledOutcome(inst, totalProcessed, earliest, latest, warnings)
			}

			end := start + p.config.BatchSize
			if end > len(bars) {
				end = len(bars)
			}
			batch := bars[start:end]

			result := p.validator.ValidateBatch(inst, batch, priorTail)
			if result.Err != nil {
				warnings = append(warnings, fmt.Sprintf("batch skipped: %v", result.Err))
				continue
			}
			warnings = append(warnings, result.Warnings...)

			buffer = append(buffer, batch...)
			priorTail = batch[len(batch)-1].Timestamp

			for _, bar := range batch {
				if earliest.IsZero() || bar.Timestamp.Before(earliest) {
					earliest = bar.Timestamp
				}
				if latest.IsZero() || bar.Timestamp.After(latest) {
					latest = bar.Timestamp
				}
			}
			totalProcessed += len(batch)

			if len(buffer) >= p.config.IntermediateSave {
				if _, err := aggregate.AddBars(ctx, buffer, source.DataSourceID()); err != nil {
					warnings = append(warnings, fmt.Sprintf("intermediate save failed: %v", err))
				}
				buffer = nil
			}
		}

		p.sleepBetweenChunks(ctx, idx, len(chunks))
	}

	if len(buffer) > 0 {
		if _, err := aggregate.AddBars(ctx, buffer, source.DataSourceID()); err != nil {
			warnings = append(warnings, fmt.Sprintf("final save failed: %v", err))
		}
	}

	if totalProcessed == 0 {
		return InstrumentOutcome{
			Instrument:    inst,
			Success:       false,
			Name:          inst.Name(),
			FailureReason: "no bars obtained from any chunk",
			Warnings:      warnings,
		}
	}

	return InstrumentOutcome{
		Instrument: inst,
		Success:    true,
		Name:       inst.Name(),
		Processed:  totalProcessed,
		Earliest:   earliest,
		Latest:     latest,
		Quality:    aggregate.Quality(),
		Warnings:   warnings,
	}
}

func (p *Pipeline) cancelledOutcome(inst types.Instrument, processed int, earliest, latest time.Time, warnings []string) InstrumentOutcome {
	return InstrumentOutcome{
		Instrument:    inst,
		Success:       false,
		Name:          inst.Name(),
		Processed:     processed,
		Earliest:      earliest,
		Latest:        latest,
		FailureReason: (&types.CancelledError{Op: "ingestion.processInstrument"}).Error(),
		Warnings:      warnings,
	}
}

func (p *Pipeline) sleepBetweenChunks(ctx context.Context, chunkIdx, totalChunks int) {
	if chunkIdx == totalChunks-1 || p.config.ChunkDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.config.ChunkDelay):
	}
}
