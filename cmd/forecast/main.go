// Command forecast drives C5-C8 directly: prepare master data for one
// instrument, load its active AR(p) model, run single-date prediction, and
// persist the outcome. Range mode is not exposed by this command. The
// invocation surface mirrors the
// forecast-request shape consumed in production by the out-of-scope
// workflow layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/config"
	"github.com/atlas-quant/forecast-backend/internal/events"
	"github.com/atlas-quant/forecast-backend/internal/exchange"
	"github.com/atlas-quant/forecast-backend/internal/forecast"
	"github.com/atlas-quant/forecast-backend/internal/ingestion"
	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/internal/masterdata"
	"github.com/atlas-quant/forecast-backend/internal/model"
	"github.com/atlas-quant/forecast-backend/pkg/types"
	"github.com/atlas-quant/forecast-backend/pkg/utils"
)

func main() {
	configName := flag.String("config", "", "config file name (without extension)")
	instrumentCode := flag.String("instrument", "BTC", "instrument code (BTC or ETH)")
	targetDateStr := flag.String("target", "", "ISO target forecast date (YYYY-MM-DD); defaults to tomorrow")
	modelVersion := flag.String("model-version", "", "model version to use; empty resolves to the active version")
	lookbackDays := flag.Int("lookback-days", 400, "how many days of master data to prepare before the target")
	flag.Parse()

	cfg, err := config.Load(*configName, ".", "/etc/forecast-backend")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := zap.Must(zap.NewProduction())
	defer logger.Sync()

	instrument, err := types.ParseInstrument(*instrumentCode)
	if err != nil {
		logger.Fatal("invalid instrument", zap.Error(err))
	}

	targetDate := time.Now().UTC().AddDate(0, 0, 1)
	if *targetDateStr != "" {
		parsed, parseErr := time.Parse("2006-01-02", *targetDateStr)
		if parseErr != nil {
			logger.Fatal("invalid target date", zap.Error(parseErr))
		}
		targetDate = parsed
	}
	targetDate = utils.StartOfDayUTC(targetDate)

	ctx := context.Background()
	executionID := utils.NewExecutionID()

	priceStore := buildMarketDataStore(ctx, cfg, logger)
	masterStore := masterdata.NewMemoryStore()

	modelStore, err := buildModelStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build model store", zap.Error(err))
	}
	if err := modelStore.Reload(ctx); err != nil {
		logger.Fatal("failed to load model artifacts", zap.Error(err))
	}

	artifact, err := resolveArtifact(modelStore, instrument, *modelVersion)
	if err != nil {
		logger.Fatal("model resolution failed", zap.Error(err))
	}

	factory := buildExchangeFactory(cfg, logger)
	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	ingestPipeline := ingestion.NewPipeline(factory, priceStore, bus, ingestion.Config{
		ChunkDays:        cfg.Ingestion.ChunkDays,
		BatchSize:        cfg.Ingestion.BatchSize,
		IntermediateSave: cfg.Ingestion.IntermediateSaveSize,
		ChunkDelay:       cfg.Ingestion.ChunkDelay,
		Validation:       ingestion.DefaultValidationConfig(),
	}, logger)
	fetcher := masterdata.NewIngestionFetcher(ingestPipeline, "")

	prepRange, err := types.FromDates(targetDate.AddDate(0, 0, -*lookbackDays), targetDate.AddDate(0, 0, -1))
	if err != nil {
		logger.Fatal("invalid preparation range", zap.Error(err))
	}

	masterPipeline := masterdata.NewPipeline(masterStore, priceStore, fetcher, logger)
	master, err := masterPipeline.Prepare(ctx, masterdata.Request{
		Instrument:         instrument,
		Range:              prepRange,
		RequiredPoints:     artifact.POrder,
		Model:              artifact,
		CalculationVersion: cfg.Forecast.CalculationVersion,
		ExecutionID:        executionID,
	})
	if err != nil {
		logger.Fatal("master-data preparation failed", zap.Error(err))
	}

	engine := forecast.NewEngine(priceStore, masterStore, logger)
	result, err := engine.SingleDate(ctx, forecast.SingleDateRequest{
		Instrument:  instrument,
		Master:      master,
		Model:       artifact,
		TargetDate:  targetDate,
		ExecutionID: executionID,
	})
	if err != nil {
		logger.Fatal("forecast engine failed", zap.Error(err))
	}

	predictionStore := forecast.NewMemoryStore()
	if err := predictionStore.Upsert(ctx, result); err != nil {
		logger.Fatal("failed to persist forecast", zap.Error(err))
	}

	logger.Info("forecast complete",
		zap.String("executionId", executionID),
		zap.String("instrument", string(instrument)),
		zap.Time("targetDate", targetDate),
		zap.String("status", string(result.Status)),
		zap.String("expectedReturn", result.ExpectedReturn.String()),
		zap.Float64("confidence", result.Confidence),
	)
}

func resolveArtifact(store *model.Store, instrument types.Instrument, version string) (model.Artifact, error) {
	if version != "" {
		return store.FindByInstrumentAndVersion(instrument, version)
	}
	return store.FindActiveByInstrument(instrument)
}

func buildMarketDataStore(ctx context.Context, cfg config.Config, logger *zap.Logger) marketdata.Store {
	if !cfg.Data.UsePostgres {
		return marketdata.NewMemoryStore()
	}
	store, err := marketdata.NewPostgresStore(ctx, cfg.Data.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect market-data postgres store", zap.Error(err))
	}
	return store
}

func buildModelStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*model.Store, error) {
	if !cfg.Data.UseS3Artifacts {
		return model.NewStore(logger, model.NewFileSource(cfg.Data.ArtifactsDir)), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return model.NewStore(logger, model.NewS3Source(client, cfg.Data.S3Bucket, cfg.Data.S3Prefix)), nil
}

func buildExchangeFactory(cfg config.Config, logger *zap.Logger) *exchange.Factory {
	factory := exchange.NewFactory()
	clientConfig := exchange.DefaultRESTClientConfig("primary", cfg.Exchange.BaseURL)
	clientConfig.RequestsPerSecond = cfg.Exchange.RequestsPerSecond
	clientConfig.Burst = cfg.Exchange.Burst
	clientConfig.RequestTimeout = cfg.Exchange.RequestTimeout
	factory.Register(exchange.NewRESTClient(clientConfig, logger))
	return factory
}
