// Command ingest drives C3's historical ingestion pipeline directly, the
// invocation surface consumed in production by the out-of-scope
// workflow layer — this binary is the thin, directly-runnable stand-in
// for that caller.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-quant/forecast-backend/internal/config"
	"github.com/atlas-quant/forecast-backend/internal/events"
	"github.com/atlas-quant/forecast-backend/internal/exchange"
	"github.com/atlas-quant/forecast-backend/internal/ingestion"
	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

// launchDefaultStart is the default ingestion floor for newly launched
// instruments (`-launch-new` defaults the range to `[2021-03-15, today]`).
var launchDefaultStart = time.Date(2021, time.March, 15, 0, 0, 0, 0, time.UTC)

func main() {
	configName := flag.String("config", "", "config file name (without extension), searched in ./ and /etc/forecast-backend")
	instrumentCodes := flag.String("instruments", "BTC,ETH", "comma-separated instrument codes")
	startDate := flag.String("start", "", "ISO start date (YYYY-MM-DD); ignored when -launch-new is set")
	endDate := flag.String("end", "", "ISO end date (YYYY-MM-DD); defaults to today")
	launchNew := flag.Bool("launch-new", false, "ignore -start and default to the system launch date")
	sourceID := flag.String("source", "", "data source id; empty uses the configured default")
	flag.Parse()

	cfg, err := config.Load(*configName, ".", "/etc/forecast-backend")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := mustLogger(cfg.LogLevel)
	defer logger.Sync()

	instruments, err := parseInstruments(*instrumentCodes)
	if err != nil {
		logger.Fatal("invalid instrument list", zap.Error(err))
	}

	timeRange, err := resolveRange(*startDate, *endDate, *launchNew)
	if err != nil {
		logger.Fatal("invalid date range", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := buildMarketDataStore(ctx, cfg, logger)
	factory := buildExchangeFactory(cfg, logger)
	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())

	pipeline := ingestion.NewPipeline(factory, store, bus, ingestion.Config{
		ChunkDays:        cfg.Ingestion.ChunkDays,
		BatchSize:        cfg.Ingestion.BatchSize,
		IntermediateSave: cfg.Ingestion.IntermediateSaveSize,
		ChunkDelay:       cfg.Ingestion.ChunkDelay,
		Validation:       ingestion.DefaultValidationConfig(),
	}, logger)

	runOnce := func() {
		report, err := pipeline.Run(ctx, ingestion.Request{
			Instruments: instruments,
			Range:       timeRange,
			SourceID:    *sourceID,
		})
		if err != nil {
			logger.Error("ingestion run failed", zap.Error(err))
			return
		}
		for instrument, outcome := range report.PerInstrument {
			logger.Info("ingestion outcome",
				zap.String("executionId", report.ExecutionID),
				zap.String("instrument", string(instrument)),
				zap.Bool("success", outcome.Success),
				zap.Int("processed", outcome.Processed),
				zap.String("failureReason", outcome.FailureReason),
			)
		}
	}

	if cfg.Ingestion.CronSchedule == "" {
		runOnce()
		return
	}

	logger.Info("starting recurring ingestion", zap.String("schedule", cfg.Ingestion.CronSchedule))
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Ingestion.CronSchedule, runOnce); err != nil {
		logger.Fatal("invalid cron schedule", zap.Error(err))
	}
	scheduler.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	shutdownCtx := scheduler.Stop()
	<-shutdownCtx.Done()
}

func parseInstruments(codes string) ([]types.Instrument, error) {
	var out []types.Instrument
	for _, code := range strings.Split(codes, ",") {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		inst, err := types.ParseInstrument(code)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func resolveRange(startStr, endStr string, launchNew bool) (types.TimeRange, error) {
	end := time.Now().UTC()
	if endStr != "" {
		parsed, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			return types.TimeRange{}, &types.InvalidRequestError{Field: "endDate", Reason: err.Error()}
		}
		end = parsed
	}

	if launchNew {
		return types.FromDates(launchDefaultStart, end)
	}
	if startStr == "" {
		return types.TimeRange{}, &types.InvalidRequestError{Field: "startDate", Reason: "required unless -launch-new is set"}
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return types.TimeRange{}, &types.InvalidRequestError{Field: "startDate", Reason: err.Error()}
	}
	return types.FromDates(start, end)
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

func buildExchangeFactory(cfg config.Config, logger *zap.Logger) *exchange.Factory {
	factory := exchange.NewFactory()
	clientConfig := exchange.DefaultRESTClientConfig("primary", cfg.Exchange.BaseURL)
	clientConfig.RequestsPerSecond = cfg.Exchange.RequestsPerSecond
	clientConfig.Burst = cfg.Exchange.Burst
	clientConfig.RequestTimeout = cfg.Exchange.RequestTimeout
	factory.Register(exchange.NewRESTClient(clientConfig, logger))
	return factory
}

func mustLogger(level string) *zap.Logger {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zapLevel
	zapConfig.Encoding = "console"
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
