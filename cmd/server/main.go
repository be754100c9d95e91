// Command server runs the thin ops listener: health and Prometheus
// metrics only. It intentionally never exposes C5-C8 over HTTP — that
// REST façade is out of scope; ingestion and forecast runs are driven by
// cmd/ingest and cmd/forecast instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/config"
	"github.com/atlas-quant/forecast-backend/internal/marketdata"
	"github.com/atlas-quant/forecast-backend/internal/opsserver"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

func main() {
	configName := flag.String("config", "", "config file name (without extension)")
	flag.Parse()

	cfg, err := config.Load(*configName, ".", "/etc/forecast-backend")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := zap.Must(zap.NewProduction())
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priceStore := buildMarketDataStore(ctx, cfg, logger)

	checks := map[string]opsserver.HealthCheck{
		"marketdata": func(ctx context.Context) error {
			_, err := priceStore.CountByRange(ctx, types.BTC, types.TimeRange{})
			return err
		},
	}

	server := opsserver.NewServer(logger, opsserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, checks)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server stopped", zap.Error(err))
		}
	}()

	logger.Info("ops server started", zap.Int("port", cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
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
