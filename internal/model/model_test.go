package model_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/forecast-backend/internal/model"
	"github.com/atlas-quant/forecast-backend/pkg/types"
)

func mustDecimal(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(v)
}

func writeArtifact(t *testing.T, dir, filename, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", filename, err)
	}
}

func TestFileSourceLoadsValidArtifactsWithVersionFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "btc_arima_model.json", `{
		"mean_diff_oc": 0.5, "sigma2": 1.25, "p": 2,
		"ar.L1": 0.3, "ar.L2": -0.1
	}`)
	writeArtifact(t, dir, "eth_arima_model_20240115.json", `{
		"mean_diff_oc": 0.1, "sigma2": 0.9, "p": 1,
		"ar.L1": 0.6
	}`)
	// Not a recognized pattern — must be skipped, not error.
	writeArtifact(t, dir, "readme.txt", "not an artifact")

	source := model.NewFileSource(dir)
	artifacts, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("len(artifacts) = %d, want 2", len(artifacts))
	}

	byInstrument := make(map[types.Instrument]model.Artifact, 2)
	for _, a := range artifacts {
		byInstrument[a.Instrument] = a
	}

	btc, ok := byInstrument[types.BTC]
	if !ok {
		t.Fatal("no BTC artifact loaded")
	}
	if btc.ModelVersion != "legacy" {
		t.Errorf("btc.ModelVersion = %q, want legacy", btc.ModelVersion)
	}
	if btc.POrder != 2 || len(btc.Coefficients) != 2 {
		t.Fatalf("btc.POrder/Coefficients mismatch: %+v", btc)
	}
	if coef, ok := btc.Coefficient(1); !ok || !coef.Equal(mustDecimal(t, "0.3")) {
		t.Errorf("btc lag-1 coefficient = %v, want 0.3", coef)
	}

	eth, ok := byInstrument[types.ETH]
	if !ok {
		t.Fatal("no ETH artifact loaded")
	}
	if eth.ModelVersion != "20240115" {
		t.Errorf("eth.ModelVersion = %q, want 20240115", eth.ModelVersion)
	}
}

func TestFileSourceRejectsPCoefficientCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "btc_arima_model.json", `{
		"mean_diff_oc": 0.5, "sigma2": 1.25, "p": 3,
		"ar.L1": 0.3, "ar.L2": -0.1
	}`)

	_, err := model.NewFileSource(dir).Load(context.Background())
	if err == nil {
		t.Fatal("expected an error for p=3 with only 2 ar.L* coefficients")
	}
}

func TestFileSourceRejectsOutOfRangeLagIndex(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "btc_arima_model.json", `{
		"mean_diff_oc": 0.5, "sigma2": 1.25, "p": 2,
		"ar.L1": 0.3, "ar.L5": -0.1
	}`)

	_, err := model.NewFileSource(dir).Load(context.Background())
	if err == nil {
		t.Fatal("expected an error for ar.L5 with p=2")
	}
}

func TestStoreFindActiveByInstrumentPicksGreatestVersionLegacySortsLowest(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "btc_arima_model.json", simpleArtifact(t))
	writeArtifact(t, dir, "btc_arima_model_20240101.json", simpleArtifact(t))
	writeArtifact(t, dir, "btc_arima_model_20240115.json", simpleArtifact(t))

	store := model.NewStore(zap.NewNop(), model.NewFileSource(dir))
	if err := store.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	active, err := store.FindActiveByInstrument(types.BTC)
	if err != nil {
		t.Fatalf("FindActiveByInstrument: %v", err)
	}
	if active.ModelVersion != "20240115" {
		t.Errorf("active version = %q, want 20240115 (legacy and older dates must rank lower)", active.ModelVersion)
	}
}

func TestStoreReloadSwapsAtomicallyAndTracksStats(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "btc_arima_model.json", simpleArtifact(t))

	store := model.NewStore(zap.NewNop(), model.NewFileSource(dir))
	if _, err := store.FindByInstrumentAndVersion(types.BTC, "legacy"); err == nil {
		t.Fatal("expected ModelNotFoundError before the first Reload")
	}

	if err := store.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, err := store.FindByInstrumentAndVersion(types.BTC, "legacy"); err != nil {
		t.Fatalf("FindByInstrumentAndVersion after reload: %v", err)
	}

	stats := store.Stats()
	if stats.Size != 1 {
		t.Errorf("stats.Size = %d, want 1", stats.Size)
	}
	if stats.ReloadCount != 1 {
		t.Errorf("stats.ReloadCount = %d, want 1", stats.ReloadCount)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats.Hits/Misses = %d/%d, want 1/1", stats.Hits, stats.Misses)
	}
}

func simpleArtifact(t *testing.T) string {
	t.Helper()
	return `{"mean_diff_oc": 0.2, "sigma2": 1.0, "p": 1, "ar.L1": 0.4}`
}
