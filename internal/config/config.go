// Package config loads the struct-of-concerns configuration every cmd/
// entrypoint shares: server, storage, exchange, ingestion and model
// sections, each independently overridable via environment variable or a
// config file, in viper's usual defaults/file/env layering.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the thin ops server's own section — health/metrics only,
// never the REST façade's own listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metricsPort"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// DataConfig points at C1/C4's persistence backend and the artifact
// discovery directory.
type DataConfig struct {
	PostgresDSN    string `mapstructure:"postgresDsn"`
	ArtifactsDir   string `mapstructure:"artifactsDir"`
	S3Bucket       string `mapstructure:"s3Bucket"`
	S3Prefix       string `mapstructure:"s3Prefix"`
	UsePostgres    bool   `mapstructure:"usePostgres"`
	UseS3Artifacts bool   `mapstructure:"useS3Artifacts"`
}

// ExchangeConfig configures C2's REST client against the preferred
// upstream exchange.
type ExchangeConfig struct {
	BaseURL           string        `mapstructure:"baseUrl"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
	Burst             int           `mapstructure:"burst"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout"`
	MaxRetries        int           `mapstructure:"maxRetries"`
}

// IngestionConfig carries the pipeline's chunking knobs.
type IngestionConfig struct {
	ChunkDays            int           `mapstructure:"chunkDays"`
	BatchSize            int           `mapstructure:"batchSize"`
	IntermediateSaveSize int           `mapstructure:"intermediateSaveSize"`
	ChunkDelay           time.Duration `mapstructure:"chunkDelay"`
	WorkerPoolSize       int           `mapstructure:"workerPoolSize"`
	CronSchedule         string        `mapstructure:"cronSchedule"`
}

// ForecastConfig carries C6/C7 knobs: the calculation version stamped on
// freshly computed master-data records, and the retention window C8 prunes
// against.
type ForecastConfig struct {
	CalculationVersion string        `mapstructure:"calculationVersion"`
	RetentionDays      int           `mapstructure:"retentionDays"`
	CacheReloadPeriod  time.Duration `mapstructure:"cacheReloadPeriod"`
}

// Config is the full process configuration, assembled by Load.
type Config struct {
	LogLevel  string `mapstructure:"logLevel"`
	Server    ServerConfig
	Data      DataConfig
	Exchange  ExchangeConfig
	Ingestion IngestionConfig
	Forecast  ForecastConfig
}

// Load builds a Config from defaults, an optional config file (name
// without extension, searched on the given paths), and environment
// variables (prefixed FORECAST_, nested keys joined with underscores —
// e.g. FORECAST_EXCHANGE_BASEURL overrides Exchange.BaseURL).
func Load(configName string, searchPaths ...string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configName != "" {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		for _, p := range searchPaths {
			v.AddConfigPath(p)
		}
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metricsPort", 9090)
	v.SetDefault("server.readTimeout", 30*time.Second)
	v.SetDefault("server.writeTimeout", 30*time.Second)

	v.SetDefault("data.postgresDsn", "")
	v.SetDefault("data.artifactsDir", "./artifacts")
	v.SetDefault("data.s3Bucket", "")
	v.SetDefault("data.s3Prefix", "models/")
	v.SetDefault("data.usePostgres", false)
	v.SetDefault("data.useS3Artifacts", false)

	v.SetDefault("exchange.baseUrl", "https://api.binance.com")
	v.SetDefault("exchange.requestsPerSecond", 10.0)
	v.SetDefault("exchange.burst", 20)
	v.SetDefault("exchange.requestTimeout", 10*time.Second)
	v.SetDefault("exchange.maxRetries", 3)

	v.SetDefault("ingestion.chunkDays", 90)
	v.SetDefault("ingestion.batchSize", 100)
	v.SetDefault("ingestion.intermediateSaveSize", 500)
	v.SetDefault("ingestion.chunkDelay", 500*time.Millisecond)
	v.SetDefault("ingestion.workerPoolSize", 4)
	v.SetDefault("ingestion.cronSchedule", "")

	v.SetDefault("forecast.calculationVersion", "v1")
	v.SetDefault("forecast.retentionDays", 365)
	v.SetDefault("forecast.cacheReloadPeriod", 5*time.Minute)
}
