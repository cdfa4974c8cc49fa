// Package config loads scanner settings from built-in defaults, an optional
// YAML file, an optional .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/viktsys/optionscan/detector"
	"github.com/viktsys/optionscan/fetcher"
	"github.com/viktsys/optionscan/history"
	"github.com/viktsys/optionscan/metrics"
)

const DefaultDataDir = "data"

type Config struct {
	DataDir     string                  `yaml:"data_dir"`
	HolidayFile string                  `yaml:"holiday_file"`
	Log         LogConfig               `yaml:"log"`
	Polygon     fetcher.PolygonConfig   `yaml:"polygon"`
	FlatFiles   fetcher.FlatFilesConfig `yaml:"flat_files"`
	Fetch       fetcher.Config          `yaml:"fetch"`
	History     history.Config          `yaml:"history"`
	Detection   detector.Config         `yaml:"detection"`
	Metrics     metrics.Config          `yaml:"metrics"`
	Server      ServerConfig            `yaml:"server"`
	Snapshot    SnapshotConfig          `yaml:"snapshot"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`

	// MaxAgeDays enables rotation of file output.
	MaxAgeDays int `yaml:"max_age_days"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type SnapshotConfig struct {
	ExportParquet bool `yaml:"export_parquet"`
}

// envConfig lists every setting that may be overridden from the environment.
// Unset variables leave the loaded value untouched.
type envConfig struct {
	DataDir     string `env:"OPTIONSCAN_DATA_DIR"`
	HolidayFile string `env:"OPTIONSCAN_HOLIDAY_FILE"`
	TopN        *int   `env:"OPTIONSCAN_TOP_N"`
	Lookback    *int   `env:"OPTIONSCAN_LOOKBACK"`
	Parquet     *bool  `env:"OPTIONSCAN_EXPORT_PARQUET"`
	ServerAddr  string `env:"OPTIONSCAN_SERVER_ADDR"`

	Log struct {
		Level  string `env:"LEVEL"`
		Format string `env:"FORMAT"`
		Output string `env:"OUTPUT"`
	} `envPrefix:"LOG_"`

	Polygon struct {
		APIKey            string   `env:"API_KEY"`
		BaseURL           string   `env:"BASE_URL"`
		RequestsPerSecond *float64 `env:"RPS"`
		S3AccessKey       string   `env:"S3_ACCESS_KEY"`
		S3SecretKey       string   `env:"S3_SECRET_KEY"`
		S3Endpoint        string   `env:"S3_ENDPOINT"`
	} `envPrefix:"POLYGON_"`

	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		DataDir:   DefaultDataDir,
		Log:       LogConfig{Level: "info", Format: "json", Output: "stdout"},
		Polygon:   fetcher.DefaultPolygonConfig(),
		FlatFiles: fetcher.DefaultFlatFilesConfig(),
		Fetch:     fetcher.DefaultConfig(),
		History:   history.DefaultConfig(),
		Detection: detector.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
		Server:    ServerConfig{Addr: ":8080"},
	}
}

// Load builds the configuration. An empty path skips the YAML file; a
// missing .env file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var e envConfig
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	cfg.apply(e)
	cfg.Fetch.DataDir = cfg.DataDir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) apply(e envConfig) {
	setString(&c.DataDir, e.DataDir)
	setString(&c.HolidayFile, e.HolidayFile)
	setString(&c.Server.Addr, e.ServerAddr)
	if e.TopN != nil {
		c.Fetch.TopN = *e.TopN
	}
	if e.Lookback != nil {
		c.History.Lookback = *e.Lookback
	}
	if e.Parquet != nil {
		c.Snapshot.ExportParquet = *e.Parquet
	}

	setString(&c.Log.Level, e.Log.Level)
	setString(&c.Log.Format, e.Log.Format)
	setString(&c.Log.Output, e.Log.Output)

	setString(&c.Polygon.APIKey, e.Polygon.APIKey)
	setString(&c.Polygon.BaseURL, e.Polygon.BaseURL)
	if e.Polygon.RequestsPerSecond != nil {
		c.Polygon.RequestsPerSecond = *e.Polygon.RequestsPerSecond
	}
	setString(&c.FlatFiles.AccessKey, e.Polygon.S3AccessKey)
	setString(&c.FlatFiles.SecretKey, e.Polygon.S3SecretKey)
	setString(&c.FlatFiles.Endpoint, e.Polygon.S3Endpoint)

	setString(&c.Metrics.PushgatewayURL, e.PushgatewayURL)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	if c.Fetch.TopN < 1 {
		return fmt.Errorf("fetch.top_n must be at least 1, got %d", c.Fetch.TopN)
	}
	if c.Fetch.Retry.MaxAttempts < 1 {
		return fmt.Errorf("fetch.retry.max_attempts must be at least 1, got %d", c.Fetch.Retry.MaxAttempts)
	}
	if c.Fetch.Reader.BatchSize < 1 || c.Fetch.Reader.Workers < 1 {
		return fmt.Errorf("fetch.reader batch_size and workers must be positive")
	}
	if c.History.Lookback < 1 {
		return fmt.Errorf("history.lookback must be at least 1, got %d", c.History.Lookback)
	}
	if c.History.MinHistory < 1 || c.History.MinHistory > c.History.Lookback {
		return fmt.Errorf("history.min_history must be between 1 and lookback (%d), got %d", c.History.Lookback, c.History.MinHistory)
	}

	d := c.Detection
	if d.ZScoreThreshold <= 0 || d.VolumeGrowthThreshold <= 0 || d.OIChangePct <= 0 || d.StrikeConcentration <= 0 {
		return errors.New("detection thresholds must be positive")
	}
	if d.GreedRatio <= 0 || d.GreedRatio >= d.FearRatio {
		return fmt.Errorf("detection.greed_ratio (%g) must be positive and below fear_ratio (%g)", d.GreedRatio, d.FearRatio)
	}
	if d.VolumeSpikeMultiple <= 0 || d.HighTurnover <= 0 || d.LowTurnover <= 0 {
		return errors.New("detection spike and turnover thresholds must be positive")
	}
	if d.LowTurnover >= d.HighTurnover {
		return fmt.Errorf("detection.low_turnover (%g) must be below high_turnover (%g)", d.LowTurnover, d.HighTurnover)
	}
	if d.AggressiveOIRatio <= 0 || d.AggressiveOIRatio >= d.DefensiveOIRatio {
		return fmt.Errorf("detection.aggressive_oi_ratio (%g) must be positive and below defensive_oi_ratio (%g)", d.AggressiveOIRatio, d.DefensiveOIRatio)
	}
	if depth := c.Fetch.Aggregate.ClusterDepth; d.ExpiryClusterMin > 0 && depth > 0 && d.ExpiryClusterMin > depth {
		return fmt.Errorf("detection.expiry_cluster_min (%d) exceeds fetch.aggregate.cluster_depth (%d)", d.ExpiryClusterMin, depth)
	}
	if d.MediumSeverity > d.HighSeverity {
		return fmt.Errorf("detection.medium_severity (%g) exceeds high_severity (%g)", d.MediumSeverity, d.HighSeverity)
	}
	return nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + "****" + s[len(s)-2:]
}

// Masked returns a copy safe to log.
func (c *Config) Masked() Config {
	m := *c
	m.Polygon.APIKey = mask(c.Polygon.APIKey)
	m.FlatFiles.AccessKey = mask(c.FlatFiles.AccessKey)
	m.FlatFiles.SecretKey = mask(c.FlatFiles.SecretKey)
	return m
}
