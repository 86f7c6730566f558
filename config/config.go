// Package config defines all engine configuration. Config is loaded from a
// YAML file with CLOB_* environment-variable overrides; every key has a
// default so the engine runs with no file at all.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Sequencer   SequencerConfig   `mapstructure:"sequencer"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Markets     MarketsConfig     `mapstructure:"markets"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	MarketData  MarketDataConfig  `mapstructure:"marketdata"`
}

// PersistenceConfig sets WAL and snapshot behaviour.
type PersistenceConfig struct {
	WALPath string `mapstructure:"walPath"`
	// SnapshotPath is the snapshot directory.
	SnapshotPath string `mapstructure:"snapshotPath"`
	// SnapshotInterval is how many logged events trigger an automatic
	// snapshot.
	SnapshotInterval uint64 `mapstructure:"snapshotInterval"`
	// BufferSize is the WAL buffer length that forces a flush.
	BufferSize int `mapstructure:"bufferSize"`
	// FlushIntervalMS is the timed-flush period in milliseconds.
	FlushIntervalMS int `mapstructure:"flushInterval"`
}

// FlushInterval returns the timed-flush period.
func (p PersistenceConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalMS) * time.Millisecond
}

// SequencerConfig tunes intake batching and the per-user rate limit.
type SequencerConfig struct {
	BatchSize int `mapstructure:"batchSize"`
	// BatchTimeoutMS is the drain interval in milliseconds.
	BatchTimeoutMS     int `mapstructure:"batchTimeout"`
	MaxOrdersPerSecond int `mapstructure:"maxOrdersPerSecond"`
}

// BatchTimeout returns the drain interval.
func (s SequencerConfig) BatchTimeout() time.Duration {
	return time.Duration(s.BatchTimeoutMS) * time.Millisecond
}

// RiskConfig sets the risk-check thresholds.
type RiskConfig struct {
	MaxOrderValue   float64 `mapstructure:"maxOrderValue"`
	MaxPositionSize int64   `mapstructure:"maxPositionSize"`
	MinBalance      float64 `mapstructure:"minBalance"`
}

// MaxOrderValueDec returns the notional cap as a decimal.
func (r RiskConfig) MaxOrderValueDec() decimal.Decimal {
	return decimal.NewFromFloat(r.MaxOrderValue)
}

// MinBalanceDec returns the balance floor as a decimal.
func (r RiskConfig) MinBalanceDec() decimal.Decimal {
	return decimal.NewFromFloat(r.MinBalance)
}

// MarketsConfig points at the market-metadata service. An empty BaseURL
// selects the permissive in-memory directory.
type MarketsConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	TimeoutMS int    `mapstructure:"timeout"`
	CacheTTLS int    `mapstructure:"cacheTtl"`
}

// Timeout returns the request timeout.
func (m MarketsConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// CacheTTL returns the metadata cache lifetime.
func (m MarketsConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLS) * time.Second
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// MarketDataConfig controls the WebSocket market-data publisher.
type MarketDataConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// setDefaults registers every key's default value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("persistence.walPath", "./data/wal")
	v.SetDefault("persistence.snapshotPath", "./data/snapshots")
	v.SetDefault("persistence.snapshotInterval", 10000)
	v.SetDefault("persistence.bufferSize", 100)
	v.SetDefault("persistence.flushInterval", 100)
	v.SetDefault("sequencer.batchSize", 100)
	v.SetDefault("sequencer.batchTimeout", 1)
	v.SetDefault("sequencer.maxOrdersPerSecond", 10000)
	v.SetDefault("risk.maxOrderValue", 10000)
	v.SetDefault("risk.maxPositionSize", 100000)
	v.SetDefault("risk.minBalance", 0)
	v.SetDefault("markets.baseUrl", "")
	v.SetDefault("markets.timeout", 2000)
	v.SetDefault("markets.cacheTtl", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("marketdata.enabled", false)
	v.SetDefault("marketdata.addr", ":8090")
}

// Load reads configuration from path. An empty path or a missing file
// yields pure defaults; env vars with the CLOB_ prefix override either way.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CLOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration with every key at its default.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Persistence.WALPath == "" {
		return fmt.Errorf("persistence.walPath is required")
	}
	if c.Persistence.SnapshotPath == "" {
		return fmt.Errorf("persistence.snapshotPath is required")
	}
	if c.Persistence.BufferSize <= 0 {
		return fmt.Errorf("persistence.bufferSize must be > 0")
	}
	if c.Sequencer.BatchSize <= 0 {
		return fmt.Errorf("sequencer.batchSize must be > 0")
	}
	if c.Sequencer.MaxOrdersPerSecond <= 0 {
		return fmt.Errorf("sequencer.maxOrdersPerSecond must be > 0")
	}
	if c.Risk.MaxOrderValue < 0 {
		return fmt.Errorf("risk.maxOrderValue must be >= 0")
	}
	return nil
}
