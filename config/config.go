package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketpulse MarketpulseConfig `yaml:"marketpulse"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Orderbook   OrderbookConfig   `yaml:"orderbook"`
	Analytics   AnalyticsConfig   `yaml:"analytics"`
	Source      SourceConfig      `yaml:"source"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type MarketpulseConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	DepthBuffer  int `yaml:"depth_buffer"`
	SignalBuffer int `yaml:"signal_buffer"`
}

type OrderbookConfig struct {
	Depth   int `yaml:"depth"`
	History int `yaml:"history"`
}

type AnalyticsConfig struct {
	Interval            time.Duration   `yaml:"interval"`
	Imbalance           ImbalanceConfig `yaml:"imbalance"`
	LargeOrderThreshold float64         `yaml:"large_order_threshold"`
	SMAWindow           int             `yaml:"sma_window"`
	EMASpan             int             `yaml:"ema_span"`
	PersistEvery        int             `yaml:"persist_every"`
}

type ImbalanceConfig struct {
	BullishRatio float64 `yaml:"bullish_ratio"`
	BearishRatio float64 `yaml:"bearish_ratio"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Mexc    MexcSourceConfig    `yaml:"mexc"`
}

type BinanceSourceConfig struct {
	Enabled               bool          `yaml:"enabled"`
	WsURL                 string        `yaml:"ws_url"`
	RestURL               string        `yaml:"rest_url"`
	Symbol                string        `yaml:"symbol"`
	Depth                 int           `yaml:"depth"`
	APIKey                string        `yaml:"api_key"`
	APISecret             string        `yaml:"api_secret"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout      time.Duration `yaml:"handshake_timeout"`
	HandshakeRetryCeiling int           `yaml:"handshake_retry_ceiling"`
	SeedRequestsPerSecond int           `yaml:"seed_requests_per_second"`
}

type MexcSourceConfig struct {
	Enabled               bool          `yaml:"enabled"`
	WsURL                 string        `yaml:"ws_url"`
	Symbol                string        `yaml:"symbol"`
	Depth                 int           `yaml:"depth"`
	APIKey                string        `yaml:"api_key"`
	APISecret             string        `yaml:"api_secret"`
	ReconnectDelay        time.Duration `yaml:"reconnect_delay"`
	HandshakeTimeout      time.Duration `yaml:"handshake_timeout"`
	HandshakeRetryCeiling int           `yaml:"handshake_retry_ceiling"`
	PingInterval          time.Duration `yaml:"ping_interval"`
}

type StorageConfig struct {
	File  FileStorageConfig  `yaml:"file"`
	Redis RedisStorageConfig `yaml:"redis"`
	S3    S3StorageConfig    `yaml:"s3"`
}

type FileStorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type RedisStorageConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type S3StorageConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnvOverrides()

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Channels.DepthBuffer <= 0 {
		c.Channels.DepthBuffer = 1024
	}
	if c.Channels.SignalBuffer <= 0 {
		c.Channels.SignalBuffer = 256
	}
	if c.Orderbook.Depth <= 0 {
		c.Orderbook.Depth = 5
	}
	if c.Orderbook.History <= 0 {
		c.Orderbook.History = 100
	}
	if c.Analytics.Interval <= 0 {
		c.Analytics.Interval = 5 * time.Second
	}
	if c.Analytics.Imbalance.BullishRatio <= 0 {
		c.Analytics.Imbalance.BullishRatio = 2.0
	}
	if c.Analytics.Imbalance.BearishRatio <= 0 {
		c.Analytics.Imbalance.BearishRatio = 0.5
	}
	if c.Analytics.LargeOrderThreshold <= 0 {
		c.Analytics.LargeOrderThreshold = 50000
	}
	if c.Analytics.SMAWindow <= 0 {
		c.Analytics.SMAWindow = 10
	}
	if c.Analytics.EMASpan <= 0 {
		c.Analytics.EMASpan = 10
	}
	if c.Analytics.PersistEvery <= 0 {
		c.Analytics.PersistEvery = 10
	}

	applySourceDefaults(&c.Source.Binance.ReconnectDelay, &c.Source.Binance.HandshakeTimeout, &c.Source.Binance.HandshakeRetryCeiling)
	applySourceDefaults(&c.Source.Mexc.ReconnectDelay, &c.Source.Mexc.HandshakeTimeout, &c.Source.Mexc.HandshakeRetryCeiling)
	if c.Source.Binance.SeedRequestsPerSecond <= 0 {
		c.Source.Binance.SeedRequestsPerSecond = 1
	}
	if c.Source.Mexc.PingInterval <= 0 {
		c.Source.Mexc.PingInterval = 20 * time.Second
	}

	if c.Storage.File.Dir == "" {
		c.Storage.File.Dir = "data"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "marketpulse"
	}
	if c.Storage.S3.FlushInterval <= 0 {
		c.Storage.S3.FlushInterval = time.Minute
	}
	if c.Storage.S3.BatchSize <= 0 {
		c.Storage.S3.BatchSize = 500
	}
}

func applySourceDefaults(reconnect *time.Duration, handshake *time.Duration, ceiling *int) {
	if *reconnect <= 0 {
		*reconnect = 5 * time.Second
	}
	if *handshake <= 0 {
		*handshake = 10 * time.Second
	}
	if *ceiling <= 0 {
		*ceiling = 5
	}
}

// applyEnvOverrides lets credentials come from the environment rather than the
// config file, so secrets never need to be committed.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.Source.Binance.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		c.Source.Binance.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("MEXC_API_KEY"); v != "" {
		c.Source.Mexc.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("MEXC_API_SECRET"); v != "" {
		c.Source.Mexc.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = strings.TrimSpace(v)
	}
	if c.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			c.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			c.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			c.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			c.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func (c *Config) validate() error {
	if c.Source.Binance.Enabled {
		if c.Source.Binance.WsURL == "" {
			return fmt.Errorf("source.binance.ws_url is required when binance is enabled")
		}
		if c.Source.Binance.Symbol == "" {
			return fmt.Errorf("source.binance.symbol is required when binance is enabled")
		}
	}
	if c.Source.Mexc.Enabled {
		if c.Source.Mexc.WsURL == "" {
			return fmt.Errorf("source.mexc.ws_url is required when mexc is enabled")
		}
		if c.Source.Mexc.Symbol == "" {
			return fmt.Errorf("source.mexc.symbol is required when mexc is enabled")
		}
	}
	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}
	if c.Analytics.Imbalance.BearishRatio >= c.Analytics.Imbalance.BullishRatio {
		return fmt.Errorf("analytics.imbalance.bearish_ratio must be below bullish_ratio")
	}
	return nil
}
