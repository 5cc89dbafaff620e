package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// FLIPPER_CLOUD_PRODUCER_CAPACITY.
const EnvPrefix = "FLIPPER_CLOUD"

var ErrInvalidFlushInterval = errors.New("producer.flush_interval must be greater than zero")

// Config holds runtime configuration for the cloud producer and collector.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Producer  ProducerConfig  `mapstructure:"producer"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Collector CollectorConfig `mapstructure:"collector"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// CloudConfig describes how to reach the collector
type CloudConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	Gzip    bool          `mapstructure:"gzip"`
}

// ProducerConfig tunes the event delivery pipeline
type ProducerConfig struct {
	Capacity          int           `mapstructure:"capacity"`
	BatchSize         int           `mapstructure:"batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	AutomaticShutdown bool          `mapstructure:"automatic_shutdown"`
}

// RetryConfig tunes delivery retries
type RetryConfig struct {
	Limit        int           `mapstructure:"limit"`
	Base         time.Duration `mapstructure:"base"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Sleep        bool          `mapstructure:"sleep"`
	RaiseAtLimit bool          `mapstructure:"raise_at_limit"`
}

// CollectorConfig configures the reference collector server
type CollectorConfig struct {
	Addr         string        `mapstructure:"addr"`
	Token        string        `mapstructure:"token"`
	MaxBodySize  int64         `mapstructure:"max_body_size"`
	QueueSize    int           `mapstructure:"queue_size"`
	DedupeTTL    time.Duration `mapstructure:"dedupe_ttl"`
	Sink         string        `mapstructure:"sink"` // log or kafka
	NodeID       string        `mapstructure:"node_id"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// KafkaConfig holds Kafka settings for the collector sink
type KafkaConfig struct {
	Brokers  []string       `mapstructure:"brokers"`
	Topic    string         `mapstructure:"topic"`
	Producer ProducerTuning `mapstructure:"producer"`
}

// ProducerTuning holds Kafka writer settings
type ProducerTuning struct {
	PoolSize     int           `mapstructure:"pool_size"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// RedisConfig holds the address of the optional dedupe store
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Cloud: CloudConfig{
			URL:     "https://www.flippercloud.io/adapter",
			Timeout: 5 * time.Second,
		},
		Producer: ProducerConfig{
			Capacity:        10_000,
			BatchSize:       1_000,
			FlushInterval:   10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Retry: RetryConfig{
			Limit:    10,
			Base:     500 * time.Millisecond,
			MaxDelay: 2 * time.Second,
			Sleep:    true,
		},
		Collector: CollectorConfig{
			Addr:         ":8080",
			MaxBodySize:  10 * 1024 * 1024,
			QueueSize:    10_000,
			DedupeTTL:    10 * time.Minute,
			Sink:         "log",
			BatchSize:    100,
			BatchTimeout: 100 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "flipper-cloud-events",
			Producer: ProducerTuning{
				PoolSize:     4,
				BatchSize:    100,
				BatchTimeout: 10 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: 1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
			},
		},
	}
}

// Load reads configuration from defaults, an optional file and the
// environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable fallback
func (c *Config) Validate() error {
	if c.Producer.FlushInterval <= 0 {
		return ErrInvalidFlushInterval
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("cloud.url", d.Cloud.URL)
	v.SetDefault("cloud.token", d.Cloud.Token)
	v.SetDefault("cloud.timeout", d.Cloud.Timeout)
	v.SetDefault("cloud.gzip", d.Cloud.Gzip)

	v.SetDefault("producer.capacity", d.Producer.Capacity)
	v.SetDefault("producer.batch_size", d.Producer.BatchSize)
	v.SetDefault("producer.flush_interval", d.Producer.FlushInterval)
	v.SetDefault("producer.shutdown_timeout", d.Producer.ShutdownTimeout)
	v.SetDefault("producer.automatic_shutdown", d.Producer.AutomaticShutdown)

	v.SetDefault("retry.limit", d.Retry.Limit)
	v.SetDefault("retry.base", d.Retry.Base)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.sleep", d.Retry.Sleep)
	v.SetDefault("retry.raise_at_limit", d.Retry.RaiseAtLimit)

	v.SetDefault("collector.addr", d.Collector.Addr)
	v.SetDefault("collector.token", d.Collector.Token)
	v.SetDefault("collector.max_body_size", d.Collector.MaxBodySize)
	v.SetDefault("collector.queue_size", d.Collector.QueueSize)
	v.SetDefault("collector.dedupe_ttl", d.Collector.DedupeTTL)
	v.SetDefault("collector.sink", d.Collector.Sink)
	v.SetDefault("collector.node_id", d.Collector.NodeID)
	v.SetDefault("collector.batch_size", d.Collector.BatchSize)
	v.SetDefault("collector.batch_timeout", d.Collector.BatchTimeout)

	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.producer.pool_size", d.Kafka.Producer.PoolSize)
	v.SetDefault("kafka.producer.batch_size", d.Kafka.Producer.BatchSize)
	v.SetDefault("kafka.producer.batch_timeout", d.Kafka.Producer.BatchTimeout)
	v.SetDefault("kafka.producer.write_timeout", d.Kafka.Producer.WriteTimeout)
	v.SetDefault("kafka.producer.required_acks", d.Kafka.Producer.RequiredAcks)
	v.SetDefault("kafka.producer.compression", d.Kafka.Producer.Compression)
	v.SetDefault("kafka.producer.max_retries", d.Kafka.Producer.MaxRetries)
	v.SetDefault("kafka.producer.retry_backoff", d.Kafka.Producer.RetryBackoff)

	v.SetDefault("redis.addr", d.Redis.Addr)
}
