package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
	Batcher struct {
		MaxRecords int           `yaml:"max_records"`
		MaxWait    time.Duration `yaml:"max_wait"`
		QueueSize  int           `yaml:"queue_size"`
	} `yaml:"batcher"`
	Aggregator struct {
		BucketSizes       []time.Duration `yaml:"bucket_sizes"`
		LatenessTolerance time.Duration   `yaml:"lateness_tolerance"`
		Retention         time.Duration   `yaml:"retention"`
	} `yaml:"aggregator"`
	Analysis struct {
		LargeOrderThreshold   int64         `yaml:"large_order_threshold"`
		SmartMoneyThreshold   int64         `yaml:"smart_money_threshold"`
		MinConfidence         float64       `yaml:"smart_money_min_confidence"`
		AnomalySensitivity    float64       `yaml:"anomaly_sensitivity"`
		MinLargeOrders        int           `yaml:"min_large_orders"`
		MinDataPoints         int           `yaml:"min_data_points"`
		LookbackBuckets       int           `yaml:"lookback_buckets"`
		BucketSize            time.Duration `yaml:"bucket_size"`
		ClusterEpsilon        float64       `yaml:"cluster_epsilon"`
		ClusterMinPoints      int           `yaml:"cluster_min_points"`
		ClusterScoreThreshold float64       `yaml:"cluster_score_threshold"`
		SweepInterval         string        `yaml:"sweep_interval"` // cron spec
	} `yaml:"analysis"`
	Cache struct {
		Redis struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		LocalCapacity int `yaml:"local_capacity"`
		TTL           struct {
			Snapshot  time.Duration `yaml:"snapshot"`
			Signals   time.Duration `yaml:"signals"`
			Aggregate time.Duration `yaml:"aggregate"`
		} `yaml:"ttl"`
	} `yaml:"cache"`
	Sink struct {
		RetryMax   int           `yaml:"retry_max"`
		BackoffMin time.Duration `yaml:"backoff_min"`
		BackoffMax time.Duration `yaml:"backoff_max"`
	} `yaml:"sink"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		Topic        string   `yaml:"topic"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	} `yaml:"clickhouse"`
	Feed struct {
		BaseURL            string        `yaml:"base_url"`
		WebSocketURL       string        `yaml:"websocket_url"`
		AppKey             string        `yaml:"app_key"`
		AppSecret          string        `yaml:"app_secret"`
		Markets            []string      `yaml:"markets"`
		ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
		RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	} `yaml:"feed"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	c.applyDefaults()

	// Validate required fields
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables
	if v := os.Getenv("FEED_APP_KEY"); v != "" {
		c.Feed.AppKey = v
	}
	if v := os.Getenv("FEED_APP_SECRET"); v != "" {
		c.Feed.AppSecret = v
	}
	if v := os.Getenv("MARKETS"); v != "" {
		c.Feed.Markets = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		c.Kafka.Topic = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Cache.Redis.Host = v
	}

	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Batcher.MaxRecords == 0 {
		c.Batcher.MaxRecords = 100
	}
	if c.Batcher.MaxWait == 0 {
		c.Batcher.MaxWait = time.Second
	}
	if c.Batcher.QueueSize == 0 {
		c.Batcher.QueueSize = 1000
	}
	if len(c.Aggregator.BucketSizes) == 0 {
		c.Aggregator.BucketSizes = []time.Duration{time.Hour, 24 * time.Hour}
	}
	if c.Aggregator.LatenessTolerance == 0 {
		c.Aggregator.LatenessTolerance = 10 * time.Minute
	}
	if c.Aggregator.Retention == 0 {
		c.Aggregator.Retention = 61 * 24 * time.Hour
	}
	if c.Analysis.LargeOrderThreshold == 0 {
		c.Analysis.LargeOrderThreshold = 500_000_000
	}
	if c.Analysis.SmartMoneyThreshold == 0 {
		c.Analysis.SmartMoneyThreshold = 1_000_000_000
	}
	if c.Analysis.MinConfidence == 0 {
		c.Analysis.MinConfidence = 5.0
	}
	if c.Analysis.AnomalySensitivity == 0 {
		c.Analysis.AnomalySensitivity = 2.5
	}
	if c.Analysis.MinLargeOrders == 0 {
		c.Analysis.MinLargeOrders = 3
	}
	if c.Analysis.MinDataPoints == 0 {
		c.Analysis.MinDataPoints = 5
	}
	if c.Analysis.LookbackBuckets == 0 {
		c.Analysis.LookbackBuckets = 5
	}
	if c.Analysis.BucketSize == 0 {
		c.Analysis.BucketSize = time.Hour
	}
	if c.Analysis.ClusterEpsilon == 0 {
		c.Analysis.ClusterEpsilon = 0.35
	}
	if c.Analysis.ClusterMinPoints == 0 {
		c.Analysis.ClusterMinPoints = 2
	}
	if c.Analysis.ClusterScoreThreshold == 0 {
		c.Analysis.ClusterScoreThreshold = 0.5
	}
	if c.Cache.LocalCapacity == 0 {
		c.Cache.LocalCapacity = 1000
	}
	if c.Cache.TTL.Snapshot == 0 {
		c.Cache.TTL.Snapshot = 10 * time.Second
	}
	if c.Cache.TTL.Signals == 0 {
		c.Cache.TTL.Signals = time.Minute
	}
	if c.Cache.TTL.Aggregate == 0 {
		c.Cache.TTL.Aggregate = time.Hour
	}
	if c.Sink.RetryMax == 0 {
		c.Sink.RetryMax = 5
	}
	if c.Sink.BackoffMin == 0 {
		c.Sink.BackoffMin = 100 * time.Millisecond
	}
	if c.Sink.BackoffMax == 0 {
		c.Sink.BackoffMax = 5 * time.Second
	}
}

// Validate checks if the configuration is valid. Any violation is fatal at
// startup, before the server accepts traffic.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if c.Batcher.MaxRecords <= 0 {
		return fmt.Errorf("batcher.max_records must be positive, got %d", c.Batcher.MaxRecords)
	}
	if c.Batcher.MaxWait <= 0 {
		return fmt.Errorf("batcher.max_wait must be positive, got %s", c.Batcher.MaxWait)
	}
	if c.Batcher.QueueSize <= 0 {
		return fmt.Errorf("batcher.queue_size must be positive, got %d", c.Batcher.QueueSize)
	}
	for _, size := range c.Aggregator.BucketSizes {
		if size <= 0 {
			return fmt.Errorf("aggregator.bucket_sizes entries must be positive, got %s", size)
		}
	}
	if c.Analysis.LargeOrderThreshold <= 0 {
		return fmt.Errorf("analysis.large_order_threshold must be positive, got %d", c.Analysis.LargeOrderThreshold)
	}
	if c.Analysis.MinConfidence < 0 || c.Analysis.MinConfidence > 10 {
		return fmt.Errorf("analysis.smart_money_min_confidence must be within [0,10], got %f", c.Analysis.MinConfidence)
	}
	if c.Analysis.AnomalySensitivity <= 0 {
		return fmt.Errorf("analysis.anomaly_sensitivity must be positive, got %f", c.Analysis.AnomalySensitivity)
	}
	if c.Cache.LocalCapacity <= 0 {
		return fmt.Errorf("cache.local_capacity must be positive, got %d", c.Cache.LocalCapacity)
	}
	if c.Cache.TTL.Snapshot <= 0 || c.Cache.TTL.Signals <= 0 || c.Cache.TTL.Aggregate <= 0 {
		return fmt.Errorf("cache.ttl values must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	return nil
}
