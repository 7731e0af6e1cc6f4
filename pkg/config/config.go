// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Store, Pool, Cache, Router, Redis, Kafka, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	InstanceID string         `yaml:"instanceId"`
	Server     ServerConfig   `yaml:"server"`
	Store      StoreConfig    `yaml:"store"`
	Postgres   PostgresConfig `yaml:"postgres"`
	Pool       PoolConfig     `yaml:"pool"`
	Cache      CacheConfig    `yaml:"cache"`
	Router     RouterConfig   `yaml:"router"`
	Batch      BatchConfig    `yaml:"batch"`
	Locking    LockingConfig  `yaml:"locking"`
	Redis      RedisConfig    `yaml:"redis"`
	Kafka      KafkaConfig    `yaml:"kafka"`
	Logging    LoggingConfig  `yaml:"logging"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit       float64       `yaml:"rateLimit"`
	RateBurst       int           `yaml:"rateBurst"`
}

// StoreConfig selects the global store backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // memory, pebble or postgres
	PebbleDir string `yaml:"pebbleDir"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// PoolConfig sizes the adapter connection pool.
type PoolConfig struct {
	Size            int           `yaml:"size"`
	CheckoutTimeout time.Duration `yaml:"checkoutTimeout"`
	Fallback        bool          `yaml:"fallback"`
}

// CacheConfig controls the in-process record cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"maxSize"`
	DefaultTTL time.Duration `yaml:"defaultTTL"`
	Aggressive bool          `yaml:"aggressive"`
	Predictive bool          `yaml:"predictive"`
	WarmRate   float64       `yaml:"warmRate"`
}

// RouterConfig holds the query strategy thresholds.
type RouterConfig struct {
	PreferBulk       bool `yaml:"preferBulk"`
	BulkThreshold    int  `yaml:"bulkThreshold"`
	MinPatternLength int  `yaml:"minPatternLength"`
}

// BatchConfig controls multi-record retrieval fan-out.
type BatchConfig struct {
	ParallelThreshold int `yaml:"parallelThreshold"`
	Workers           int `yaml:"workers"`
}

// LockingConfig holds record lock defaults.
type LockingConfig struct {
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
}

// RedisConfig holds Redis connection and second-tier cache parameters.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
	BufferSize    int         `yaml:"bufferSize"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	RecordChanges string `yaml:"recordChanges"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values, or an error if the result does not validate.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "filebot"
	}
	return &Config{
		InstanceID: host,
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateBurst:       20,
		},
		Store: StoreConfig{
			Backend:   "memory",
			PebbleDir: "data/globals",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "filebot",
			User:            "filebot",
			Password:        "localdev",
			SSLMode:         "disable",
			Table:           "globals",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Pool: PoolConfig{
			Size:            5,
			CheckoutTimeout: 5 * time.Second,
			Fallback:        false,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10000,
			DefaultTTL: 5 * time.Minute,
			WarmRate:   50,
		},
		Router: RouterConfig{
			PreferBulk:       true,
			BulkThreshold:    100,
			MinPatternLength: 2,
		},
		Batch: BatchConfig{
			ParallelThreshold: 5,
			Workers:           4,
		},
		Locking: LockingConfig{
			DefaultTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "filebot:",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "filebot",
			Topics: KafkaTopics{
				RecordChanges: "fileman.record-changes",
			},
			BufferSize: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate checks ranges and enumerations that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	checkPort := func(name string, port int) {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be between 1 and 65535, got %d", name, port))
		}
	}
	checkPort("server.port", c.Server.Port)
	if c.Metrics.Enabled {
		checkPort("metrics.port", c.Metrics.Port)
	}
	switch c.Store.Backend {
	case "memory", "pebble":
	case "postgres":
		checkPort("postgres.port", c.Postgres.Port)
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, pebble, postgres", c.Store.Backend))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rateLimit must not be negative, got %g", c.Server.RateLimit))
	}
	if c.Pool.Size < 1 {
		errs = append(errs, fmt.Errorf("pool.size must be positive, got %d", c.Pool.Size))
	}
	if c.Cache.Enabled && c.Cache.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("cache.maxSize must be positive, got %d", c.Cache.MaxSize))
	}
	if c.Batch.Workers < 1 {
		errs = append(errs, fmt.Errorf("batch.workers must be positive, got %d", c.Batch.Workers))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnvOverrides reads FB_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FB_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("FB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FB_SERVER_RATE_LIMIT"); v != "" {
		if limit, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit = limit
		}
	}
	if v := os.Getenv("FB_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("FB_STORE_PEBBLE_DIR"); v != "" {
		cfg.Store.PebbleDir = v
	}
	if v := os.Getenv("FB_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("FB_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("FB_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("FB_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("FB_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("FB_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("FB_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.Size = n
		}
	}
	if v := os.Getenv("FB_CACHE_AGGRESSIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Aggressive = b
		}
	}
	if v := os.Getenv("FB_CACHE_PREDICTIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Predictive = b
		}
	}
	if v := os.Getenv("FB_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("FB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FB_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = b
		}
	}
	if v := os.Getenv("FB_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FB_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FB_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
