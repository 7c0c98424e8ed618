// Package config loads service configuration from YAML, .env and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ratemytip/internal/logger"
	"ratemytip/internal/queue"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickhouse = "clickhouse"
)

// Config is the root configuration of rmtserver and rmtjobs.
type Config struct {
	Environment string           `yaml:"environment" default:"development" validate:"oneof=development staging production test"`
	Log         logger.Config    `yaml:"log"`
	Storage     StorageConfig    `yaml:"storage"`
	Postgres    PostgresConfig   `yaml:"postgres"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Redis       RedisConfig      `yaml:"redis"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	PriceFeed   PriceFeedConfig  `yaml:"pricefeed"`
	Evaluator   EvaluatorConfig  `yaml:"evaluator"`
	Scoring     ScoringConfig    `yaml:"scoring"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Queue       queue.Config     `yaml:"queue"`
	Lock        LockConfig       `yaml:"lock"`
	HTTP        HTTPConfig       `yaml:"http"`
}

// StorageConfig selects where tips, scores and snapshots live.
type StorageConfig struct {
	Backend   string `yaml:"backend" default:"memory" validate:"oneof=memory postgres"`
	Snapshots string `yaml:"snapshots" default:"postgres" validate:"oneof=postgres clickhouse"`
}

// PostgresConfig configures the pgx pool.
type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxConns     int32         `yaml:"max_conns" default:"10" validate:"min=1"`
	ConnLifetime time.Duration `yaml:"conn_lifetime" default:"30m"`
	Migrate      bool          `yaml:"migrate" default:"true"`
}

// ClickHouseConfig configures price history and optional snapshot storage.
// Price history is disabled when DSN is empty.
type ClickHouseConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate" default:"true"`
}

// RedisConfig configures the queue, locks and price cache.
// The queue falls back to memory when Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	Prefix   string `yaml:"prefix" default:"rmt"`
}

// KafkaConfig configures tick ingestion and event publishing.
// Both are disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	TicksTopic   string   `yaml:"ticks_topic" default:"price-ticks"`
	EventsTopic  string   `yaml:"events_topic" default:"tip-status-changed"`
	GroupID      string   `yaml:"group_id" default:"ratemytip-pricefeed"`
	RequiredAcks int      `yaml:"required_acks" default:"-1" validate:"oneof=-1 0 1"`
	Compression  string   `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
}

// PriceFeedConfig configures the live price sources, queried in order:
// cache, stream, HTTP.
type PriceFeedConfig struct {
	HTTP     HTTPFeedConfig     `yaml:"http"`
	Stream   StreamFeedConfig   `yaml:"stream"`
	CacheTTL time.Duration      `yaml:"cache_ttl" default:"2m"`
	Static   map[string]float64 `yaml:"static"` // fixed prices for the memory backend
}

// HTTPFeedConfig configures the quote API client.
type HTTPFeedConfig struct {
	BaseURL    string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	MaxRetries int           `yaml:"max_retries" default:"3" validate:"min=0"`
	RateLimit  float64       `yaml:"rate_limit" default:"10" validate:"gte=0"`
	Burst      int           `yaml:"burst" default:"5" validate:"min=1"`
}

// StreamFeedConfig configures the WebSocket price stream.
type StreamFeedConfig struct {
	URL         string        `yaml:"url" validate:"omitempty,url"`
	Instruments []string      `yaml:"instruments"`
	MaxAge      time.Duration `yaml:"max_age" default:"5m"`
}

// EvaluatorConfig tunes the evaluation run.
type EvaluatorConfig struct {
	Concurrency int `yaml:"concurrency" default:"8" validate:"min=1"`
}

// ScoringConfig tunes the scoring engine.
type ScoringConfig struct {
	LookbackDays     int     `yaml:"lookback_days" default:"365" validate:"min=1"`
	MinTipsForRating int     `yaml:"min_tips_for_rating" default:"20" validate:"min=1"`
	VolumeSaturation float64 `yaml:"volume_saturation" default:"40" validate:"gt=0"`
	Z                float64 `yaml:"z" default:"1.96" validate:"gt=0"`
	Concurrency      int     `yaml:"concurrency" default:"4" validate:"min=1"`
}

// Lookback returns the scoring window.
func (s ScoringConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackDays) * 24 * time.Hour
}

// SchedulerConfig configures the in-process interval trigger.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled" default:"true"`
	Interval time.Duration `yaml:"interval" default:"5m"`
}

// LockConfig configures per-entity locks.
type LockConfig struct {
	TTL time.Duration `yaml:"ttl" default:"2m"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
}

var validate = validator.New()

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then .env and environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("set defaults: %w", err)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// applyEnv overrides connection settings from RMT_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("RMT_ENVIRONMENT", &c.Environment)
	str("RMT_LOG_LEVEL", &c.Log.Level)
	str("RMT_STORAGE_BACKEND", &c.Storage.Backend)
	str("RMT_SNAPSHOT_BACKEND", &c.Storage.Snapshots)
	str("RMT_POSTGRES_DSN", &c.Postgres.DSN)
	str("RMT_CLICKHOUSE_DSN", &c.ClickHouse.DSN)
	str("RMT_REDIS_ADDR", &c.Redis.Addr)
	str("RMT_REDIS_PASSWORD", &c.Redis.Password)
	str("RMT_PRICEFEED_URL", &c.PriceFeed.HTTP.BaseURL)
	str("RMT_PRICEFEED_API_KEY", &c.PriceFeed.HTTP.APIKey)
	str("RMT_PRICESTREAM_URL", &c.PriceFeed.Stream.URL)
	str("RMT_HTTP_ADDR", &c.HTTP.Addr)

	if v, ok := lookup("RMT_KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("RMT_REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RMT_REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	return nil
}

// Validate checks field constraints and cross-section requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Storage.Backend == BackendPostgres && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required for the postgres backend")
	}
	if c.Storage.Backend == BackendPostgres && c.Storage.Snapshots == BackendClickhouse && c.ClickHouse.DSN == "" {
		return fmt.Errorf("clickhouse.dsn is required for clickhouse snapshots")
	}
	if c.Storage.Backend == BackendMemory && c.PriceFeed.HTTP.BaseURL == "" && c.PriceFeed.Stream.URL == "" &&
		len(c.PriceFeed.Static) == 0 && c.Environment == "production" {
		return fmt.Errorf("a price feed is required in production")
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
