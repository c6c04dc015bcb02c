// Package config loads runtime configuration from the environment with
// 12-factor KEEL_* variables, optionally seeded from a .env file and layered
// under a YAML profile for non-default deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	DatabaseURL  string   `yaml:"database_url"`
	RedisAddr    string   `yaml:"redis_addr"`
	KafkaBrokers []string `yaml:"kafka_brokers"`

	Outbox      OutboxConfig      `yaml:"outbox"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Cache       CacheConfig       `yaml:"cache"`
	Projector   ProjectorConfig   `yaml:"projector"`
	Deadline    DeadlineConfig    `yaml:"deadline"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

type OutboxConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	GCRetention   time.Duration `yaml:"gc_retention"`
}

type PublisherConfig struct {
	Workers     int    `yaml:"workers"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type ProjectorConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	PoisonTopic string `yaml:"poison_topic"`
}

type DeadlineConfig struct {
	Default time.Duration `yaml:"default"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Default returns the configuration used when nothing is set. The retry and
// retention numbers are the operational contract; changing them changes
// delivery behavior for every deployment.
func Default() *Config {
	return &Config{
		ServiceName:  "keel",
		Environment:  "development",
		LogLevel:     "INFO",
		DatabaseURL:  "postgres://keel@localhost:5432/keel?sslmode=disable",
		RedisAddr:    "localhost:6379",
		KafkaBrokers: []string{"localhost:9092"},
		Outbox: OutboxConfig{
			BatchSize:     100,
			LeaseDuration: 30 * time.Second,
			MaxAttempts:   10,
			BackoffBase:   200 * time.Millisecond,
			BackoffCap:    30 * time.Second,
			GCRetention:   7 * 24 * time.Hour,
		},
		Publisher: PublisherConfig{
			Workers:     4,
			TopicPrefix: "keel",
		},
		Idempotency: IdempotencyConfig{TTL: 48 * time.Hour},
		Cache:       CacheConfig{DefaultTTL: 30 * time.Second},
		Projector: ProjectorConfig{
			MaxAttempts: 5,
			PoisonTopic: "keel.poison",
		},
		Deadline: DeadlineConfig{Default: 30 * time.Second},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Load builds the configuration: defaults, then the YAML profile named by
// KEEL_PROFILE (if any), then an optional .env file, then the process
// environment. Env always wins.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars are the production path.
	_ = godotenv.Load()

	cfg := Default()
	if name := os.Getenv("KEEL_PROFILE"); name != "" {
		layered, err := LoadProfile(cfg, envStr("KEEL_PROFILES_DIR", "config"), name)
		if err != nil {
			return nil, err
		}
		cfg = layered
	}
	cfg.ServiceName = envStr("KEEL_SERVICE_NAME", cfg.ServiceName)
	cfg.Environment = envStr("KEEL_ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = envStr("KEEL_LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envStr("KEEL_DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = envStr("KEEL_REDIS_ADDR", cfg.RedisAddr)
	if v := os.Getenv("KEEL_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitComma(v)
	}

	var err error
	if cfg.Outbox.BatchSize, err = envInt("KEEL_OUTBOX_BATCH_SIZE", cfg.Outbox.BatchSize); err != nil {
		return nil, err
	}
	if cfg.Outbox.LeaseDuration, err = envDur("KEEL_OUTBOX_LEASE_DURATION", cfg.Outbox.LeaseDuration); err != nil {
		return nil, err
	}
	if cfg.Outbox.MaxAttempts, err = envInt("KEEL_OUTBOX_MAX_ATTEMPTS", cfg.Outbox.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Outbox.BackoffBase, err = envDur("KEEL_OUTBOX_BACKOFF_BASE", cfg.Outbox.BackoffBase); err != nil {
		return nil, err
	}
	if cfg.Outbox.BackoffCap, err = envDur("KEEL_OUTBOX_BACKOFF_CAP", cfg.Outbox.BackoffCap); err != nil {
		return nil, err
	}
	if cfg.Outbox.GCRetention, err = envDur("KEEL_OUTBOX_GC_RETENTION", cfg.Outbox.GCRetention); err != nil {
		return nil, err
	}
	if cfg.Publisher.Workers, err = envInt("KEEL_PUBLISHER_WORKERS", cfg.Publisher.Workers); err != nil {
		return nil, err
	}
	cfg.Publisher.TopicPrefix = envStr("KEEL_PUBLISHER_TOPIC_PREFIX", cfg.Publisher.TopicPrefix)
	if cfg.Idempotency.TTL, err = envDur("KEEL_IDEMPOTENCY_TTL", cfg.Idempotency.TTL); err != nil {
		return nil, err
	}
	if cfg.Cache.DefaultTTL, err = envDur("KEEL_CACHE_DEFAULT_TTL", cfg.Cache.DefaultTTL); err != nil {
		return nil, err
	}
	if cfg.Projector.MaxAttempts, err = envInt("KEEL_PROJECTOR_MAX_ATTEMPTS", cfg.Projector.MaxAttempts); err != nil {
		return nil, err
	}
	cfg.Projector.PoisonTopic = envStr("KEEL_PROJECTOR_POISON_TOPIC", cfg.Projector.PoisonTopic)
	if cfg.Deadline.Default, err = envDur("KEEL_DEADLINE_DEFAULT", cfg.Deadline.Default); err != nil {
		return nil, err
	}
	if v := os.Getenv("KEEL_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = v == "true"
	}
	cfg.Telemetry.OTLPEndpoint = envStr("KEEL_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	if v := os.Getenv("KEEL_TELEMETRY_SAMPLE_RATE"); v != "" {
		rate, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return nil, fmt.Errorf("config: KEEL_TELEMETRY_SAMPLE_RATE: %w", perr)
		}
		cfg.Telemetry.SampleRate = rate
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would silently break delivery.
func (c *Config) Validate() error {
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("config: outbox batch_size must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("config: outbox max_attempts must be positive")
	}
	if c.Outbox.LeaseDuration <= 0 {
		return fmt.Errorf("config: outbox lease_duration must be positive")
	}
	if c.Outbox.BackoffBase <= 0 || c.Outbox.BackoffCap < c.Outbox.BackoffBase {
		return fmt.Errorf("config: outbox backoff base/cap out of order")
	}
	if c.Publisher.Workers <= 0 {
		return fmt.Errorf("config: publisher workers must be positive")
	}
	if c.Projector.MaxAttempts <= 0 {
		return fmt.Errorf("config: projector max_attempts must be positive")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("config: idempotency ttl must be positive")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDur(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
