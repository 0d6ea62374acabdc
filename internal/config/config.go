// Package config loads the pipeline's runtime settings from the
// environment, with an optional .env file for local development. The storage
// facade's namespace bindings come from a separate YAML file loaded by the
// storage package.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	Env      string `env:"APP_ENV" envDefault:"development"`

	// StorageConfigPath points at the facade's YAML namespace bindings.
	StorageConfigPath string `env:"STORAGE_CONFIG_PATH" envDefault:"config/storage.yaml"`

	PostgresURL string `env:"POSTGRES_URL,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	GCSBucket string `env:"GCS_BUCKET"`

	// Pub/Sub settings for the offline notification sink; empty project
	// disables it.
	PubSubProject string `env:"PUBSUB_PROJECT"`
	PubSubTopic   string `env:"PUBSUB_TOPIC" envDefault:"veil-notifications"`

	// Broker stream topology.
	EventStream   string `env:"EVENT_STREAM" envDefault:"veil:messages:events"`
	ConsumerGroup string `env:"CONSUMER_GROUP" envDefault:"delivery"`
	ConsumerName  string `env:"CONSUMER_NAME"`

	// Outbox dispatcher cadence and bounds.
	DispatchCadence  time.Duration `env:"DISPATCH_CADENCE" envDefault:"500ms"`
	DispatchBatch    int           `env:"DISPATCH_BATCH" envDefault:"256"`
	OutboxMaxAttempt int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`
	OutboxRetention  time.Duration `env:"OUTBOX_RETENTION" envDefault:"24h"`

	// Rate limiting for the authorization chain.
	RateLimit       int           `env:"RATE_LIMIT" envDefault:"100"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	// NegativeCacheTTL, when positive, turns on negative participant
	// caching.
	NegativeCacheTTL time.Duration `env:"NEGATIVE_CACHE_TTL" envDefault:"0"`

	// WSMaxQueue bounds each socket's send queue; WSDropPolicy is drop_new
	// or drop_old.
	WSMaxQueue   int    `env:"WS_MAX_QUEUE" envDefault:"100"`
	WSDropPolicy string `env:"WS_DROP_POLICY" envDefault:"drop_new"`

	// ShutdownTimeout is the hard bound on the four-phase shutdown.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"45s"`
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	// Missing .env is the normal case outside local dev.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.WSDropPolicy != "drop_new" && cfg.WSDropPolicy != "drop_old" {
		return nil, fmt.Errorf("WS_DROP_POLICY must be drop_new or drop_old, got %q", cfg.WSDropPolicy)
	}
	return cfg, nil
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
