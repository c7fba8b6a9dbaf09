// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Telemetry is shared by every binary.
type Telemetry struct {
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string `env:"SERVICE_NAME"    envDefault:"harborline"`
	ServiceVersion string `env:"SERVICE_VERSION" envDefault:"0.1.0"`
}

// Server configures cmd/harborline. An empty PostgresURL selects in-memory
// stores and empty KafkaBrokers disables the event relay.
type Server struct {
	Telemetry

	Port         int      `env:"PORT"          envDefault:"8080"`
	PostgresURL  string   `env:"POSTGRES_URL"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	EventsTopic  string   `env:"EVENTS_TOPIC"  envDefault:"harborline.events"`

	WebhookSecret    string        `env:"WEBHOOK_SECRET,notEmpty"`
	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`

	SubscriberBuffer  int           `env:"SUBSCRIBER_BUFFER"   envDefault:"64"`
	SSEKeepalive      time.Duration `env:"SSE_KEEPALIVE"       envDefault:"15s"`
	InventorySeedPath string        `env:"INVENTORY_SEED_PATH"`

	IdempotencyRetention     time.Duration `env:"IDEMPOTENCY_RETENTION"      envDefault:"0s"`
	IdempotencySweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL" envDefault:"1m"`
}

// Worker configures cmd/worker.
type Worker struct {
	Telemetry

	Port          int      `env:"PORT"                     envDefault:"8081"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS,notEmpty"   envSeparator:","`
	EventsTopic   string   `env:"EVENTS_TOPIC"             envDefault:"harborline.events"`
	ConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP"     envDefault:"harborline-webhooks"`

	WebhookSecret    string        `env:"WEBHOOK_SECRET,notEmpty"`
	WebhookTargetURL string        `env:"WEBHOOK_TARGET_URL,notEmpty"`
	DeliveryAttempts int           `env:"WEBHOOK_DELIVERY_ATTEMPTS" envDefault:"5"`
	DeliveryBackoff  time.Duration `env:"WEBHOOK_DELIVERY_BACKOFF"  envDefault:"500ms"`
	DeliveryTimeout  time.Duration `env:"WEBHOOK_DELIVERY_TIMEOUT"  envDefault:"10s"`
}

// Migrate configures cmd/migrate.
type Migrate struct {
	PostgresURL    string `env:"POSTGRES_URL,notEmpty"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func LoadServer() (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	if cfg.SubscriberBuffer <= 0 {
		return Server{}, fmt.Errorf("SUBSCRIBER_BUFFER must be positive, got %d", cfg.SubscriberBuffer)
	}
	if cfg.IdempotencyRetention < 0 {
		return Server{}, fmt.Errorf("IDEMPOTENCY_RETENTION must not be negative")
	}
	if cfg.IdempotencyRetention > 0 && cfg.IdempotencySweepInterval <= 0 {
		return Server{}, fmt.Errorf("IDEMPOTENCY_SWEEP_INTERVAL must be positive when retention is set")
	}
	return cfg, nil
}

func LoadWorker() (Worker, error) {
	var cfg Worker
	if err := ParseEnv(&cfg); err != nil {
		return Worker{}, err
	}
	if cfg.DeliveryAttempts <= 0 {
		return Worker{}, fmt.Errorf("WEBHOOK_DELIVERY_ATTEMPTS must be positive, got %d", cfg.DeliveryAttempts)
	}
	return cfg, nil
}

func LoadMigrate() (Migrate, error) {
	var cfg Migrate
	if err := ParseEnv(&cfg); err != nil {
		return Migrate{}, err
	}
	return cfg, nil
}
