package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "whsec")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("load server: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.EventsTopic != "harborline.events" {
		t.Errorf("expected topic harborline.events, got %s", cfg.EventsTopic)
	}
	if cfg.WebhookTolerance != 5*time.Minute {
		t.Errorf("expected tolerance 5m, got %s", cfg.WebhookTolerance)
	}
	if cfg.SubscriberBuffer != 64 {
		t.Errorf("expected buffer 64, got %d", cfg.SubscriberBuffer)
	}
	if cfg.SSEKeepalive != 15*time.Second {
		t.Errorf("expected keepalive 15s, got %s", cfg.SSEKeepalive)
	}
	if cfg.IdempotencyRetention != 0 {
		t.Errorf("expected no retention, got %s", cfg.IdempotencyRetention)
	}
	if cfg.PostgresURL != "" || len(cfg.KafkaBrokers) != 0 {
		t.Errorf("expected postgres and kafka unset, got %q %v", cfg.PostgresURL, cfg.KafkaBrokers)
	}
	if cfg.ServiceName != "harborline" {
		t.Errorf("expected service name harborline, got %s", cfg.ServiceName)
	}
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("PORT", "9000")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("IDEMPOTENCY_RETENTION", "24h")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("load server: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("expected two brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.IdempotencyRetention != 24*time.Hour {
		t.Errorf("expected retention 24h, got %s", cfg.IdempotencyRetention)
	}
}

func TestLoadServerRequiresSecret(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "")

	_, err := LoadServer()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadServerRejectsZeroBuffer(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("SUBSCRIBER_BUFFER", "0")

	if _, err := LoadServer(); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadWorker(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	t.Setenv("WEBHOOK_TARGET_URL", "http://hooks.local/in")

	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("load worker: %v", err)
	}
	if cfg.ConsumerGroup != "harborline-webhooks" {
		t.Errorf("expected default consumer group, got %s", cfg.ConsumerGroup)
	}
	if cfg.DeliveryAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.DeliveryAttempts)
	}
}

func TestLoadWorkerRequiresTarget(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	t.Setenv("WEBHOOK_TARGET_URL", "")

	if _, err := LoadWorker(); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("PORT", "not-an-int")

	var cfg Server
	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}
