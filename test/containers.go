package test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/joao-fontenele/harborline/internal/telemetry"
)

const (
	postgresImage = "postgres:18-alpine"
	kafkaImage    = "confluentinc/confluent-local:7.8.0"
)

// SetupPostgres starts a migrated Postgres container that is terminated when
// the test ends, and returns its connection string.
func SetupPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase("harborline"),
		postgres.WithUsername("harborline"),
		postgres.WithPassword("harborline"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	if err := migrateUp(connStr); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return connStr
}

func migrateUp(connStr string) error {
	m, err := migrate.New(migrationsURL(), connStr)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// migrationsURL points at the repository's migrations directory regardless
// of the working directory the tests run from.
func migrationsURL() string {
	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filepath.Dir(filename))
	return "file://" + filepath.Join(root, "migrations")
}

// SetupKafka starts a single-node Kafka container that is terminated when
// the test ends, and returns its brokers.
func SetupKafka(ctx context.Context, t *testing.T) []string {
	t.Helper()

	container, err := kafka.Run(ctx, kafkaImage, kafka.WithClusterID("harborline-test"))
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to get kafka brokers: %v", err)
	}
	return brokers
}

// OpenDB opens an instrumented pool against the test database.
func OpenDB(t *testing.T, connStr string) *sql.DB {
	t.Helper()

	db, closeDB, err := telemetry.OpenDB("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	t.Cleanup(func() { _ = closeDB() })

	return db
}
