package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/harborline/internal/clock"
	"github.com/joao-fontenele/harborline/internal/config"
	"github.com/joao-fontenele/harborline/internal/events"
	"github.com/joao-fontenele/harborline/internal/idempotency"
	"github.com/joao-fontenele/harborline/internal/inventory"
	"github.com/joao-fontenele/harborline/internal/messaging"
	"github.com/joao-fontenele/harborline/internal/orders"
	"github.com/joao-fontenele/harborline/internal/respond"
	"github.com/joao-fontenele/harborline/internal/stream"
	"github.com/joao-fontenele/harborline/internal/telemetry"
	"github.com/joao-fontenele/harborline/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

type stores struct {
	orders      orders.Repository
	inventory   inventory.Store
	idempotency idempotency.Store
	db          *sql.DB
	close       func() error
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("harborline stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := telemetry.Resource(cfg.ServiceName, cfg.ServiceVersion)

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.OTLPEndpoint, res)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(res)
	if err != nil {
		return fmt.Errorf("init meter: %w", err)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	st, err := openStores(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	if err := inventory.Seed(ctx, st.inventory, cfg.InventorySeedPath); err != nil {
		return fmt.Errorf("seed inventory: %w", err)
	}

	bus := events.NewBus(
		events.WithBufferSize(cfg.SubscriberBuffer),
		events.WithLogger(logger),
	)
	manager := inventory.NewManager(st.inventory, logger)
	machine := orders.NewMachine(st.orders, bus, manager, logger)
	ledger := idempotency.NewLedger(st.idempotency,
		idempotency.WithRetention(cfg.IdempotencyRetention),
		idempotency.WithLogger(logger),
	)
	signer := webhook.NewSigner(clock.NewSystem())

	mux := telemetry.NewRouteMux()
	orders.NewHandler(machine, ledger, logger).Register(mux)
	inventory.NewHandler(manager, logger).Register(mux)
	webhook.NewReceiver(signer, cfg.WebhookSecret, cfg.WebhookTolerance, machine, logger).Register(mux)
	stream.NewSSEHandler(bus, cfg.SSEKeepalive, logger).Register(mux)
	stream.NewWSHandler(bus, logger).Register(mux)
	mux.HandleFunc("GET /health", healthHandler(st.db, logger))
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           telemetry.NewHandler(mux, cfg.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting harborline", "port", cfg.Port, "postgres", st.db != nil, "kafka_relay", len(cfg.KafkaBrokers) > 0)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic)
		defer func() { _ = producer.Close() }()

		relay := messaging.NewRelay(bus, producer, logger)
		g.Go(func() error { return relay.Run(gctx) })
	}

	if cfg.IdempotencyRetention > 0 {
		g.Go(func() error {
			sweep(gctx, ledger, cfg.IdempotencySweepInterval, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Closing the bus ends every open stream so Shutdown can drain.
		bus.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openStores(ctx context.Context, postgresURL string) (stores, error) {
	if postgresURL == "" {
		return stores{
			orders:      orders.NewMemoryRepository(),
			inventory:   inventory.NewMemoryStore(),
			idempotency: idempotency.NewMemoryStore(),
			close:       func() error { return nil },
		}, nil
	}

	db, closeDB, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		return stores{}, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = closeDB()
		return stores{}, fmt.Errorf("ping database: %w", err)
	}

	return stores{
		orders:      orders.NewOrderRepository(db),
		inventory:   inventory.NewInventoryRepository(db),
		idempotency: idempotency.NewPostgresStore(db),
		db:          db,
		close:       closeDB,
	}, nil
}

func sweep(ctx context.Context, ledger *idempotency.Ledger, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.Sweep(ctx)
			if err != nil {
				logger.Error("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired idempotency records removed", "count", n)
			}
		}
	}
}

func healthHandler(db *sql.DB, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				respond.JSON(w, logger, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		respond.JSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	}
}
