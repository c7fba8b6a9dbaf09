package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/harborline/internal/clock"
	"github.com/joao-fontenele/harborline/internal/config"
	"github.com/joao-fontenele/harborline/internal/messaging"
	"github.com/joao-fontenele/harborline/internal/telemetry"
	"github.com/joao-fontenele/harborline/internal/webhook"
	"github.com/joao-fontenele/harborline/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := telemetry.Resource(cfg.ServiceName+"-worker", cfg.ServiceVersion)

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

	consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.EventsTopic, cfg.ConsumerGroup)
	defer func() { _ = consumer.Close() }()

	dispatcher := webhook.NewDispatcher(
		cfg.WebhookTargetURL,
		cfg.WebhookSecret,
		webhook.NewSigner(clock.NewSystem()),
		telemetry.NewHTTPClient(cfg.DeliveryTimeout),
	)
	handler := worker.NewWebhookHandler(dispatcher, cfg.DeliveryAttempts, cfg.DeliveryBackoff, logger)

	mux := telemetry.NewRouteMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting webhook worker", "brokers", cfg.KafkaBrokers, "topic", cfg.EventsTopic, "target", cfg.WebhookTargetURL)
		if err := consumer.Consume(gctx, handler.Handle); err != nil {
			return err
		}
		logger.Info("consumer stopped")
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
