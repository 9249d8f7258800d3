/**
 * @description
 * Entry point for the billing-worker: a pool of RabbitMQ consumers that run
 * the business handlers for queued webhook events.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/foodmind/billing-service/internal/app"
	"github.com/foodmind/billing-service/internal/config"
	"github.com/foodmind/billing-service/internal/store"
	"github.com/foodmind/billing-service/pkg/rabbitmq"
)

const reconnectDelay = 5 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One transaction per in-flight job plus headroom for claims and retries.
	maxConns := int32(cfg.WorkerConcurrency*2 + 2)
	dbpool, err := store.OpenPool(ctx, cfg.DatabaseURL, store.PoolConfig{MaxConns: maxConns, MinConns: 1})
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	topology := rabbitmq.DefaultTopology(cfg.WebhookRetryBaseDelay, cfg.WebhookMaxRetries)
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, topology)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	repository := store.NewRepository(dbpool)
	metrics := app.NewMetrics()
	queue := app.NewWebhookQueue(producer, app.QueueRoutes{
		Exchange:   topology.Exchange,
		RoutingKey: topology.RoutingKey,
		RetryQueue: topology.RetryQueueName,
		BaseDelay:  topology.BaseDelay,
		Tiers:      topology.Tiers,
	})
	processor := app.NewProcessor(
		repository,
		app.NewStoreLedger(repository),
		app.NewHandlerRegistry(logger),
		queue,
		app.RetryPolicy{
			MaxRetries:   cfg.WebhookMaxRetries,
			BaseDelay:    cfg.WebhookRetryBaseDelay,
			ClaimTimeout: cfg.WebhookStuckThreshold,
		},
		metrics,
		logger,
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           opsRouter(metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting worker ops server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("worker ops server failed", "error", err)
		}
	}()

	runConsumers(ctx, logger, cfg.RabbitMQURL, topology, cfg.WorkerConcurrency, processor.HandleMessage)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker ops server shutdown failed", "error", err)
	}
	logger.Info("billing worker stopped")
}

// runConsumers consumes until ctx is canceled, reconnecting when the broker
// drops the channel.
func runConsumers(ctx context.Context, logger *slog.Logger, amqpURL string, topology rabbitmq.Topology, workers int, handler rabbitmq.Handler) {
	for {
		consumer, err := rabbitmq.NewConsumer(amqpURL)
		if err == nil {
			logger.Info("consuming webhook jobs", "queue", topology.Queue, "workers", workers)
			err = consumer.Consume(ctx, topology, workers, handler)
			consumer.Close()
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("consumer stopped")
		}
		logger.Error("webhook consumer interrupted; reconnecting", "error", err, "retry_in", reconnectDelay.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func opsRouter(metrics *app.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing worker is healthy"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}
