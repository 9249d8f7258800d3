/**
 * @description
 * Entry point for the billing-service. It hosts the YooKassa webhook gateway,
 * the internal operations API triggered by billing-scheduler and the user
 * billing API.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: the billing ledger.
 * - github.com/rabbitmq/amqp091-go (via pkg/rabbitmq): the webhook job queue.
 * - github.com/redis/go-redis/v9: shared rate limiting and digest state.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/foodmind/billing-service/internal/api"
	"github.com/foodmind/billing-service/internal/app"
	"github.com/foodmind/billing-service/internal/config"
	"github.com/foodmind/billing-service/internal/store"
	"github.com/foodmind/billing-service/pkg/rabbitmq"
	"github.com/foodmind/billing-service/pkg/telegram"
	"github.com/foodmind/billing-service/pkg/yookassa"
)

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
	if err := cfg.ValidateService(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbpool, err := store.OpenPool(ctx, cfg.DatabaseURL, store.PoolConfig{MaxConns: 100, MinConns: 20})
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewRepository(dbpool)
	metrics := app.NewMetrics()

	topology := rabbitmq.DefaultTopology(cfg.WebhookRetryBaseDelay, cfg.WebhookMaxRetries)
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		// Dials on first publish and again after any broker outage.
		publisher = rabbitmq.NewLazyEventProducer(cfg.RabbitMQURL, topology)
	} else {
		logger.Warn("RABBITMQ_URL not set; webhooks stay RECEIVED until reclaimed")
	}
	defer publisher.Close()

	queue := app.NewWebhookQueue(publisher, app.QueueRoutes{
		Exchange:   topology.Exchange,
		RoutingKey: topology.RoutingKey,
		RetryQueue: topology.RetryQueueName,
		BaseDelay:  topology.BaseDelay,
		Tiers:      topology.Tiers,
	})

	redisClient := connectRedis(logger, cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var redisLimiter *app.RedisRateLimiter
	var digestState app.DigestState = app.NewMemoryDigestState()
	if redisClient != nil {
		redisLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
		digestState = app.NewRedisDigestState(redisClient, cfg.RedisKeyPrefix)
	} else {
		logger.Warn("digest state kept in memory; it resets on restart")
	}

	var sender app.MessageSender
	if cfg.TelegramBotToken != "" {
		sender = telegram.NewClient("", cfg.TelegramBotToken)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set; admin notifications disabled")
	}
	notifier := app.NewAdminNotifier(sender, cfg.TelegramAdmins, logger)

	provider := yookassa.NewClient(cfg.YooKassaAPIURL, cfg.YooKassaShopID, cfg.YooKassaSecretKey)

	origins := app.NewOriginPolicy(cfg.WebhookAllowedIPs, cfg.WebhookTrustedProxies, cfg.WebhookTrustXFF, logger)
	throttle := app.NewWebhookThrottle(redisLimiter, cfg.WebhookRateLimitPerHour, logger)

	services := api.Services{
		Gateway:      app.NewGateway(repository, queue, origins, throttle, metrics, logger),
		Reclaimer:    app.NewReclaimer(repository, queue, cfg.WebhookStuckThreshold, cfg.WebhookMaxRetries, metrics, logger),
		FailedAlerts: app.NewFailedWebhookAlerter(repository, notifier, cfg.WebhookMaxRetries, logger),
		Renewals: app.NewRenewalService(repository, provider, app.RenewalConfig{
			Enabled:     cfg.RecurringEnabled,
			Lookahead:   cfg.RenewalLookahead,
			Concurrency: cfg.RenewalConcurrency,
		}, metrics, logger),
		Digest: app.NewDigestService(repository, notifier, digestState, app.DigestConfig{
			Window:           cfg.DigestWindow,
			StaleAfterDays:   cfg.DigestStaleAfterDays,
			AlertSuppression: cfg.DigestAlertSuppression,
		}, logger),
		Accounts: app.NewAccountService(repository, provider, cfg.YooKassaReturnURL, logger),
	}

	handler := api.NewHandler(services, logger)
	router := api.NewRouter(handler, api.AuthConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		JWTSecret:      cfg.UserJWTSecret,
		JWTIssuer:      cfg.UserJWTIssuer,
	}, metrics.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}

// connectRedis returns nil when Redis is not configured or unreachable; the
// callers fall back to in-process state.
func connectRedis(logger *slog.Logger, redisURL string) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		logger.Warn("REDIS_URL not set; webhook rate limiting is per replica")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; webhook rate limiting is per replica", "error", err)
		return nil
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; webhook rate limiting is per replica", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
