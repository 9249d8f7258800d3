/**
 * @description
 * This is the main entry point for the billing-scheduler.
 * It is a non-HTTP, long-running process that triggers the periodic billing
 * jobs (webhook reclaim, failed-webhook alerts, renewals, digest and digest
 * health) through the billing-service internal API.
 */
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/foodmind/billing-service/internal/config"
	"github.com/foodmind/billing-service/internal/scheduler"
	"github.com/foodmind/billing-service/pkg/billingclient"
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
	if err := cfg.ValidateScheduler(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	client := billingclient.NewClient(cfg.BillingServiceURL, cfg.InternalAPIKey)
	jobs := scheduler.NewJobs(client, logger)
	s := scheduler.NewScheduler(jobs, logger, cfg)

	registered := s.Start()
	logger.Info("scheduler started", "jobs", registered)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := s.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
