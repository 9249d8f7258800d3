/**
 * @description
 * Configuration management for the billing binaries. Values are read from the
 * environment (and an optional .env file) through viper and unmarshalled into a
 * single Config shared by the API, worker and scheduler processes.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and defaults.
 */
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultWebhookAllowedIPs are the provider's published notification ranges.
var DefaultWebhookAllowedIPs = []string{
	"185.71.76.0/27",
	"185.71.77.0/27",
	"77.75.153.0/25",
	"77.75.156.11",
	"77.75.156.35",
	"77.75.154.128/25",
	"2a02:5180::/32",
}

// Config holds all configuration for the billing service binaries.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RabbitMQURL    string `mapstructure:"RABBITMQ_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	UserJWTSecret  string `mapstructure:"USER_JWT_SECRET"`
	UserJWTIssuer  string `mapstructure:"USER_JWT_ISSUER"`

	WebhookAllowedIPsRaw     string        `mapstructure:"WEBHOOK_ALLOWED_IPS"`
	WebhookTrustXFF          bool          `mapstructure:"WEBHOOK_TRUST_XFF"`
	WebhookTrustedProxiesRaw string        `mapstructure:"WEBHOOK_TRUSTED_PROXIES"`
	WebhookRateLimitPerHour  int           `mapstructure:"WEBHOOK_RATE_LIMIT_PER_HOUR"`
	WebhookMaxRetries        int           `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookRetryBaseDelay    time.Duration `mapstructure:"WEBHOOK_RETRY_BASE_DELAY"`
	WebhookStuckThreshold    time.Duration `mapstructure:"WEBHOOK_STUCK_THRESHOLD"`
	WorkerConcurrency        int           `mapstructure:"WORKER_CONCURRENCY"`

	RecurringEnabled   bool          `mapstructure:"BILLING_RECURRING_ENABLED"`
	RenewalLookahead   time.Duration `mapstructure:"RENEWAL_LOOKAHEAD"`
	RenewalConcurrency int           `mapstructure:"RENEWAL_CONCURRENCY"`

	DigestWindow           time.Duration `mapstructure:"DIGEST_WINDOW"`
	DigestStaleAfterDays   int           `mapstructure:"DIGEST_STALE_AFTER_DAYS"`
	DigestAlertSuppression time.Duration `mapstructure:"DIGEST_ALERT_SUPPRESSION"`

	YooKassaShopID    string `mapstructure:"YOOKASSA_SHOP_ID"`
	YooKassaSecretKey string `mapstructure:"YOOKASSA_SECRET_KEY"`
	YooKassaAPIURL    string `mapstructure:"YOOKASSA_API_URL"`
	YooKassaReturnURL string `mapstructure:"YOOKASSA_RETURN_URL"`

	TelegramBotToken  string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramAdminsRaw string `mapstructure:"TELEGRAM_ADMINS"`

	BillingServiceURL string `mapstructure:"BILLING_SERVICE_URL"`

	ReclaimSchedule      string `mapstructure:"WEBHOOK_RECLAIM_SCHEDULE"`
	FailedAlertSchedule  string `mapstructure:"WEBHOOK_FAILED_ALERT_SCHEDULE"`
	RenewalSchedule      string `mapstructure:"RENEWAL_SCHEDULE"`
	DigestSchedule       string `mapstructure:"DIGEST_SCHEDULE"`
	DigestHealthSchedule string `mapstructure:"DIGEST_HEALTH_SCHEDULE"`

	// Parsed list values, populated after unmarshalling.
	WebhookAllowedIPs     []string `mapstructure:"-"`
	WebhookTrustedProxies []string `mapstructure:"-"`
	TelegramAdmins        []string `mapstructure:"-"`
}

var boundKeys = []string{
	"SERVER_PORT",
	"DATABASE_URL",
	"RABBITMQ_URL",
	"REDIS_URL",
	"REDIS_KEY_PREFIX",
	"INTERNAL_API_KEY",
	"USER_JWT_SECRET",
	"USER_JWT_ISSUER",
	"WEBHOOK_ALLOWED_IPS",
	"WEBHOOK_TRUST_XFF",
	"WEBHOOK_TRUSTED_PROXIES",
	"WEBHOOK_RATE_LIMIT_PER_HOUR",
	"WEBHOOK_MAX_RETRIES",
	"WEBHOOK_RETRY_BASE_DELAY",
	"WEBHOOK_STUCK_THRESHOLD",
	"WORKER_CONCURRENCY",
	"BILLING_RECURRING_ENABLED",
	"RENEWAL_LOOKAHEAD",
	"RENEWAL_CONCURRENCY",
	"DIGEST_WINDOW",
	"DIGEST_STALE_AFTER_DAYS",
	"DIGEST_ALERT_SUPPRESSION",
	"YOOKASSA_SHOP_ID",
	"YOOKASSA_SECRET_KEY",
	"YOOKASSA_API_URL",
	"YOOKASSA_RETURN_URL",
	"TELEGRAM_BOT_TOKEN",
	"TELEGRAM_ADMINS",
	"BILLING_SERVICE_URL",
	"WEBHOOK_RECLAIM_SCHEDULE",
	"WEBHOOK_FAILED_ALERT_SCHEDULE",
	"RENEWAL_SCHEDULE",
	"DIGEST_SCHEDULE",
	"DIGEST_HEALTH_SCHEDULE",
}

// LoadConfig reads configuration from the environment and an optional .env
// file found under path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("REDIS_KEY_PREFIX", "billing")
	viper.SetDefault("WEBHOOK_ALLOWED_IPS", strings.Join(DefaultWebhookAllowedIPs, ","))
	viper.SetDefault("WEBHOOK_TRUST_XFF", false)
	viper.SetDefault("WEBHOOK_TRUSTED_PROXIES", "127.0.0.1")
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_HOUR", 100)
	viper.SetDefault("WEBHOOK_MAX_RETRIES", 5)
	viper.SetDefault("WEBHOOK_RETRY_BASE_DELAY", "30s")
	viper.SetDefault("WEBHOOK_STUCK_THRESHOLD", "10m")
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("BILLING_RECURRING_ENABLED", false)
	viper.SetDefault("RENEWAL_LOOKAHEAD", "24h")
	viper.SetDefault("RENEWAL_CONCURRENCY", 4)
	viper.SetDefault("DIGEST_WINDOW", "168h")
	viper.SetDefault("DIGEST_STALE_AFTER_DAYS", 8)
	viper.SetDefault("DIGEST_ALERT_SUPPRESSION", "24h")
	viper.SetDefault("YOOKASSA_API_URL", "https://api.yookassa.ru/v3")
	viper.SetDefault("WEBHOOK_RECLAIM_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("WEBHOOK_FAILED_ALERT_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("RENEWAL_SCHEDULE", "0 * * * *")
	viper.SetDefault("DIGEST_SCHEDULE", "0 7 * * 1")
	viper.SetDefault("DIGEST_HEALTH_SCHEDULE", "30 7 * * *")

	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "billing"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	config.WebhookAllowedIPs = splitList(config.WebhookAllowedIPsRaw)
	config.WebhookTrustedProxies = splitList(config.WebhookTrustedProxiesRaw)
	config.TelegramAdmins = splitList(config.TelegramAdminsRaw)

	if config.WebhookMaxRetries < 0 {
		config.WebhookMaxRetries = 0
	}
	if config.WorkerConcurrency <= 0 {
		config.WorkerConcurrency = 1
	}
	if config.RenewalConcurrency <= 0 {
		config.RenewalConcurrency = 1
	}

	return config, nil
}

// ValidateService checks the keys the HTTP service cannot run without.
func (c Config) ValidateService() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required to protect internal billing routes")
	}
	if len(c.WebhookAllowedIPs) == 0 {
		return fmt.Errorf("WEBHOOK_ALLOWED_IPS must list at least one address or range")
	}
	return nil
}

// ValidateWorker checks the keys the webhook worker cannot run without.
func (c Config) ValidateWorker() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.RabbitMQURL) == "" {
		return fmt.Errorf("RABBITMQ_URL is required for the webhook worker")
	}
	return nil
}

// ValidateScheduler checks the keys the scheduler cannot run without.
func (c Config) ValidateScheduler() error {
	if strings.TrimSpace(c.BillingServiceURL) == "" {
		return fmt.Errorf("BILLING_SERVICE_URL is required")
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("INTERNAL_API_KEY is required to call internal billing routes")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
