/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	LedgerEventExchange          string `mapstructure:"LEDGER_EVENT_EXCHANGE"`
	GatewayAPIBaseURL            string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey                string `mapstructure:"GATEWAY_API_KEY"`
	GatewayWebhookSecret         string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	AuthJWKSURL                  string `mapstructure:"AUTH_JWKS_URL"`
	CronSharedSecret             string `mapstructure:"CRON_SHARED_SECRET"`
	SlackWebhookURL              string `mapstructure:"SLACK_WEBHOOK_URL"`
	ReconcileSchedule            string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileLookbackHours       int    `mapstructure:"RECONCILE_LOOKBACK_HOURS"`
	ReconcileErrorAlertThreshold int    `mapstructure:"RECONCILE_ERROR_ALERT_THRESHOLD"`
	WebhookFailureAlertThreshold int64  `mapstructure:"WEBHOOK_FAILURE_ALERT_THRESHOLD"`
	FinalizerMaxAttempts         int    `mapstructure:"FINALIZER_MAX_ATTEMPTS"`
	FinalizerBackoffBaseMs       int    `mapstructure:"FINALIZER_BACKOFF_BASE_MS"`
	PayoutRateMinorUnits         int64  `mapstructure:"PAYOUT_RATE_MINOR_UNITS"`
	PayoutCurrency               string `mapstructure:"PAYOUT_CURRENCY"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LEDGER_EVENT_EXCHANGE", "ledger_events")
	viper.SetDefault("RECONCILE_SCHEDULE", "*/30 * * * *")
	viper.SetDefault("RECONCILE_LOOKBACK_HOURS", 24)
	viper.SetDefault("RECONCILE_ERROR_ALERT_THRESHOLD", 5)
	viper.SetDefault("WEBHOOK_FAILURE_ALERT_THRESHOLD", 10)
	viper.SetDefault("FINALIZER_MAX_ATTEMPTS", 3)
	viper.SetDefault("FINALIZER_BACKOFF_BASE_MS", 1000)
	viper.SetDefault("PAYOUT_RATE_MINOR_UNITS", 100)
	viper.SetDefault("PAYOUT_CURRENCY", "usd")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_EXCHANGE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("CRON_SHARED_SECRET", "CRON_SHARED_SECRET", "LEDGER_SERVICE_CRON_SECRET")
	_ = viper.BindEnv("SLACK_WEBHOOK_URL")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_LOOKBACK_HOURS")
	_ = viper.BindEnv("RECONCILE_ERROR_ALERT_THRESHOLD")
	_ = viper.BindEnv("WEBHOOK_FAILURE_ALERT_THRESHOLD")
	_ = viper.BindEnv("FINALIZER_MAX_ATTEMPTS")
	_ = viper.BindEnv("FINALIZER_BACKOFF_BASE_MS")
	_ = viper.BindEnv("PAYOUT_RATE_MINOR_UNITS")
	_ = viper.BindEnv("PAYOUT_CURRENCY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.CronSharedSecret = strings.TrimSpace(config.CronSharedSecret)
	config.GatewayWebhookSecret = strings.TrimSpace(config.GatewayWebhookSecret)

	if config.ReconcileLookbackHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive reconcile lookback configured; using 24h\" hours=%d", config.ReconcileLookbackHours)
		config.ReconcileLookbackHours = 24
	}
	if config.ReconcileErrorAlertThreshold <= 0 {
		config.ReconcileErrorAlertThreshold = 5
	}
	if config.WebhookFailureAlertThreshold <= 0 {
		config.WebhookFailureAlertThreshold = 10
	}
	if config.FinalizerMaxAttempts <= 0 {
		config.FinalizerMaxAttempts = 3
	}
	if config.FinalizerBackoffBaseMs <= 0 {
		config.FinalizerBackoffBaseMs = 1000
	}
	if config.PayoutRateMinorUnits <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive payout rate configured; using 100\" rate=%d", config.PayoutRateMinorUnits)
		config.PayoutRateMinorUnits = 100
	}

	return
}
