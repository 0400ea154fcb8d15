/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
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

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	TransferEventQueue string `mapstructure:"TRANSFER_EVENT_QUEUE"`

	LedgerAPIBaseURL string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey     string `mapstructure:"LEDGER_API_KEY"`
	StreamAPIBaseURL string `mapstructure:"STREAM_API_BASE_URL"`
	StreamAPIKey     string `mapstructure:"STREAM_API_KEY"`
	RatesAPIBaseURL  string `mapstructure:"RATES_API_BASE_URL"`

	AccountServiceURL            string `mapstructure:"ACCOUNT_SERVICE_URL"`
	AccountServiceInternalAPIKey string `mapstructure:"ACCOUNT_SERVICE_INTERNAL_API_KEY"`

	JWKSURL        string `mapstructure:"JWKS_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	Slippage             float64 `mapstructure:"SLIPPAGE"`
	QuoteLifespanMS      int64   `mapstructure:"QUOTE_LIFESPAN_MS"`
	MaxQuoteAttempts     int     `mapstructure:"MAX_QUOTE_ATTEMPTS"`
	MaxSendAttempts      int     `mapstructure:"MAX_SEND_ATTEMPTS"`
	WorkerIdleIntervalMS int64   `mapstructure:"WORKER_IDLE_INTERVAL_MS"`
	WorkerCount          int     `mapstructure:"WORKER_COUNT"`
	BackoffBaseMS        int64   `mapstructure:"BACKOFF_BASE_MS"`
	BackoffMaxMS         int64   `mapstructure:"BACKOFF_MAX_MS"`

	QuoteExpirySchedule  string `mapstructure:"QUOTE_EXPIRY_SCHEDULE"`
	StaleAuditSchedule   string `mapstructure:"STALE_AUDIT_SCHEDULE"`
	StaleAfterMinutes    int    `mapstructure:"STALE_AFTER_MINUTES"`
	PriceCacheTTLSeconds int    `mapstructure:"PRICE_CACHE_TTL_SECONDS"`
	PriceCachePrefix     string `mapstructure:"PRICE_CACHE_PREFIX"`
}

// LoadConfig reads configuration from environment variables from the given
// path. It uses Viper to automatically bind environment variables to the
// Config struct.
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
	viper.SetDefault("TRANSFER_EVENT_QUEUE", "payment_service.transfer_updates")
	viper.SetDefault("SLIPPAGE", 0.01)
	viper.SetDefault("QUOTE_LIFESPAN_MS", 60000)
	viper.SetDefault("MAX_QUOTE_ATTEMPTS", 5)
	viper.SetDefault("MAX_SEND_ATTEMPTS", 5)
	viper.SetDefault("WORKER_IDLE_INTERVAL_MS", 1000)
	viper.SetDefault("WORKER_COUNT", 4)
	viper.SetDefault("BACKOFF_BASE_MS", 1000)
	viper.SetDefault("BACKOFF_MAX_MS", 60000)
	viper.SetDefault("QUOTE_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("STALE_AUDIT_SCHEDULE", "@hourly")
	viper.SetDefault("STALE_AFTER_MINUTES", 60)
	viper.SetDefault("PRICE_CACHE_TTL_SECONDS", 15)
	viper.SetDefault("PRICE_CACHE_PREFIX", "streampay:prices")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENT_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_QUEUE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("STREAM_API_BASE_URL")
	_ = viper.BindEnv("STREAM_API_KEY")
	_ = viper.BindEnv("RATES_API_BASE_URL")
	_ = viper.BindEnv("ACCOUNT_SERVICE_URL")
	_ = viper.BindEnv("ACCOUNT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SLIPPAGE")
	_ = viper.BindEnv("QUOTE_LIFESPAN_MS")
	_ = viper.BindEnv("MAX_QUOTE_ATTEMPTS")
	_ = viper.BindEnv("MAX_SEND_ATTEMPTS")
	_ = viper.BindEnv("WORKER_IDLE_INTERVAL_MS")
	_ = viper.BindEnv("WORKER_COUNT")
	_ = viper.BindEnv("BACKOFF_BASE_MS")
	_ = viper.BindEnv("BACKOFF_MAX_MS")
	_ = viper.BindEnv("QUOTE_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("STALE_AUDIT_SCHEDULE")
	_ = viper.BindEnv("STALE_AFTER_MINUTES")
	_ = viper.BindEnv("PRICE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("PRICE_CACHE_PREFIX")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// Other read errors are logged and loading continues from the
		// environment.
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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.AccountServiceInternalAPIKey = strings.TrimSpace(config.AccountServiceInternalAPIKey)
	if config.AccountServiceInternalAPIKey == "" {
		config.AccountServiceInternalAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.PriceCachePrefix = strings.TrimSpace(config.PriceCachePrefix)
	if config.PriceCachePrefix == "" {
		config.PriceCachePrefix = "streampay:prices"
	}

	if config.Slippage <= 0 || config.Slippage >= 1 {
		log.Printf("level=warn component=config msg=\"slippage out of range; using default\" slippage=%f", config.Slippage)
		config.Slippage = 0.01
	}
	if config.QuoteLifespanMS <= 0 {
		config.QuoteLifespanMS = 60000
	}
	if config.MaxQuoteAttempts <= 0 {
		config.MaxQuoteAttempts = 5
	}
	if config.MaxSendAttempts <= 0 {
		config.MaxSendAttempts = 5
	}
	if config.WorkerIdleIntervalMS <= 0 {
		config.WorkerIdleIntervalMS = 1000
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.BackoffBaseMS <= 0 {
		config.BackoffBaseMS = 1000
	}
	if config.BackoffMaxMS < config.BackoffBaseMS {
		log.Printf("level=warn component=config msg=\"backoff max below base; raising to base\" backoff_max_ms=%d", config.BackoffMaxMS)
		config.BackoffMaxMS = config.BackoffBaseMS
	}
	if config.StaleAfterMinutes <= 0 {
		config.StaleAfterMinutes = 60
	}
	if config.PriceCacheTTLSeconds <= 0 {
		config.PriceCacheTTLSeconds = 15
	}

	return
}
