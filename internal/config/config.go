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
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	EventExchange string `mapstructure:"EVENT_EXCHANGE"`

	TrackerWorkers       int `mapstructure:"TRACKER_WORKERS"`
	DriverCallTimeoutSec int `mapstructure:"DRIVER_CALL_TIMEOUT_SECONDS"`
	StatusPollIntervalMs int `mapstructure:"STATUS_POLL_INTERVAL_MS"`
	SubmitMaxAttempts    int `mapstructure:"SUBMIT_MAX_ATTEMPTS"`
	SubmitBackoffBaseMs  int `mapstructure:"SUBMIT_BACKOFF_BASE_MS"`
	SubmitBackoffCapSec  int `mapstructure:"SUBMIT_BACKOFF_CAP_SECONDS"`

	ReconcileSchedule        string `mapstructure:"RECONCILE_SCHEDULE"`
	AllocationExpirySchedule string `mapstructure:"ALLOCATION_EXPIRY_SCHEDULE"`
	ReconcileTolerance       string `mapstructure:"RECONCILE_TOLERANCE"`
	TreasuryAccount          string `mapstructure:"TREASURY_ACCOUNT"`

	SubmitRateLimitPerMinute int `mapstructure:"SUBMIT_RATE_LIMIT_PER_MINUTE"`

	TestLedgerEnabled   bool   `mapstructure:"TEST_LEDGER_ENABLED"`
	TestLedgerPlatforms string `mapstructure:"TEST_LEDGER_PLATFORMS"`
}

// Tolerance parses the configured reconciliation tolerance. An unparsable
// value degrades to zero with a warning; reconciliation then alerts on any
// mismatch at all.
func (c Config) Tolerance() decimal.Decimal {
	raw := strings.TrimSpace(c.ReconcileTolerance)
	if raw == "" {
		return decimal.Zero
	}
	tolerance, err := decimal.NewFromString(raw)
	if err != nil || tolerance.IsNegative() {
		log.Printf("level=warn component=config msg=\"invalid RECONCILE_TOLERANCE; using zero\" value=%q", raw)
		return decimal.Zero
	}
	return tolerance
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
	viper.SetDefault("EVENT_EXCHANGE", "settlement_events")
	viper.SetDefault("TRACKER_WORKERS", 4)
	viper.SetDefault("DRIVER_CALL_TIMEOUT_SECONDS", 15)
	viper.SetDefault("STATUS_POLL_INTERVAL_MS", 10000)
	viper.SetDefault("SUBMIT_MAX_ATTEMPTS", 8)
	viper.SetDefault("SUBMIT_BACKOFF_BASE_MS", 500)
	viper.SetDefault("SUBMIT_BACKOFF_CAP_SECONDS", 60)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("ALLOCATION_EXPIRY_SCHEDULE", "@every 1m")
	viper.SetDefault("RECONCILE_TOLERANCE", "0")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "gridmarket:rate_limit")
	viper.SetDefault("SUBMIT_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("TEST_LEDGER_ENABLED", false)
	viper.SetDefault("TEST_LEDGER_PLATFORMS", "test:local:tst")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("TRACKER_WORKERS")
	_ = viper.BindEnv("DRIVER_CALL_TIMEOUT_SECONDS")
	_ = viper.BindEnv("STATUS_POLL_INTERVAL_MS")
	_ = viper.BindEnv("SUBMIT_MAX_ATTEMPTS")
	_ = viper.BindEnv("SUBMIT_BACKOFF_BASE_MS")
	_ = viper.BindEnv("SUBMIT_BACKOFF_CAP_SECONDS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("ALLOCATION_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_TOLERANCE")
	_ = viper.BindEnv("TREASURY_ACCOUNT")
	_ = viper.BindEnv("SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TEST_LEDGER_ENABLED")
	_ = viper.BindEnv("TEST_LEDGER_PLATFORMS")

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

	if port := strings.TrimSpace(viper.GetString("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.TreasuryAccount = strings.TrimSpace(config.TreasuryAccount)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "gridmarket:rate_limit"
	}

	if config.TrackerWorkers <= 0 {
		config.TrackerWorkers = 4
	}
	if config.DriverCallTimeoutSec <= 0 {
		config.DriverCallTimeoutSec = 15
	}
	if config.StatusPollIntervalMs <= 0 {
		config.StatusPollIntervalMs = 10000
	}
	if config.SubmitMaxAttempts <= 0 {
		config.SubmitMaxAttempts = 8
	}
	if config.SubmitBackoffBaseMs <= 0 {
		config.SubmitBackoffBaseMs = 500
	}
	if config.SubmitBackoffCapSec <= 0 {
		config.SubmitBackoffCapSec = 60
	}
	if config.SubmitRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative submit rate limit; disabling\" value=%d", config.SubmitRateLimitPerMinute)
		config.SubmitRateLimitPerMinute = 0
	}

	return
}
