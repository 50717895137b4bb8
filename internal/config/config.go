/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * Credit-policy knobs (approval threshold, tier limits, penalty buckets) are
 * plain environment variables too; CreditPolicy() folds them into the engine's
 * policy value on top of its defaults.
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

	"github.com/korecard/card-service/internal/credit"
	"github.com/korecard/card-service/internal/domain"
)

// Config holds all the configuration variables for the card-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`

	OutboxExchange            string `mapstructure:"OUTBOX_EXCHANGE"`
	OutboxBatchSize           int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts         int    `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxBackoffBaseSeconds  int    `mapstructure:"OUTBOX_BACKOFF_BASE_SECONDS"`
	OutboxBackoffCapSeconds   int    `mapstructure:"OUTBOX_BACKOFF_CAP_SECONDS"`
	OutboxPollIntervalSeconds int    `mapstructure:"OUTBOX_POLL_INTERVAL_SECONDS"`

	IdempotencyTTLHours             int `mapstructure:"IDEMPOTENCY_TTL_HOURS"`
	IdempotencySweepIntervalMinutes int `mapstructure:"IDEMPOTENCY_SWEEP_INTERVAL_MINUTES"`

	CommandRateLimitPerMinute int `mapstructure:"COMMAND_RATE_LIMIT_PER_MINUTE"`

	AutoApproveThreshold  int     `mapstructure:"AUTO_APPROVE_THRESHOLD"`
	TierLimitHigh         int64   `mapstructure:"TIER_LIMIT_HIGH"`
	TierLimitMedium       int64   `mapstructure:"TIER_LIMIT_MEDIUM"`
	TierLimitLow          int64   `mapstructure:"TIER_LIMIT_LOW"`
	AdminCeilingHigh      int64   `mapstructure:"ADMIN_CEILING_HIGH"`
	AdminCeilingMedium    int64   `mapstructure:"ADMIN_CEILING_MEDIUM"`
	AdminCeilingLow       int64   `mapstructure:"ADMIN_CEILING_LOW"`
	MinPaymentBonus       int     `mapstructure:"MIN_PAYMENT_BONUS"`
	MaxPaymentBonus       int     `mapstructure:"MAX_PAYMENT_BONUS"`
	MildPenalty           int     `mapstructure:"MILD_PENALTY"`
	ModeratePenalty       int     `mapstructure:"MODERATE_PENALTY"`
	SeverePenalty         int     `mapstructure:"SEVERE_PENALTY"`
	MildMaxDays           int     `mapstructure:"MILD_MAX_DAYS"`
	SevereMinDays         int     `mapstructure:"SEVERE_MIN_DAYS"`
	RejectionCooldownDays int     `mapstructure:"REJECTION_COOLDOWN_DAYS"`
	MinimumPaymentRate    float64 `mapstructure:"MINIMUM_PAYMENT_RATE"`
	MinimumPaymentFloor   int64   `mapstructure:"MINIMUM_PAYMENT_FLOOR"`
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

	defaults := credit.DefaultPolicy()

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "korecard:rate_limit")
	viper.SetDefault("OUTBOX_EXCHANGE", "card.events")
	viper.SetDefault("OUTBOX_BATCH_SIZE", 100)
	viper.SetDefault("OUTBOX_MAX_ATTEMPTS", 5)
	viper.SetDefault("OUTBOX_BACKOFF_BASE_SECONDS", 30)
	viper.SetDefault("OUTBOX_BACKOFF_CAP_SECONDS", 3600)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_SECONDS", 5)
	viper.SetDefault("IDEMPOTENCY_TTL_HOURS", 24)
	viper.SetDefault("IDEMPOTENCY_SWEEP_INTERVAL_MINUTES", 60)
	viper.SetDefault("COMMAND_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("AUTO_APPROVE_THRESHOLD", defaults.AutoApproveThreshold)
	viper.SetDefault("TIER_LIMIT_HIGH", defaults.TierLimits[domain.TierHigh])
	viper.SetDefault("TIER_LIMIT_MEDIUM", defaults.TierLimits[domain.TierMedium])
	viper.SetDefault("TIER_LIMIT_LOW", defaults.TierLimits[domain.TierLow])
	viper.SetDefault("ADMIN_CEILING_HIGH", defaults.AdminLimitCeilings[domain.TierHigh])
	viper.SetDefault("ADMIN_CEILING_MEDIUM", defaults.AdminLimitCeilings[domain.TierMedium])
	viper.SetDefault("ADMIN_CEILING_LOW", defaults.AdminLimitCeilings[domain.TierLow])
	viper.SetDefault("MIN_PAYMENT_BONUS", defaults.MinPaymentBonus)
	viper.SetDefault("MAX_PAYMENT_BONUS", defaults.MaxPaymentBonus)
	viper.SetDefault("MILD_PENALTY", defaults.MildPenalty)
	viper.SetDefault("MODERATE_PENALTY", defaults.ModeratePenalty)
	viper.SetDefault("SEVERE_PENALTY", defaults.SeverePenalty)
	viper.SetDefault("MILD_MAX_DAYS", defaults.MildMaxDays)
	viper.SetDefault("SEVERE_MIN_DAYS", defaults.SevereMinDays)
	viper.SetDefault("REJECTION_COOLDOWN_DAYS", defaults.RejectionCooldownDays)
	viper.SetDefault("MINIMUM_PAYMENT_RATE", defaults.MinimumPaymentRate)
	viper.SetDefault("MINIMUM_PAYMENT_FLOOR", defaults.MinimumPaymentFloor)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CARD_SERVICE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET", "JWT_SECRET", "CARD_SERVICE_JWT_SECRET")
	_ = viper.BindEnv("OUTBOX_EXCHANGE")
	_ = viper.BindEnv("OUTBOX_BATCH_SIZE")
	_ = viper.BindEnv("OUTBOX_MAX_ATTEMPTS")
	_ = viper.BindEnv("OUTBOX_BACKOFF_BASE_SECONDS")
	_ = viper.BindEnv("OUTBOX_BACKOFF_CAP_SECONDS")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_HOURS")
	_ = viper.BindEnv("IDEMPOTENCY_SWEEP_INTERVAL_MINUTES")
	_ = viper.BindEnv("COMMAND_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("AUTO_APPROVE_THRESHOLD")
	_ = viper.BindEnv("TIER_LIMIT_HIGH")
	_ = viper.BindEnv("TIER_LIMIT_MEDIUM")
	_ = viper.BindEnv("TIER_LIMIT_LOW")
	_ = viper.BindEnv("ADMIN_CEILING_HIGH")
	_ = viper.BindEnv("ADMIN_CEILING_MEDIUM")
	_ = viper.BindEnv("ADMIN_CEILING_LOW")
	_ = viper.BindEnv("MIN_PAYMENT_BONUS")
	_ = viper.BindEnv("MAX_PAYMENT_BONUS")
	_ = viper.BindEnv("MILD_PENALTY")
	_ = viper.BindEnv("MODERATE_PENALTY")
	_ = viper.BindEnv("SEVERE_PENALTY")
	_ = viper.BindEnv("MILD_MAX_DAYS")
	_ = viper.BindEnv("SEVERE_MIN_DAYS")
	_ = viper.BindEnv("REJECTION_COOLDOWN_DAYS")
	_ = viper.BindEnv("MINIMUM_PAYMENT_RATE")
	_ = viper.BindEnv("MINIMUM_PAYMENT_FLOOR")

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
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "korecard:rate_limit"
	}
	config.OutboxExchange = strings.TrimSpace(config.OutboxExchange)
	if config.OutboxExchange == "" {
		config.OutboxExchange = "card.events"
	}

	if config.OutboxBatchSize <= 0 {
		config.OutboxBatchSize = 100
	}
	if config.OutboxMaxAttempts <= 0 {
		config.OutboxMaxAttempts = 5
	}
	if config.OutboxBackoffBaseSeconds <= 0 {
		config.OutboxBackoffBaseSeconds = 30
	}
	if config.OutboxBackoffCapSeconds <= 0 {
		config.OutboxBackoffCapSeconds = 3600
	}
	if config.OutboxPollIntervalSeconds <= 0 {
		config.OutboxPollIntervalSeconds = 5
	}
	if config.IdempotencyTTLHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive idempotency TTL configured; using 24h\" ttl_hours=%d", config.IdempotencyTTLHours)
		config.IdempotencyTTLHours = 24
	}
	if config.IdempotencySweepIntervalMinutes <= 0 {
		config.IdempotencySweepIntervalMinutes = 60
	}
	if config.CommandRateLimitPerMinute < 0 {
		config.CommandRateLimitPerMinute = 0
	}

	if config.MinPaymentBonus > config.MaxPaymentBonus {
		log.Printf("level=warn component=config msg=\"min payment bonus above max; swapping\" min=%d max=%d", config.MinPaymentBonus, config.MaxPaymentBonus)
		config.MinPaymentBonus, config.MaxPaymentBonus = config.MaxPaymentBonus, config.MinPaymentBonus
	}
	if config.MinimumPaymentRate < 0 || config.MinimumPaymentRate > 1 {
		log.Printf("level=warn component=config msg=\"minimum payment rate out of range; using default\" rate=%f", config.MinimumPaymentRate)
		config.MinimumPaymentRate = defaults.MinimumPaymentRate
	}
	if config.RejectionCooldownDays < 0 {
		config.RejectionCooldownDays = 0
	}

	return
}

// CreditPolicy folds the configured policy knobs into a credit.Policy value.
func (c Config) CreditPolicy() credit.Policy {
	p := credit.DefaultPolicy()
	p.AutoApproveThreshold = c.AutoApproveThreshold
	p.TierLimits = map[string]int64{
		domain.TierHigh:   c.TierLimitHigh,
		domain.TierMedium: c.TierLimitMedium,
		domain.TierLow:    c.TierLimitLow,
	}
	p.AdminLimitCeilings = map[string]int64{
		domain.TierHigh:   c.AdminCeilingHigh,
		domain.TierMedium: c.AdminCeilingMedium,
		domain.TierLow:    c.AdminCeilingLow,
	}
	p.MinPaymentBonus = c.MinPaymentBonus
	p.MaxPaymentBonus = c.MaxPaymentBonus
	p.MildPenalty = c.MildPenalty
	p.ModeratePenalty = c.ModeratePenalty
	p.SeverePenalty = c.SeverePenalty
	p.MildMaxDays = c.MildMaxDays
	p.SevereMinDays = c.SevereMinDays
	p.RejectionCooldownDays = c.RejectionCooldownDays
	p.MinimumPaymentRate = c.MinimumPaymentRate
	p.MinimumPaymentFloor = c.MinimumPaymentFloor
	return p
}
