/**
 * @description
 * Configuration management for the payment service. Settings come from environment
 * variables, optionally seeded from a `.env` file, and are read through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 * - github.com/rs/zerolog: warnings for coerced values.
 *
 * @notes
 * - Invalid or non-positive numeric settings fall back to their defaults with a warning
 *   instead of failing startup.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

const (
	defaultServerPort                 = "8080"
	defaultEventExchange              = "taas.events"
	defaultPaymentEventQueue          = "payment_service.work_period_payments"
	defaultRedisKeyPrefix             = "taas:payments"
	defaultChallengeUpdateTimeoutSecs = 20
	defaultSchedulerSchedule          = "*/5 * * * *"
	defaultSchedulerBatchSize         = 20
	defaultSchedulerStaleMinutes      = 15
	defaultPerMinutePaymentMax        = 12
	defaultPerMinuteChallengeReqMax   = 60
	defaultRecomputeSweepSchedule     = "0 * * * *"
	defaultRecomputeSweepLookbackHrs  = 24
	defaultBulkConcurrency            = 4
	defaultLogLevel                   = "info"
)

// Config holds all the configuration variables for the payment service.
type Config struct {
	ServerPort        string `mapstructure:"SERVER_PORT"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	StoreDriver       string `mapstructure:"STORE_DRIVER"`
	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	EventExchange     string `mapstructure:"EVENT_EXCHANGE"`
	PaymentEventQueue string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	RedisURL          string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix    string `mapstructure:"REDIS_KEY_PREFIX"`
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`

	ChallengeAPIBaseURL         string `mapstructure:"CHALLENGE_API_BASE_URL"`
	ChallengeAPIToken           string `mapstructure:"CHALLENGE_API_TOKEN"`
	ChallengeTypeID             string `mapstructure:"CHALLENGE_TYPE_ID"`
	ChallengeTrackID            string `mapstructure:"CHALLENGE_TRACK_ID"`
	ChallengeTimelineTemplateID string `mapstructure:"CHALLENGE_TIMELINE_TEMPLATE_ID"`
	ChallengeSubmitterRoleID    string `mapstructure:"CHALLENGE_SUBMITTER_ROLE_ID"`
	ChallengeUpdateTimeoutSecs  int    `mapstructure:"CHALLENGE_UPDATE_TIMEOUT_SECONDS"`

	PaymentSchedulerSchedule     string `mapstructure:"PAYMENT_SCHEDULER_SCHEDULE"`
	PaymentSchedulerBatchSize    int    `mapstructure:"PAYMENT_SCHEDULER_BATCH_SIZE"`
	PaymentSchedulerStaleMinutes int    `mapstructure:"PAYMENT_SCHEDULER_STALE_MINUTES"`
	PerMinutePaymentMaxCount     int    `mapstructure:"PER_MINUTE_PAYMENT_MAX_COUNT"`
	PerMinuteChallengeRequestMax int    `mapstructure:"PER_MINUTE_CHALLENGE_REQUEST_MAX_COUNT"`
	RecomputeSweepSchedule       string `mapstructure:"RECOMPUTE_SWEEP_SCHEDULE"`
	RecomputeSweepLookbackHours  int    `mapstructure:"RECOMPUTE_SWEEP_LOOKBACK_HOURS"`
	BulkConcurrency              int    `mapstructure:"BULK_CONCURRENCY"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
}

// ChallengeUpdateTimeout bounds the provider call made before a payment update commits.
func (c Config) ChallengeUpdateTimeout() time.Duration {
	return time.Duration(c.ChallengeUpdateTimeoutSecs) * time.Second
}

// SchedulerStaleAfter is how long an in-progress step may sit before it is reclaimed.
func (c Config) SchedulerStaleAfter() time.Duration {
	return time.Duration(c.PaymentSchedulerStaleMinutes) * time.Minute
}

// RecomputeSweepLookback is the window the reconciliation sweep scans.
func (c Config) RecomputeSweepLookback() time.Duration {
	return time.Duration(c.RecomputeSweepLookbackHours) * time.Hour
}

// LoadConfig reads configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("EVENT_EXCHANGE", defaultEventExchange)
	viper.SetDefault("PAYMENT_EVENT_QUEUE", defaultPaymentEventQueue)
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("CHALLENGE_UPDATE_TIMEOUT_SECONDS", defaultChallengeUpdateTimeoutSecs)
	viper.SetDefault("PAYMENT_SCHEDULER_SCHEDULE", defaultSchedulerSchedule)
	viper.SetDefault("PAYMENT_SCHEDULER_BATCH_SIZE", defaultSchedulerBatchSize)
	viper.SetDefault("PAYMENT_SCHEDULER_STALE_MINUTES", defaultSchedulerStaleMinutes)
	viper.SetDefault("PER_MINUTE_PAYMENT_MAX_COUNT", defaultPerMinutePaymentMax)
	viper.SetDefault("PER_MINUTE_CHALLENGE_REQUEST_MAX_COUNT", defaultPerMinuteChallengeReqMax)
	viper.SetDefault("RECOMPUTE_SWEEP_SCHEDULE", defaultRecomputeSweepSchedule)
	viper.SetDefault("RECOMPUTE_SWEEP_LOOKBACK_HOURS", defaultRecomputeSweepLookbackHrs)
	viper.SetDefault("BULK_CONCURRENCY", defaultBulkConcurrency)
	viper.SetDefault("LOG_LEVEL", defaultLogLevel)
	viper.SetDefault("LOG_PRETTY", false)

	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_URL", "STORE_DRIVER", "RABBITMQ_URL",
		"EVENT_EXCHANGE", "PAYMENT_EVENT_QUEUE", "REDIS_KEY_PREFIX",
		"CHALLENGE_API_BASE_URL", "CHALLENGE_API_TOKEN", "CHALLENGE_TYPE_ID",
		"CHALLENGE_TRACK_ID", "CHALLENGE_TIMELINE_TEMPLATE_ID", "CHALLENGE_SUBMITTER_ROLE_ID",
		"CHALLENGE_UPDATE_TIMEOUT_SECONDS", "PAYMENT_SCHEDULER_SCHEDULE",
		"PAYMENT_SCHEDULER_BATCH_SIZE", "PAYMENT_SCHEDULER_STALE_MINUTES",
		"PER_MINUTE_PAYMENT_MAX_COUNT", "PER_MINUTE_CHALLENGE_REQUEST_MAX_COUNT",
		"RECOMPUTE_SWEEP_SCHEDULE", "RECOMPUTE_SWEEP_LOOKBACK_HOURS", "BULK_CONCURRENCY",
		"LOG_LEVEL", "LOG_PRETTY",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYMENT_REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Str("component", "config").Err(err).Msg("failed to read config file; using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.ChallengeAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.ChallengeAPIBaseURL), "/")
	if strings.TrimSpace(config.RedisKeyPrefix) == "" {
		config.RedisKeyPrefix = defaultRedisKeyPrefix
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	switch config.StoreDriver {
	case StoreDriverPostgres:
		if config.DatabaseURL == "" {
			return config, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return config, fmt.Errorf("unsupported STORE_DRIVER %q", config.StoreDriver)
	}

	coercePositive(&config.ChallengeUpdateTimeoutSecs, "CHALLENGE_UPDATE_TIMEOUT_SECONDS", defaultChallengeUpdateTimeoutSecs)
	coercePositive(&config.PaymentSchedulerBatchSize, "PAYMENT_SCHEDULER_BATCH_SIZE", defaultSchedulerBatchSize)
	coercePositive(&config.PaymentSchedulerStaleMinutes, "PAYMENT_SCHEDULER_STALE_MINUTES", defaultSchedulerStaleMinutes)
	coercePositive(&config.PerMinutePaymentMaxCount, "PER_MINUTE_PAYMENT_MAX_COUNT", defaultPerMinutePaymentMax)
	coercePositive(&config.PerMinuteChallengeRequestMax, "PER_MINUTE_CHALLENGE_REQUEST_MAX_COUNT", defaultPerMinuteChallengeReqMax)
	coercePositive(&config.RecomputeSweepLookbackHours, "RECOMPUTE_SWEEP_LOOKBACK_HOURS", defaultRecomputeSweepLookbackHrs)
	coercePositive(&config.BulkConcurrency, "BULK_CONCURRENCY", defaultBulkConcurrency)

	if strings.TrimSpace(config.PaymentSchedulerSchedule) == "" {
		config.PaymentSchedulerSchedule = defaultSchedulerSchedule
	}
	if strings.TrimSpace(config.RecomputeSweepSchedule) == "" {
		config.RecomputeSweepSchedule = defaultRecomputeSweepSchedule
	}
	return config, nil
}

func coercePositive(value *int, key string, fallback int) {
	if *value > 0 {
		return
	}
	log.Warn().
		Str("component", "config").
		Str("key", key).
		Int("value", *value).
		Int("default", fallback).
		Msg("invalid value configured; using default")
	*value = fallback
}
