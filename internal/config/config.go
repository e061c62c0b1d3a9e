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

// Config holds all the configuration variables for the compensation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisCeilingPrefix      string `mapstructure:"REDIS_CEILING_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	ActivationEventQueue    string `mapstructure:"ACTIVATION_EVENT_QUEUE"`
	ActivationEventExchange string `mapstructure:"ACTIVATION_EVENT_EXCHANGE"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret          string `mapstructure:"ADMIN_JWT_SECRET"`
	DailyYieldJobSchedule   string `mapstructure:"DAILY_YIELD_JOB_SCHEDULE"`
	WeeklyPayoutJobSchedule string `mapstructure:"WEEKLY_PAYOUT_JOB_SCHEDULE"`
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
	viper.SetDefault("REDIS_CEILING_PREFIX", "compensation:referral_ceiling")
	viper.SetDefault("ACTIVATION_EVENT_QUEUE", "compensation_service.account_activations")
	viper.SetDefault("ACTIVATION_EVENT_EXCHANGE", "onboarding_events")
	// Weekday mornings UTC for yield, Saturday morning for payouts.
	viper.SetDefault("DAILY_YIELD_JOB_SCHEDULE", "0 6 * * 1-5")
	viper.SetDefault("WEEKLY_PAYOUT_JOB_SCHEDULE", "0 8 * * 6")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "COMPENSATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_CEILING_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ACTIVATION_EVENT_QUEUE")
	_ = viper.BindEnv("ACTIVATION_EVENT_EXCHANGE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "COMPENSATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_JWT_SECRET")
	_ = viper.BindEnv("DAILY_YIELD_JOB_SCHEDULE")
	_ = viper.BindEnv("WEEKLY_PAYOUT_JOB_SCHEDULE")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("COMPENSATION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisCeilingPrefix = strings.TrimSpace(config.RedisCeilingPrefix)
	if config.RedisCeilingPrefix == "" {
		config.RedisCeilingPrefix = "compensation:referral_ceiling"
	}
	if strings.TrimSpace(config.DailyYieldJobSchedule) == "" {
		config.DailyYieldJobSchedule = "0 6 * * 1-5"
	}
	if strings.TrimSpace(config.WeeklyPayoutJobSchedule) == "" {
		config.WeeklyPayoutJobSchedule = "0 8 * * 6"
	}

	return
}
