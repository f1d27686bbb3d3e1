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

// Config holds all the configuration variables for the exchange-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventExchange              string `mapstructure:"EVENT_EXCHANGE"`
	JWTSecret                  string `mapstructure:"JWT_SECRET"`
	CatalogServiceURL          string `mapstructure:"CATALOG_SERVICE_URL"`
	ConversationServiceURL     string `mapstructure:"CONVERSATION_SERVICE_URL"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	SessionIdleTimeoutSeconds  int    `mapstructure:"SESSION_IDLE_TIMEOUT_SECONDS"`
	SessionSendBuffer          int    `mapstructure:"SESSION_SEND_BUFFER"`
	ProposalRateLimitPerMinute int    `mapstructure:"PROPOSAL_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("EVENT_EXCHANGE", "exchange_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "exchange:rate_limit")
	viper.SetDefault("SESSION_IDLE_TIMEOUT_SECONDS", 60)
	viper.SetDefault("SESSION_SEND_BUFFER", 64)
	viper.SetDefault("PROPOSAL_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "EXCHANGE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("CATALOG_SERVICE_URL")
	_ = viper.BindEnv("CONVERSATION_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "EXCHANGE_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("SESSION_IDLE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SESSION_SEND_BUFFER")
	_ = viper.BindEnv("PROPOSAL_RATE_LIMIT_PER_MINUTE")

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
		config.RedisRateLimitPrefix = "exchange:rate_limit"
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("EXCHANGE_SERVICE_INTERNAL_API_KEY"))
	}

	if config.SessionIdleTimeoutSeconds <= 0 {
		config.SessionIdleTimeoutSeconds = 60
	}
	if config.SessionSendBuffer <= 0 {
		config.SessionSendBuffer = 64
	}
	if config.ProposalRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative proposal rate limit configured; coercing to zero\" limit=%d", config.ProposalRateLimitPerMinute)
		config.ProposalRateLimitPerMinute = 0
	}

	return
}
