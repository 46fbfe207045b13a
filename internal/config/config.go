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
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the wallet-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	DisbursementEventQueue        string `mapstructure:"DISBURSEMENT_EVENT_QUEUE"`
	GatewayAPIBaseURL             string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey                 string `mapstructure:"GATEWAY_API_KEY"`
	UserServiceURL                string `mapstructure:"USER_SERVICE_URL"`
	BookingServiceURL             string `mapstructure:"BOOKING_SERVICE_URL"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	JWTSecret                     string `mapstructure:"JWT_SECRET"`
	WalletCurrency                string `mapstructure:"WALLET_CURRENCY"`
	MinPayoutPaisa                int64  `mapstructure:"MIN_PAYOUT_PAISA"`
	CASMaxAttempts                int    `mapstructure:"CAS_MAX_ATTEMPTS"`
	CASBackoffMs                  int    `mapstructure:"CAS_BACKOFF_MS"`
	ReconcileSchedule             string `mapstructure:"RECONCILE_SCHEDULE"`
	AutoRechargeSchedule          string `mapstructure:"AUTO_RECHARGE_SCHEDULE"`
	TransactionRateLimitPerMinute int    `mapstructure:"TRANSACTION_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("DISBURSEMENT_EVENT_QUEUE", "wallet_service.disbursement_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "sewago:wallet:rate_limit")
	viper.SetDefault("WALLET_CURRENCY", "NPR")
	viper.SetDefault("MIN_PAYOUT_PAISA", 10000)
	viper.SetDefault("CAS_MAX_ATTEMPTS", 5)
	viper.SetDefault("CAS_BACKOFF_MS", 25)
	viper.SetDefault("RECONCILE_SCHEDULE", "0 3 * * *")
	viper.SetDefault("AUTO_RECHARGE_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("TRANSACTION_RATE_LIMIT_PER_MINUTE", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "WALLET_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("DISBURSEMENT_EVENT_QUEUE")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("USER_SERVICE_URL")
	_ = viper.BindEnv("BOOKING_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "WALLET_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("WALLET_CURRENCY")
	_ = viper.BindEnv("MIN_PAYOUT_PAISA")
	_ = viper.BindEnv("MIN_PAYOUT")
	_ = viper.BindEnv("MIN_PAYOUT_RUPEES")
	_ = viper.BindEnv("CAS_MAX_ATTEMPTS")
	_ = viper.BindEnv("CAS_BACKOFF_MS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("AUTO_RECHARGE_SCHEDULE")
	_ = viper.BindEnv("TRANSACTION_RATE_LIMIT_PER_MINUTE")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("WALLET_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "sewago:wallet:rate_limit"
	}
	config.WalletCurrency = strings.ToUpper(strings.TrimSpace(config.WalletCurrency))
	if config.WalletCurrency == "" {
		config.WalletCurrency = "NPR"
	}

	// Allow specifying the minimum payout in whole currency units via
	// MIN_PAYOUT or MIN_PAYOUT_RUPEES.
	if viper.IsSet("MIN_PAYOUT") {
		minStr := strings.TrimSpace(viper.GetString("MIN_PAYOUT"))
		if minStr != "" {
			minValue, parseErr := strconv.ParseFloat(minStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MIN_PAYOUT\" value=%q err=%v", minStr, parseErr)
			} else {
				config.MinPayoutPaisa = int64(math.Round(minValue * 100))
			}
		}
	} else if viper.IsSet("MIN_PAYOUT_RUPEES") {
		minStr := strings.TrimSpace(viper.GetString("MIN_PAYOUT_RUPEES"))
		if minStr != "" {
			minValue, parseErr := strconv.ParseFloat(minStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MIN_PAYOUT_RUPEES\" value=%q err=%v", minStr, parseErr)
			} else {
				config.MinPayoutPaisa = int64(math.Round(minValue * 100))
			}
		}
	}

	if config.MinPayoutPaisa < 0 {
		log.Printf("level=warn component=config msg=\"negative minimum payout configured; coercing to zero\" min_payout_paisa=%d", config.MinPayoutPaisa)
		config.MinPayoutPaisa = 0
	}

	if config.CASMaxAttempts <= 0 {
		config.CASMaxAttempts = 5
	}
	if config.CASBackoffMs <= 0 {
		config.CASBackoffMs = 25
	}
	if config.TransactionRateLimitPerMinute <= 0 {
		config.TransactionRateLimitPerMinute = 60
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "0 3 * * *"
	}
	if strings.TrimSpace(config.AutoRechargeSchedule) == "" {
		config.AutoRechargeSchedule = "*/15 * * * *"
	}

	return
}
