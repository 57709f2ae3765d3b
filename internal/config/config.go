// Package config provides configuration management functionality.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// MarketFees holds the slippage and fee rates applied to one market class.
type MarketFees struct {
	Slippage float64
	Fee      float64
}

// Config holds application configuration for both services.
type Config struct {
	LogLevel string
	DevMode  bool

	// Core service
	CorePort    int
	DatabaseDSN string
	SagaTimeout time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Event bus
	KafkaBrokers []string

	// Payment provider
	PaymentBaseURL       string
	PaymentSecretKey     string
	PaymentWebhookSecret string
	PaymentTimeout       time.Duration

	// Trading
	CryptoFees     MarketFees
	PredictionFees MarketFees

	// PassProfitTarget is the profit ratio over starting balance that,
	// together with the tier's minimum trade count, passes an assessment.
	PassProfitTarget float64

	// Workers
	RulesInterval       time.Duration
	PersistenceInterval time.Duration
	RuleChecksInterval  time.Duration

	// Fan-out service
	FanoutPort        int
	NodeID            string
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
}

// Load reads configuration from environment variables.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		CorePort:    getEnvAsInt("CORE_PORT", 8080),
		DatabaseDSN: getEnv("DATABASE_DSN", "host=localhost user=propdesk password=propdesk dbname=propdesk port=5432 sslmode=disable"),
		SagaTimeout: getEnvAsDuration("SAGA_TIMEOUT", 5*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		KafkaBrokers: []string{getEnv("KAFKA_BROKERS", "localhost:9092")},

		PaymentBaseURL:       getEnv("PAYMENT_BASE_URL", "https://api.stripe.com"),
		PaymentSecretKey:     getEnv("PAYMENT_SECRET_KEY", ""),
		PaymentWebhookSecret: getEnv("PAYMENT_WEBHOOK_SECRET", ""),
		PaymentTimeout:       getEnvAsDuration("PAYMENT_TIMEOUT", 10*time.Second),

		CryptoFees: MarketFees{
			Slippage: getEnvAsFloat("CRYPTO_SLIPPAGE_RATE", 0.001),
			Fee:      getEnvAsFloat("CRYPTO_FEE_RATE", 0.001),
		},
		PredictionFees: MarketFees{
			Slippage: getEnvAsFloat("PREDICTION_SLIPPAGE_RATE", 0.02),
			Fee:      getEnvAsFloat("PREDICTION_FEE_RATE", 0.0005),
		},

		PassProfitTarget: getEnvAsFloat("PASS_PROFIT_TARGET", 0.08),

		RulesInterval:       getEnvAsDuration("RULES_INTERVAL", 1500*time.Millisecond),
		PersistenceInterval: getEnvAsDuration("PERSISTENCE_INTERVAL", 5*time.Second),
		RuleChecksInterval:  getEnvAsDuration("RULE_CHECKS_INTERVAL", 12*time.Second),

		FanoutPort:        getEnvAsInt("FANOUT_PORT", 8081),
		NodeID:            getEnv("NODE_ID", ""),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ConnectionTimeout: getEnvAsDuration("CONNECTION_TIMEOUT", 60*time.Second),
	}

	if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "fanout"
		}
		cfg.NodeID = hostname
	}

	return cfg, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
