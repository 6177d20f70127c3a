package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Hold configuration
	HoldTTL          time.Duration
	ConfirmedLockTTL time.Duration
	ExpiryPollEvery  time.Duration
	MaxUnitsPerHold  int

	// Payment configuration
	Currency               string
	PaymentMaxAttempts     int
	PaymentBaseDelay       time.Duration
	BreakerMaxFailures     int
	BreakerCooldown        time.Duration
	PaymentWebhookHMACKey  string
	PaymentWebhookCredHash string

	// HyPay gateway
	HyPayBaseURL      string
	HyPayMerchantID   string
	HyPayClientID     string
	HyPayClientSecret string
	HyPayHMACKey      string

	// PubNub configuration (user notifications + gateway subscription)
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUUID         string
	PubNubCipherKey    string

	// Rate limiting
	HoldRateLimit  int
	HoldRateWindow time.Duration

	// Monitoring
	EnableMetrics bool
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Holds
		HoldTTL:          getEnvAsDuration("HOLD_TTL", "7m"),
		ConfirmedLockTTL: getEnvAsDuration("CONFIRMED_LOCK_TTL", "24h"),
		ExpiryPollEvery:  getEnvAsDuration("EXPIRY_POLL_EVERY", "1s"),
		MaxUnitsPerHold:  getEnvAsInt("MAX_UNITS_PER_HOLD", 10),

		// Payment
		Currency:               getEnv("PAYMENT_CURRENCY", "USD"),
		PaymentMaxAttempts:     getEnvAsInt("PAYMENT_MAX_ATTEMPTS", 3),
		PaymentBaseDelay:       getEnvAsDuration("PAYMENT_BASE_DELAY", "200ms"),
		BreakerMaxFailures:     getEnvAsInt("BREAKER_MAX_FAILURES", 5),
		BreakerCooldown:        getEnvAsDuration("BREAKER_COOLDOWN", "30s"),
		PaymentWebhookHMACKey:  getEnv("PAYMENT_WEBHOOK_HMAC_KEY", ""),
		PaymentWebhookCredHash: getEnv("PAYMENT_WEBHOOK_CRED_HASH", ""),

		// HyPay
		HyPayBaseURL:      getEnv("HYPAY_BASE_URL", ""),
		HyPayMerchantID:   getEnv("HYPAY_MERCHANT_ID", ""),
		HyPayClientID:     getEnv("HYPAY_CLIENT_ID", ""),
		HyPayClientSecret: getEnv("HYPAY_CLIENT_SECRET", ""),
		HyPayHMACKey:      getEnv("HYPAY_HMAC_KEY", ""),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUUID:         getEnv("PUBNUB_UUID", "booking-engine"),
		PubNubCipherKey:    getEnv("PUBNUB_CIPHER_KEY", ""),

		// Rate limiting
		HoldRateLimit:  getEnvAsInt("HOLD_RATE_LIMIT", 10),
		HoldRateWindow: getEnvAsDuration("HOLD_RATE_WINDOW", "1m"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
